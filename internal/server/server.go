package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"inspectline/internal/checklist"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/inspection"
	"inspectline/internal/repo"
	"inspectline/internal/risk"
)

// ActorHeader names the operator or device submitting a request.
const ActorHeader = "X-Inspectline-Actor"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"missing or invalid inspection metadata: operator"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":[\"operator\"]}"`
}

type requestKey struct{}

// apiError models the error envelope shared by every route.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the inspection API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation is a malformed request, not a rule violation
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Inspectline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerConfig(group, cfg.Engine)
	registerChecklists(group, cfg.Engine)
	registerInspections(group, cfg.Engine)
	registerSubjects(group, cfg.Engine)
	registerRisk(group, cfg.Engine)
	registerAssessments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", cfg.Engine.Metrics.Handler())

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *inspection.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"fields": verr.Fields})
	}
	var serr *inspection.StructureError
	if errors.As(err, &serr) {
		return newAPIError(http.StatusUnprocessableEntity, "structure_mismatch", err.Error(), map[string]any{
			"missing":   nonNilSlice(serr.Missing),
			"unknown":   nonNilSlice(serr.Unknown),
			"duplicate": nonNilSlice(serr.Duplicate),
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, checklist.ErrUnknownType):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, inspection.ErrIncomplete):
		return newAPIError(http.StatusUnprocessableEntity, "incomplete", err.Error(), nil)
	case errors.Is(err, inspection.ErrFindingExists):
		return newAPIError(http.StatusConflict, "finding_exists", err.Error(), nil)
	case errors.Is(err, risk.ErrRatingOutOfScale):
		return newAPIError(http.StatusBadRequest, "rating_out_of_scale", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalid),
		errors.Is(err, inspection.ErrUnknownItem),
		errors.Is(err, inspection.ErrInvalidStatus),
		errors.Is(err, inspection.ErrFindingNotFound):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// actorFromRequest reads the caller identity header, defaulting to "api".
func actorFromRequest(ctx context.Context) string {
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok {
		if v := strings.TrimSpace(r.Header.Get(ActorHeader)); v != "" {
			return v
		}
	}
	return "api"
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Inspectline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Identify the submitting operator or device with the %s header.
    </p>
  </body>
</html>`, specURL, ActorHeader)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Show the active site policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SiteConfigResponse `json:"body"`
	}, error) {
		return &struct {
			Body SiteConfigResponse `json:"body"`
		}{Body: configResponse(e.Config)}, nil
	})
}

func registerChecklists(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checklists",
		Method:      http.MethodGet,
		Path:        "/checklists",
		Summary:     "List checklist definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listChecklists `json:"body"`
	}, error) {
		resp := listChecklists{Items: []ChecklistSummary{}}
		for _, c := range e.Catalog.List() {
			resp.Items = append(resp.Items, checklistSummary(c))
		}
		return &struct {
			Body listChecklists `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checklist",
		Method:      http.MethodGet,
		Path:        "/checklists/{type}",
		Summary:     "Get a checklist definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
	}) (*struct {
		Body domain.Checklist `json:"body"`
	}, error) {
		def, err := e.Catalog.Get(input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checklist `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-checklist",
		Method:      http.MethodPost,
		Path:        "/checklists/{type}/evaluate",
		Summary:     "Preview progress, score and verdict for a set of responses",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
		Body EvaluateRequest
	}) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		ev, err := e.Evaluate(input.Type, input.Body.Responses)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: EvaluationResponse{ChecklistType: input.Type, Evaluation: ev}}, nil
	})
}

func registerInspections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-inspection",
		Method:        http.MethodPost,
		Path:          "/inspections",
		Summary:       "Submit a completed inspection",
		Description:   "Returns 201 when the record is stored and 200 when a record with the same id already exists.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SubmitInspectionRequest
	}) (*struct {
		Status int
		Body   domain.InspectionRecord `json:"body"`
	}, error) {
		rec, created, err := e.SubmitInspection(ctx, input.Body.options(actorFromRequest(ctx)))
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		return &struct {
			Status int
			Body   domain.InspectionRecord `json:"body"`
		}{Status: status, Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inspections",
		Method:      http.MethodGet,
		Path:        "/inspections",
		Summary:     "List inspection records, newest first",
	}, func(ctx context.Context, input *struct {
		SubjectID     string `query:"subject_id"`
		ChecklistType string `query:"checklist_type"`
		Status        string `query:"status" enum:"pass,fail"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body listInspections `json:"body"`
	}, error) {
		items, err := e.ListInspections(ctx, repo.InspectionFilters{
			SubjectID:     input.SubjectID,
			ChecklistType: input.ChecklistType,
			Status:        input.Status,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listInspections `json:"body"`
		}{Body: listInspections{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-inspection",
		Method:      http.MethodGet,
		Path:        "/inspections/{id}",
		Summary:     "Get an inspection record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.InspectionRecord `json:"body"`
	}, error) {
		rec, err := e.GetInspection(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InspectionRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rescore-inspection",
		Method:      http.MethodGet,
		Path:        "/inspections/{id}/rescore",
		Summary:     "Recompute a record's evaluation from its checklist snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.RescoreResult `json:"body"`
	}, error) {
		res, err := e.Rescore(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RescoreResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerSubjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-subjects",
		Method:      http.MethodGet,
		Path:        "/subjects",
		Summary:     "List inspected equipment and its service status",
	}, func(ctx context.Context, input *struct {
		ServiceStatus string `query:"service_status" enum:"in_service,out_of_service"`
		ChecklistType string `query:"checklist_type"`
	}) (*struct {
		Body listSubjects `json:"body"`
	}, error) {
		items, err := e.ListSubjects(ctx, input.ServiceStatus, input.ChecklistType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listSubjects `json:"body"`
		}{Body: listSubjects{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-subject",
		Method:      http.MethodGet,
		Path:        "/subjects/{id}",
		Summary:     "Get a subject",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Subject `json:"body"`
	}, error) {
		s, err := e.GetSubject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subject `json:"body"`
		}{Body: s}, nil
	})
}

func registerRisk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-risk-matrix",
		Method:      http.MethodGet,
		Path:        "/risk-matrix",
		Summary:     "Show the risk matrix and every scored cell",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RiskMatrixResponse `json:"body"`
	}, error) {
		return &struct {
			Body RiskMatrixResponse `json:"body"`
		}{Body: matrixResponse(e.Matrix)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rate-risk",
		Method:      http.MethodPost,
		Path:        "/risk-matrix/rate",
		Summary:     "Score one likelihood and severity pair",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RateRequest
	}) (*struct {
		Body risk.Rating `json:"body"`
	}, error) {
		r, err := e.Matrix.Rate(input.Body.Likelihood, input.Body.Severity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body risk.Rating `json:"body"`
		}{Body: r}, nil
	})
}

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-hazard-assessment",
		Method:        http.MethodPost,
		Path:          "/hazard-assessments",
		Summary:       "Create a scored hazard assessment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body engine.AssessmentInput
	}) (*struct {
		Body domain.HazardAssessment `json:"body"`
	}, error) {
		a, err := e.CreateAssessment(ctx, input.Body, actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HazardAssessment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-hazard-assessments",
		Method:      http.MethodGet,
		Path:        "/hazard-assessments",
		Summary:     "List hazard assessments, newest first",
	}, func(ctx context.Context, input *struct {
		Level string `query:"level" enum:"low,medium,high,critical"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body listAssessments `json:"body"`
	}, error) {
		items, err := e.ListAssessments(ctx, input.Level, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listAssessments `json:"body"`
		}{Body: listAssessments{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-hazard-assessment",
		Method:      http.MethodGet,
		Path:        "/hazard-assessments/{id}",
		Summary:     "Get a hazard assessment with its items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.HazardAssessment `json:"body"`
	}, error) {
		a, err := e.GetAssessment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HazardAssessment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-hazard-assessment",
		Method:      http.MethodPut,
		Path:        "/hazard-assessments/{id}",
		Summary:     "Replace a hazard assessment and rescore it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body engine.AssessmentInput
	}) (*struct {
		Body domain.HazardAssessment `json:"body"`
	}, error) {
		a, err := e.UpdateAssessment(ctx, input.ID, input.Body, actorFromRequest(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HazardAssessment `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"inspection,subject,hazard_assessment"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			SiteID:     e.Config.Site.ID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
