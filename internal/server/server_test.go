package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"inspectline/internal/config"
	"inspectline/internal/db"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/metrics"
	"inspectline/internal/migrate"
	"inspectline/internal/risk"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e.Metrics = metrics.New()
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return e
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, config.Default("plant-1"))
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, data)
	}
	return env.Error
}

func ladderInspection(id string, fail ...string) map[string]any {
	failed := map[string]bool{}
	for _, f := range fail {
		failed[f] = true
	}
	var responses []map[string]any
	for _, item := range []string{"ld-rails", "ld-rungs", "ld-feet", "ld-spreader", "ld-rivets", "ld-labels", "ld-clean"} {
		status := "pass"
		if failed[item] {
			status = "fail"
		}
		responses = append(responses, map[string]any{"item_id": item, "status": status})
	}
	return map[string]any{
		"id":             id,
		"checklist_type": "ladder",
		"subject_id":     "LAD-7",
		"location":       "Warehouse B",
		"operator":       "J. Ortiz",
		"date":           "2024-03-01",
		"responses":      responses,
	}
}

func TestChecklistRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/checklists", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list checklists %d: %s", res.StatusCode, data)
	}
	var list listChecklists
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 4 {
		t.Fatalf("checklists = %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/checklists/forklift", nil, nil)
	var def domain.Checklist
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &def) != nil || def.TotalItems() != 16 {
		t.Fatalf("get forklift %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/checklists/crane", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("unknown checklist %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/checklists/ladder/evaluate", map[string]any{
		"responses": []map[string]any{
			{"item_id": "ld-rails", "status": "pass"},
			{"item_id": "ld-rungs", "status": "fail"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate %d: %s", res.StatusCode, data)
	}
	var ev EvaluationResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Verdict != domain.VerdictIncomplete || ev.Stats.ProgressPercent != 29 || ev.CriticalFailed != 1 {
		t.Fatalf("evaluation = %+v", ev)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/checklists/ladder/evaluate", map[string]any{
		"responses": []map[string]any{{"item_id": "ld-rails", "status": "maybe"}},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status %d: %s", res.StatusCode, data)
	}
}

func TestSubmitInspectionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	actor := map[string]string{ActorHeader: "tablet-3"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/inspections", ladderInspection("insp-1", "ld-rungs"), actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit %d: %s", res.StatusCode, data)
	}
	var rec domain.InspectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.VerdictFail || rec.SubmittedBy != "tablet-3" || rec.DeficiencyCount != 1 {
		t.Fatalf("record = %+v", rec)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/inspections", ladderInspection("insp-1"), actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resubmit %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &rec); err != nil || rec.Status != domain.VerdictFail {
		t.Fatalf("resubmit must return stored record: %s", data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inspections/insp-1/rescore", nil, nil)
	var rescored engine.RescoreResult
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &rescored) != nil || !rescored.Consistent {
		t.Fatalf("rescore %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inspections?subject_id=LAD-7", nil, nil)
	var list listInspections
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &list) != nil || len(list.Items) != 1 {
		t.Fatalf("list %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/subjects?service_status=out_of_service", nil, nil)
	var subjects listSubjects
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &subjects) != nil || len(subjects.Items) != 1 || subjects.Items[0].ID != "LAD-7" {
		t.Fatalf("subjects %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inspections/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing inspection %d: %s", res.StatusCode, data)
	}

	// two events so far: submitted, out of service; page one at a time
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1", nil, nil)
	var page paginatedEvents
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &page) != nil {
		t.Fatalf("events %d: %s", res.StatusCode, data)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "subject.out_of_service" || page.NextCursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	if page.Items[0].SiteID != "plant-1" || page.Items[0].ActorID != "tablet-3" {
		t.Fatalf("event attribution = %+v", page.Items[0])
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1&cursor="+page.NextCursor, nil, nil)
	page = paginatedEvents{}
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &page) != nil {
		t.Fatalf("events page 2 %d: %s", res.StatusCode, data)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "inspection.submitted" || page.NextCursor != "" {
		t.Fatalf("second page = %+v", page)
	}
	if page.Items[0].Payload["status"] != "fail" {
		t.Fatalf("payload = %v", page.Items[0].Payload)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `inspectline_inspections_submitted_total{checklist_type="ladder",status="fail"} 1`) {
		t.Fatalf("metrics %d: %s", res.StatusCode, data)
	}
}

func TestSubmitInspectionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	incomplete := ladderInspection("")
	incomplete["responses"] = []map[string]any{{"item_id": "ld-rails", "status": "pass"}}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/inspections", incomplete, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("structure %d: %s", res.StatusCode, data)
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "structure_mismatch" {
		t.Fatalf("code = %s", apiErr.Code)
	}

	unchecked := ladderInspection("")
	responses := unchecked["responses"].([]map[string]any)
	responses[6]["status"] = "unchecked"
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/inspections", unchecked, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Code != "incomplete" {
		t.Fatalf("incomplete %d: %s", res.StatusCode, data)
	}

	noOperator := ladderInspection("")
	noOperator["operator"] = ""
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/inspections", noOperator, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("metadata %d: %s", res.StatusCode, data)
	}
	apiErr = decodeError(t, data)
	if apiErr.Code != "validation_failed" || !strings.Contains(apiErr.Message, "operator") {
		t.Fatalf("metadata error = %+v", apiErr)
	}
}

func TestRiskRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/risk-matrix", nil, nil)
	var matrix RiskMatrixResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &matrix) != nil {
		t.Fatalf("matrix %d: %s", res.StatusCode, data)
	}
	if len(matrix.Cells) != 5 || matrix.Cells[4][4].Score != 25 || matrix.Cells[4][4].Level != domain.RiskCritical {
		t.Fatalf("cells = %+v", matrix.Cells)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/risk-matrix/rate", map[string]int{"likelihood": 3, "severity": 5}, nil)
	var rating risk.Rating
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &rating) != nil || rating.Score != 15 || rating.Level != domain.RiskHigh {
		t.Fatalf("rate %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/risk-matrix/rate", map[string]int{"likelihood": 6, "severity": 1}, nil)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "rating_out_of_scale" {
		t.Fatalf("out of scale %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/hazard-assessments", map[string]any{
		"title": "Battery charging bay",
		"items": []map[string]any{
			{"hazard": "Hydrogen build-up", "likelihood_before": 3, "severity_before": 5, "likelihood_after": 1, "severity_after": 5},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create assessment %d: %s", res.StatusCode, data)
	}
	var a domain.HazardAssessment
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatal(err)
	}
	if a.OverallRiskLevel != domain.RiskHigh || a.ResidualRiskLevel == nil || *a.ResidualRiskLevel != domain.RiskMedium {
		t.Fatalf("assessment = %+v", a)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/hazard-assessments/"+a.ID, map[string]any{
		"title": "Battery charging bay",
		"items": []map[string]any{
			{"id": "h1", "hazard": "Hydrogen build-up", "likelihood_before": 3, "severity_before": 5},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/hazard-assessments/"+a.ID, nil, nil)
	a = domain.HazardAssessment{}
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &a) != nil || a.ResidualRiskLevel != nil {
		t.Fatalf("get after update %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/hazard-assessments?level=high", nil, nil)
	var list listAssessments
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &list) != nil || len(list.Items) != 1 {
		t.Fatalf("list %d: %s", res.StatusCode, data)
	}
}

func TestWebhookDeliversFilteredEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		secret   string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		secret = r.Header.Get("X-Inspectline-Secret")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default("plant-1")
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"subject.out_of_service"}, Secret: "s3cret"}}
	e := newTestEngine(t, cfg)
	d := newWebhookDispatcher(e, log.New(io.Discard, "", 0))
	ctx := context.Background()
	d.dispatchAll(ctx)

	opts := engine.SubmitOptions{
		ID: "insp-1", ChecklistType: "ladder", SubjectID: "LAD-7", Location: "B", Operator: "J", Date: "2024-03-01",
	}
	for _, item := range []string{"ld-rails", "ld-rungs", "ld-feet", "ld-spreader", "ld-rivets", "ld-labels", "ld-clean"} {
		status := domain.StatusPass
		if item == "ld-feet" {
			status = domain.StatusFail
		}
		opts.Responses = append(opts.Responses, domain.ItemResponse{ItemID: item, Status: status})
	}
	if _, _, err := e.SubmitInspection(ctx, opts); err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != "subject.out_of_service" || received[0].EntityID != "LAD-7" {
		t.Fatalf("received = %+v", received)
	}
	if secret != "s3cret" {
		t.Fatalf("secret header = %q", secret)
	}
	var payload map[string]any
	if err := json.Unmarshal(received[0].Payload, &payload); err != nil || payload["inspection_id"] != "insp-1" {
		t.Fatalf("payload = %s", received[0].Payload)
	}
}
