package server

import (
	"encoding/json"

	"inspectline/internal/config"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/inspection"
	"inspectline/internal/risk"
)

// Request payloads

type EvaluateRequest struct {
	Responses []domain.ItemResponse `json:"responses"`
}

type SubmitInspectionRequest struct {
	ID            string                `json:"id,omitempty" doc:"Client-chosen record id; resubmitting the same id is a no-op."`
	ChecklistType string                `json:"checklist_type"`
	SubjectID     string                `json:"subject_id"`
	Location      string                `json:"location"`
	Operator      string                `json:"operator"`
	Date          string                `json:"date"`
	Responses     []domain.ItemResponse `json:"responses"`
	Findings      []domain.Finding      `json:"findings,omitempty"`
	Notes         string                `json:"notes,omitempty"`
}

func (r SubmitInspectionRequest) options(actorID string) engine.SubmitOptions {
	return engine.SubmitOptions{
		ID:            r.ID,
		ChecklistType: r.ChecklistType,
		SubjectID:     r.SubjectID,
		Location:      r.Location,
		Operator:      r.Operator,
		Date:          r.Date,
		Responses:     r.Responses,
		Findings:      r.Findings,
		Notes:         r.Notes,
		ActorID:       actorID,
	}
}

type RateRequest struct {
	Likelihood int `json:"likelihood" minimum:"1"`
	Severity   int `json:"severity" minimum:"1"`
}

// Response payloads

type ChecklistSummary struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Categories int    `json:"categories"`
	Items      int    `json:"items"`
}

type EvaluationResponse struct {
	ChecklistType string `json:"checklist_type"`
	inspection.Evaluation
}

type RiskMatrixResponse struct {
	risk.Matrix
	Cells [][]risk.Rating `json:"cells" doc:"Rows by likelihood, columns by severity, both ascending."`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SiteID     string         `json:"site_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type SiteConfigResponse struct {
	Site struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	} `json:"site"`
	Inspection config.InspectionPolicy `json:"inspection"`
	Risk       risk.Matrix             `json:"risk"`
	Schedule   string                  `json:"followup_schedule,omitempty"`
}

type listChecklists struct {
	Items []ChecklistSummary `json:"items"`
}

type listInspections struct {
	Items []domain.InspectionRecord `json:"items"`
}

type listSubjects struct {
	Items []domain.Subject `json:"items"`
}

type listAssessments struct {
	Items []domain.HazardAssessment `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func checklistSummary(c domain.Checklist) ChecklistSummary {
	return ChecklistSummary{Type: c.Type, Name: c.Name, Categories: len(c.Categories), Items: c.TotalItems()}
}

func matrixResponse(m risk.Matrix) RiskMatrixResponse {
	resp := RiskMatrixResponse{Matrix: m}
	for l := m.Scale.Min; l <= m.Scale.Max; l++ {
		row := make([]risk.Rating, 0, m.Scale.Max-m.Scale.Min+1)
		for s := m.Scale.Min; s <= m.Scale.Max; s++ {
			r, _ := m.Rate(l, s)
			row = append(row, r)
		}
		resp.Cells = append(resp.Cells, row)
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SiteID:     e.SiteID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) SiteConfigResponse {
	var resp SiteConfigResponse
	resp.Site.ID = cfg.Site.ID
	resp.Site.Name = cfg.Site.Name
	resp.Inspection = cfg.Policies.Inspection
	resp.Risk = cfg.Policies.Risk
	resp.Schedule = cfg.FollowUp.Schedule
	return resp
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
