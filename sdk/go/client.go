package inspectlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ActorHeader names the acting user on write requests.
const ActorHeader = "X-Inspectline-Actor"

// Client is a minimal Inspectline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, for example http://127.0.0.1:8080/v0.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// ItemResponse is the answer for one checklist item: pass, fail, na or unchecked.
type ItemResponse struct {
	ItemID string `json:"item_id"`
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// Finding documents a failed item.
type Finding struct {
	ID               string `json:"id,omitempty"`
	ItemID           string `json:"item_id"`
	CategoryID       string `json:"category_id,omitempty"`
	ItemText         string `json:"item_text,omitempty"`
	Severity         string `json:"severity,omitempty"`
	Description      string `json:"description,omitempty"`
	CorrectiveAction string `json:"corrective_action,omitempty"`
}

// Evaluation is the preview returned for a set of responses.
type Evaluation struct {
	ChecklistType string `json:"checklist_type"`
	Stats         struct {
		Total           int `json:"total"`
		Unchecked       int `json:"unchecked"`
		Pass            int `json:"pass"`
		Fail            int `json:"fail"`
		NA              int `json:"na"`
		Checked         int `json:"checked"`
		ProgressPercent int `json:"progress_percent"`
	} `json:"stats"`
	CriticalFailed int    `json:"critical_failed"`
	Verdict        string `json:"verdict"`
	Score          int    `json:"score"`
	Band           string `json:"band"`
}

// Inspection is the submission payload.
type Inspection struct {
	ID            string         `json:"id,omitempty"`
	ChecklistType string         `json:"checklist_type"`
	SubjectID     string         `json:"subject_id"`
	Location      string         `json:"location"`
	Operator      string         `json:"operator"`
	Date          string         `json:"date"`
	Responses     []ItemResponse `json:"responses"`
	Findings      []Finding      `json:"findings,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

// InspectionRecord represents a stored inspection (partial).
type InspectionRecord struct {
	ID              string    `json:"id"`
	ChecklistType   string    `json:"checklist_type"`
	SubjectID       string    `json:"subject_id"`
	Location        string    `json:"location"`
	Operator        string    `json:"operator"`
	InspectedOn     string    `json:"inspected_on"`
	Status          string    `json:"status"`
	Result          string    `json:"result"`
	Score           int       `json:"score"`
	Band            string    `json:"band"`
	Findings        []Finding `json:"findings"`
	DeficiencyCount int       `json:"deficiency_count"`
	FollowUpDate    *string   `json:"follow_up_date,omitempty"`
	SubmittedBy     string    `json:"submitted_by,omitempty"`
	CreatedAt       string    `json:"created_at"`
}

// Hazard is one rated hazard. After ratings are optional.
type Hazard struct {
	ID               string  `json:"id,omitempty"`
	Hazard           string  `json:"hazard"`
	Controls         string  `json:"controls,omitempty"`
	LikelihoodBefore int     `json:"likelihood_before"`
	SeverityBefore   int     `json:"severity_before"`
	LikelihoodAfter  *int    `json:"likelihood_after,omitempty"`
	SeverityAfter    *int    `json:"severity_after,omitempty"`
	RiskScoreBefore  int     `json:"risk_score_before,omitempty"`
	RiskLevelBefore  string  `json:"risk_level_before,omitempty"`
	RiskScoreAfter   *int    `json:"risk_score_after,omitempty"`
	RiskLevelAfter   *string `json:"risk_level_after,omitempty"`
}

// Assessment represents a hazard assessment.
type Assessment struct {
	ID                string   `json:"id,omitempty"`
	Title             string   `json:"title"`
	Location          string   `json:"location,omitempty"`
	Assessor          string   `json:"assessor,omitempty"`
	AssessedOn        string   `json:"assessed_on,omitempty"`
	Items             []Hazard `json:"items"`
	OverallRiskLevel  string   `json:"overall_risk_level,omitempty"`
	ResidualRiskLevel *string  `json:"residual_risk_level,omitempty"`
}

// Rating is a scored likelihood/severity pair.
type Rating struct {
	Score int    `json:"score"`
	Level string `json:"level"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SiteID     string         `json:"site_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Evaluate previews the verdict for a partial set of responses.
func (c *Client) Evaluate(ctx context.Context, checklistType string, responses []ItemResponse) (Evaluation, error) {
	body := map[string]any{"responses": responses}
	var resp Evaluation
	endpoint := fmt.Sprintf("checklists/%s/evaluate", url.PathEscape(checklistType))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitInspection stores a completed inspection. Resubmitting with the same
// ID returns the stored record.
func (c *Client) SubmitInspection(ctx context.Context, in Inspection) (InspectionRecord, error) {
	var resp InspectionRecord
	err := c.do(ctx, http.MethodPost, "inspections", in, &resp)
	return resp, err
}

// GetInspection fetches a record by id.
func (c *Client) GetInspection(ctx context.Context, id string) (InspectionRecord, error) {
	var resp InspectionRecord
	err := c.do(ctx, http.MethodGet, "inspections/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Rate scores one likelihood/severity pair against the site's matrix.
func (c *Client) Rate(ctx context.Context, likelihood, severity int) (Rating, error) {
	body := map[string]int{"likelihood": likelihood, "severity": severity}
	var resp Rating
	err := c.do(ctx, http.MethodPost, "risk-matrix/rate", body, &resp)
	return resp, err
}

// CreateAssessment scores and stores a hazard assessment.
func (c *Client) CreateAssessment(ctx context.Context, a Assessment) (Assessment, error) {
	body := map[string]any{
		"title":       a.Title,
		"location":    a.Location,
		"assessor":    a.Assessor,
		"assessed_on": a.AssessedOn,
		"items":       a.Items,
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, "hazard-assessments", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set(ActorHeader, c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
