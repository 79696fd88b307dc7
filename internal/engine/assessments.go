package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"inspectline/internal/domain"
	"inspectline/internal/events"
)

// AssessmentInput is the operator-entered part of a hazard assessment.
type AssessmentInput struct {
	Title      string        `json:"title" yaml:"title"`
	Location   string        `json:"location,omitempty" yaml:"location,omitempty"`
	Assessor   string        `json:"assessor,omitempty" yaml:"assessor,omitempty"`
	AssessedOn string        `json:"assessed_on,omitempty" yaml:"assessed_on,omitempty"`
	Items      []HazardInput `json:"items" yaml:"items"`
}

// HazardInput is one hazard with its before and optional after ratings.
type HazardInput struct {
	ID               string `json:"id,omitempty" yaml:"id,omitempty"`
	Hazard           string `json:"hazard" yaml:"hazard"`
	Controls         string `json:"controls,omitempty" yaml:"controls,omitempty"`
	LikelihoodBefore int    `json:"likelihood_before" yaml:"likelihood_before"`
	SeverityBefore   int    `json:"severity_before" yaml:"severity_before"`
	LikelihoodAfter  *int   `json:"likelihood_after,omitempty" yaml:"likelihood_after,omitempty"`
	SeverityAfter    *int   `json:"severity_after,omitempty" yaml:"severity_after,omitempty"`
}

func (e Engine) prepareAssessment(in AssessmentInput) (domain.HazardAssessment, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.HazardAssessment{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if in.AssessedOn != "" {
		if _, err := time.Parse("2006-01-02", in.AssessedOn); err != nil {
			return domain.HazardAssessment{}, fmt.Errorf("%w: assessed_on must be YYYY-MM-DD", ErrInvalid)
		}
	}
	items := make([]domain.HazardItem, 0, len(in.Items))
	seen := map[string]bool{}
	for i, h := range in.Items {
		if strings.TrimSpace(h.Hazard) == "" {
			return domain.HazardAssessment{}, fmt.Errorf("%w: hazard %d has no description", ErrInvalid, i+1)
		}
		if h.ID == "" {
			h.ID = fmt.Sprintf("h%d", i+1)
		}
		if seen[h.ID] {
			return domain.HazardAssessment{}, fmt.Errorf("%w: duplicate hazard id %s", ErrInvalid, h.ID)
		}
		seen[h.ID] = true
		items = append(items, domain.HazardItem{
			ID:               h.ID,
			Hazard:           strings.TrimSpace(h.Hazard),
			Controls:         h.Controls,
			LikelihoodBefore: h.LikelihoodBefore,
			SeverityBefore:   h.SeverityBefore,
			LikelihoodAfter:  h.LikelihoodAfter,
			SeverityAfter:    h.SeverityAfter,
		})
	}
	a := domain.HazardAssessment{
		Title:      strings.TrimSpace(in.Title),
		Location:   in.Location,
		Assessor:   in.Assessor,
		AssessedOn: in.AssessedOn,
		Items:      items,
	}
	if err := e.Matrix.Assess(&a); err != nil {
		return domain.HazardAssessment{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return a, nil
}

func (e Engine) CreateAssessment(ctx context.Context, in AssessmentInput, actorID string) (domain.HazardAssessment, error) {
	a, err := e.prepareAssessment(in)
	if err != nil {
		return a, err
	}
	a.ID = uuid.NewString()
	a.CreatedAt = e.now().UTC().Format(time.RFC3339)
	a.UpdatedAt = a.CreatedAt

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssessmentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.writer().Append(ctx, tx, events.HazardAssessed, "hazard_assessment", a.ID, actorID, assessedPayload(a, "created")); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.Metrics.HazardAssessed(string(a.OverallRiskLevel))
	return a, nil
}

// UpdateAssessment replaces the header and every hazard, then rescores.
func (e Engine) UpdateAssessment(ctx context.Context, id string, in AssessmentInput, actorID string) (domain.HazardAssessment, error) {
	a, err := e.prepareAssessment(in)
	if err != nil {
		return a, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	existing, err := e.Repo.GetAssessmentTx(ctx, tx, id)
	if err != nil {
		return a, err
	}
	a.ID = existing.ID
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAssessmentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.writer().Append(ctx, tx, events.HazardAssessed, "hazard_assessment", a.ID, actorID, assessedPayload(a, "updated")); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.Metrics.HazardAssessed(string(a.OverallRiskLevel))
	return a, nil
}

func assessedPayload(a domain.HazardAssessment, action string) events.Payload {
	return events.Payload{
		"action":              action,
		"items":               len(a.Items),
		"overall_risk_level":  a.OverallRiskLevel,
		"residual_risk_level": a.ResidualRiskLevel,
	}
}

func (e Engine) GetAssessment(ctx context.Context, id string) (domain.HazardAssessment, error) {
	return e.Repo.GetAssessment(ctx, id)
}

func (e Engine) ListAssessments(ctx context.Context, level string, limit int) ([]domain.HazardAssessment, error) {
	if level != "" && !domain.RiskLevel(level).Valid() {
		return nil, fmt.Errorf("%w: risk level %q", ErrInvalid, level)
	}
	return e.Repo.ListAssessments(ctx, level, limit)
}
