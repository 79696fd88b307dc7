package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"inspectline/internal/checklist"
	"inspectline/internal/config"
	"inspectline/internal/domain"
	"inspectline/internal/events"
	"inspectline/internal/inspection"
	"inspectline/internal/metrics"
	"inspectline/internal/repo"
	"inspectline/internal/risk"
)

// ErrInvalid marks requests rejected before anything is stored.
var ErrInvalid = errors.New("invalid request")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Catalog checklist.Catalog
	Policy  inspection.Policy
	Matrix  risk.Matrix
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default("")
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return Engine{}, fmt.Errorf("load checklists: %w", err)
	}
	policy := cfg.InspectionPolicy()
	if err := policy.Validate(); err != nil {
		return Engine{}, fmt.Errorf("inspection policy: %w", err)
	}
	if err := cfg.Policies.Risk.Validate(); err != nil {
		return Engine{}, fmt.Errorf("risk matrix: %w", err)
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{SiteID: cfg.Site.ID},
		Config:  cfg,
		Catalog: catalog,
		Policy:  policy,
		Matrix:  cfg.Policies.Risk,
		Now:     time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// NewSession starts an empty session for a configured checklist type.
func (e Engine) NewSession(checklistType string) (*inspection.Session, error) {
	def, err := e.Catalog.Get(checklistType)
	if err != nil {
		return nil, err
	}
	return inspection.NewSession(def, e.Policy)
}

// Evaluate previews the verdict for a partial set of responses. Items without
// a response count as unchecked.
func (e Engine) Evaluate(checklistType string, responses []domain.ItemResponse) (inspection.Evaluation, error) {
	sess, err := e.NewSession(checklistType)
	if err != nil {
		return inspection.Evaluation{}, err
	}
	for _, r := range responses {
		if r.Status == "" {
			r.Status = domain.StatusUnchecked
		}
		if _, err := sess.SetStatus(r.ItemID, r.Status); err != nil {
			return inspection.Evaluation{}, err
		}
	}
	return sess.Evaluate(), nil
}

// SubmitOptions carries a completed inspection as captured by a client.
type SubmitOptions struct {
	ID            string                `json:"id,omitempty" yaml:"id,omitempty"`
	ChecklistType string                `json:"checklist_type" yaml:"checklist_type"`
	SubjectID     string                `json:"subject_id" yaml:"subject_id"`
	Location      string                `json:"location" yaml:"location"`
	Operator      string                `json:"operator" yaml:"operator"`
	Date          string                `json:"date" yaml:"date"`
	Responses     []domain.ItemResponse `json:"responses" yaml:"responses"`
	Findings      []domain.Finding      `json:"findings,omitempty" yaml:"findings,omitempty"`
	Notes         string                `json:"notes,omitempty" yaml:"notes,omitempty"`
	ActorID       string                `json:"-" yaml:"-"`
}

// BuildRecord runs the submission rules without storing anything.
func (e Engine) BuildRecord(opts SubmitOptions) (domain.InspectionRecord, error) {
	def, err := e.Catalog.Get(opts.ChecklistType)
	if err != nil {
		return domain.InspectionRecord{}, err
	}
	sess, err := inspection.Restore(def, e.Policy, opts.Responses, opts.Findings)
	if err != nil {
		return domain.InspectionRecord{}, err
	}
	sess.Meta = domain.InspectionMeta{
		SubjectID: opts.SubjectID,
		Location:  opts.Location,
		Operator:  opts.Operator,
		Date:      opts.Date,
	}
	sess.Notes = opts.Notes
	// a failure submitted without a finding gets the default draft
	if _, err := sess.ConfirmDrafts(); err != nil {
		return domain.InspectionRecord{}, err
	}
	rec, err := sess.Submit(e.now())
	if err != nil {
		return domain.InspectionRecord{}, err
	}
	if opts.ID != "" {
		rec.ID = opts.ID
	}
	rec.SubmittedBy = opts.ActorID
	return rec, nil
}

// SubmitInspection evaluates and stores a completed inspection. Resubmitting
// the same id returns the stored record unchanged.
func (e Engine) SubmitInspection(ctx context.Context, opts SubmitOptions) (domain.InspectionRecord, bool, error) {
	if opts.ID != "" {
		if stored, err := e.Repo.GetInspection(ctx, opts.ID); err == nil {
			return stored, false, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.InspectionRecord{}, false, err
		}
	}
	rec, err := e.BuildRecord(opts)
	if err != nil {
		return domain.InspectionRecord{}, false, err
	}
	return e.SubmitRecord(ctx, rec, opts.ActorID)
}

// SubmitRecord persists a record built elsewhere. The record must agree with
// its own snapshot; derived fields that do not are rejected with ErrInvalid.
// It is idempotent by record id: the second call stores nothing and emits no
// events. The subject's service status follows the most recent inspection by
// date.
func (e Engine) SubmitRecord(ctx context.Context, rec domain.InspectionRecord, actorID string) (domain.InspectionRecord, bool, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return rec, false, fmt.Errorf("%w: record id is required", ErrInvalid)
	}
	if err := inspection.CheckMeta(domain.InspectionMeta{
		SubjectID: rec.SubjectID, Location: rec.Location, Operator: rec.Operator, Date: rec.InspectedOn,
	}); err != nil {
		return rec, false, err
	}
	if _, err := inspection.CheckRecord(rec, e.Policy); err != nil {
		if errors.Is(err, inspection.ErrRecordMismatch) {
			return rec, false, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return rec, false, err
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	if rec.SubmittedBy == "" {
		rec.SubmittedBy = actorID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, false, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.InsertInspectionTx(ctx, tx, rec)
	if err != nil {
		return rec, false, err
	}
	if !inserted {
		stored, err := e.Repo.GetInspectionTx(ctx, tx, rec.ID)
		return stored, false, err
	}
	w := e.writer()
	if err := w.Append(ctx, tx, events.InspectionSubmitted, "inspection", rec.ID, actorID, events.Payload{
		"checklist_type":   rec.ChecklistType,
		"subject_id":       rec.SubjectID,
		"status":           rec.Status,
		"result":           rec.Result,
		"score":            rec.Score,
		"deficiency_count": rec.DeficiencyCount,
		"follow_up_date":   rec.FollowUpDate,
	}); err != nil {
		return rec, false, err
	}
	if err := e.applySubjectTx(ctx, tx, w, rec, actorID); err != nil {
		return rec, false, err
	}
	if err := tx.Commit(); err != nil {
		return rec, false, err
	}
	severities := make([]string, 0, len(rec.Findings))
	for _, f := range rec.Findings {
		severities = append(severities, string(f.Severity))
	}
	e.Metrics.InspectionSubmitted(rec.ChecklistType, string(rec.Status), rec.Score, severities)
	return rec, true, nil
}

func (e Engine) applySubjectTx(ctx context.Context, tx *sql.Tx, w events.Writer, rec domain.InspectionRecord, actorID string) error {
	prev, err := e.Repo.GetSubjectTx(ctx, tx, rec.SubjectID)
	exists := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if exists && prev.LastInspectedOn > rec.InspectedOn {
		return nil
	}
	status := domain.ServiceIn
	if rec.Status == domain.VerdictFail {
		status = domain.ServiceOut
	}
	subj := domain.Subject{
		ID:               rec.SubjectID,
		ChecklistType:    rec.ChecklistType,
		Location:         rec.Location,
		ServiceStatus:    status,
		LastInspectionID: rec.ID,
		LastInspectedOn:  rec.InspectedOn,
		UpdatedAt:        e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.UpsertSubjectTx(ctx, tx, subj); err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	payload := events.Payload{"inspection_id": rec.ID, "result": rec.Result}
	switch {
	case status == domain.ServiceOut:
		return w.Append(ctx, tx, events.SubjectOutOfService, "subject", subj.ID, actorID, payload)
	case exists && prev.ServiceStatus == domain.ServiceOut:
		return w.Append(ctx, tx, events.SubjectReturnedToService, "subject", subj.ID, actorID, payload)
	}
	return nil
}

func (e Engine) GetInspection(ctx context.Context, id string) (domain.InspectionRecord, error) {
	return e.Repo.GetInspection(ctx, id)
}

func (e Engine) ListInspections(ctx context.Context, f repo.InspectionFilters) ([]domain.InspectionRecord, error) {
	return e.Repo.ListInspections(ctx, f)
}

type RescoreResult struct {
	Record     domain.InspectionRecord `json:"record"`
	Evaluation inspection.Evaluation   `json:"evaluation"`
	// Consistent reports whether the stored verdict and score match the
	// recomputation under the current policy.
	Consistent bool `json:"consistent"`
}

// Rescore recomputes a stored record from its checklist snapshot alone.
func (e Engine) Rescore(ctx context.Context, id string) (RescoreResult, error) {
	rec, err := e.Repo.GetInspection(ctx, id)
	if err != nil {
		return RescoreResult{}, err
	}
	ev, err := inspection.Rescore(rec, e.Policy)
	if err != nil {
		return RescoreResult{}, err
	}
	return RescoreResult{
		Record:     rec,
		Evaluation: ev,
		Consistent: ev.Verdict == rec.Status && ev.Score == rec.Score,
	}, nil
}

func (e Engine) GetSubject(ctx context.Context, id string) (domain.Subject, error) {
	return e.Repo.GetSubject(ctx, id)
}

func (e Engine) ListSubjects(ctx context.Context, serviceStatus, checklistType string) ([]domain.Subject, error) {
	if serviceStatus != "" && serviceStatus != domain.ServiceIn && serviceStatus != domain.ServiceOut {
		return nil, fmt.Errorf("%w: service status %q", ErrInvalid, serviceStatus)
	}
	return e.Repo.ListSubjects(ctx, serviceStatus, checklistType)
}

// SweepOverdueFollowUps emits one overdue event per record whose follow-up
// date has passed. Each record is flagged once.
func (e Engine) SweepOverdueFollowUps(ctx context.Context) (int, error) {
	today := e.now().UTC().Format("2006-01-02")
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	due, err := e.Repo.DueFollowUpsTx(ctx, tx, today)
	if err != nil {
		return 0, err
	}
	w := e.writer()
	for _, rec := range due {
		if err := w.Append(ctx, tx, events.InspectionFollowUpDue, "inspection", rec.ID, "system", events.Payload{
			"subject_id":       rec.SubjectID,
			"checklist_type":   rec.ChecklistType,
			"follow_up_date":   rec.FollowUpDate,
			"deficiency_count": rec.DeficiencyCount,
		}); err != nil {
			return 0, err
		}
		if err := e.Repo.MarkFollowUpNotifiedTx(ctx, tx, rec.ID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.Metrics.FollowUpsOverdue(len(due))
	return len(due), nil
}
