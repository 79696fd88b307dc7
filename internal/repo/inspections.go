package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"inspectline/internal/domain"
)

const inspectionColumns = `id,checklist_type,subject_id,location,operator,inspected_on,status,result,score,band,checklist_json,findings_json,deficiency_count,follow_up_date,COALESCE(notes,''),COALESCE(submitted_by,''),created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInspection(row rowScanner) (domain.InspectionRecord, error) {
	var (
		rec          domain.InspectionRecord
		checklistRaw string
		findingsRaw  string
		followUp     sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.ChecklistType, &rec.SubjectID, &rec.Location, &rec.Operator, &rec.InspectedOn,
		&rec.Status, &rec.Result, &rec.Score, &rec.Band, &checklistRaw, &findingsRaw, &rec.DeficiencyCount,
		&followUp, &rec.Notes, &rec.SubmittedBy, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(checklistRaw), &rec.Checklist); err != nil {
		return rec, fmt.Errorf("decode checklist snapshot of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(findingsRaw), &rec.Findings); err != nil {
		return rec, fmt.Errorf("decode findings of %s: %w", rec.ID, err)
	}
	if followUp.Valid {
		rec.FollowUpDate = &followUp.String
	}
	return rec, nil
}

// InsertInspectionTx stores a record once. It reports false when a record
// with the same id already exists, leaving the stored record untouched.
func (r Repo) InsertInspectionTx(ctx context.Context, tx *sql.Tx, rec domain.InspectionRecord) (bool, error) {
	checklistJSON, err := json.Marshal(rec.Checklist)
	if err != nil {
		return false, err
	}
	findings := rec.Findings
	if findings == nil {
		findings = []domain.Finding{}
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO inspections(id,checklist_type,subject_id,location,operator,inspected_on,status,result,score,band,checklist_json,findings_json,deficiency_count,follow_up_date,notes,submitted_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.ChecklistType, rec.SubjectID, rec.Location, rec.Operator, rec.InspectedOn, rec.Status, rec.Result,
		rec.Score, rec.Band, string(checklistJSON), string(findingsJSON), rec.DeficiencyCount,
		nullableStringPtr(rec.FollowUpDate), nullable(rec.Notes), nullable(rec.SubmittedBy), rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert inspection: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetInspection(ctx context.Context, id string) (domain.InspectionRecord, error) {
	return r.GetInspectionTx(ctx, nil, id)
}

func (r Repo) GetInspectionTx(ctx context.Context, tx *sql.Tx, id string) (domain.InspectionRecord, error) {
	rec, err := scanInspection(r.q(tx).QueryRowContext(ctx, `SELECT `+inspectionColumns+` FROM inspections WHERE id=?`, id))
	if err != nil {
		return rec, wrapNotFound(err, "inspection", id)
	}
	return rec, nil
}

type InspectionFilters struct {
	SubjectID     string
	ChecklistType string
	Status        string
	Limit         int
}

// ListInspections returns the newest records first.
func (r Repo) ListInspections(ctx context.Context, f InspectionFilters) ([]domain.InspectionRecord, error) {
	var w where
	w.eq("subject_id", f.SubjectID)
	w.eq("checklist_type", f.ChecklistType)
	w.eq("status", f.Status)
	query := fmt.Sprintf(`SELECT %s FROM inspections %s ORDER BY inspected_on DESC, created_at DESC LIMIT ?`, inspectionColumns, w)
	rows, err := r.DB.QueryContext(ctx, query, append(w.args, normalizeLimit(f.Limit))...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InspectionRecord
	for rows.Next() {
		rec, err := scanInspection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DueFollowUpsTx lists records whose follow-up date is before the given day
// and that have not been flagged yet.
func (r Repo) DueFollowUpsTx(ctx context.Context, tx *sql.Tx, before string) ([]domain.InspectionRecord, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+inspectionColumns+` FROM inspections
WHERE follow_up_date IS NOT NULL AND follow_up_date < ? AND follow_up_notified=0 ORDER BY follow_up_date, id`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InspectionRecord
	for rows.Next() {
		rec, err := scanInspection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) MarkFollowUpNotifiedTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE inspections SET follow_up_notified=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inspection %s: %w", id, ErrNotFound)
	}
	return nil
}
