package repo

import (
	"context"
	"database/sql"

	"inspectline/internal/domain"
)

const subjectColumns = `id,checklist_type,COALESCE(location,''),service_status,COALESCE(last_inspection_id,''),COALESCE(last_inspected_on,''),updated_at`

func scanSubject(row rowScanner) (domain.Subject, error) {
	var s domain.Subject
	err := row.Scan(&s.ID, &s.ChecklistType, &s.Location, &s.ServiceStatus, &s.LastInspectionID, &s.LastInspectedOn, &s.UpdatedAt)
	return s, err
}

func (r Repo) UpsertSubjectTx(ctx context.Context, tx *sql.Tx, s domain.Subject) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO subjects(id,checklist_type,location,service_status,last_inspection_id,last_inspected_on,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET checklist_type=excluded.checklist_type, location=excluded.location,
  service_status=excluded.service_status, last_inspection_id=excluded.last_inspection_id,
  last_inspected_on=excluded.last_inspected_on, updated_at=excluded.updated_at`,
		s.ID, s.ChecklistType, nullable(s.Location), s.ServiceStatus, nullable(s.LastInspectionID), nullable(s.LastInspectedOn), s.UpdatedAt)
	return err
}

func (r Repo) GetSubject(ctx context.Context, id string) (domain.Subject, error) {
	return r.GetSubjectTx(ctx, nil, id)
}

func (r Repo) GetSubjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Subject, error) {
	s, err := scanSubject(r.q(tx).QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id=?`, id))
	if err != nil {
		return s, wrapNotFound(err, "subject", id)
	}
	return s, nil
}

// ListSubjects filters by service status and checklist type when given.
func (r Repo) ListSubjects(ctx context.Context, serviceStatus, checklistType string) ([]domain.Subject, error) {
	var w where
	w.eq("service_status", serviceStatus)
	w.eq("checklist_type", checklistType)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+subjectColumns+` FROM subjects `+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
