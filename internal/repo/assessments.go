package repo

import (
	"context"
	"database/sql"
	"fmt"

	"inspectline/internal/domain"
)

const assessmentColumns = `id,title,COALESCE(location,''),COALESCE(assessor,''),COALESCE(assessed_on,''),COALESCE(overall_risk_level,''),residual_risk_level,created_at,updated_at`

func scanAssessment(row rowScanner) (domain.HazardAssessment, error) {
	var (
		a        domain.HazardAssessment
		overall  string
		residual sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Title, &a.Location, &a.Assessor, &a.AssessedOn, &overall, &residual, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.OverallRiskLevel = domain.RiskLevel(overall)
	if residual.Valid {
		lvl := domain.RiskLevel(residual.String)
		a.ResidualRiskLevel = &lvl
	}
	return a, nil
}

func residualValue(l *domain.RiskLevel) any {
	if l == nil {
		return nil
	}
	return string(*l)
}

func (r Repo) InsertAssessmentTx(ctx context.Context, tx *sql.Tx, a domain.HazardAssessment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO hazard_assessments(id,title,location,assessor,assessed_on,overall_risk_level,residual_risk_level,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Title, nullable(a.Location), nullable(a.Assessor), nullable(a.AssessedOn),
		nullable(string(a.OverallRiskLevel)), residualValue(a.ResidualRiskLevel), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return r.replaceItemsTx(ctx, tx, a.ID, a.Items)
}

// UpdateAssessmentTx rewrites the header and replaces every item.
func (r Repo) UpdateAssessmentTx(ctx context.Context, tx *sql.Tx, a domain.HazardAssessment) error {
	res, err := tx.ExecContext(ctx, `UPDATE hazard_assessments SET title=?, location=?, assessor=?, assessed_on=?,
  overall_risk_level=?, residual_risk_level=?, updated_at=? WHERE id=?`,
		a.Title, nullable(a.Location), nullable(a.Assessor), nullable(a.AssessedOn),
		nullable(string(a.OverallRiskLevel)), residualValue(a.ResidualRiskLevel), a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update assessment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("assessment %s: %w", a.ID, ErrNotFound)
	}
	return r.replaceItemsTx(ctx, tx, a.ID, a.Items)
}

func (r Repo) replaceItemsTx(ctx context.Context, tx *sql.Tx, assessmentID string, items []domain.HazardItem) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM hazard_items WHERE assessment_id=?`, assessmentID); err != nil {
		return err
	}
	for i, it := range items {
		var levelAfter any
		if it.RiskLevelAfter != nil {
			levelAfter = string(*it.RiskLevelAfter)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO hazard_items(assessment_id,id,position,hazard,controls,likelihood_before,severity_before,likelihood_after,severity_after,risk_score_before,risk_level_before,risk_score_after,risk_level_after)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			assessmentID, it.ID, i, it.Hazard, nullable(it.Controls), it.LikelihoodBefore, it.SeverityBefore,
			nullableIntPtr(it.LikelihoodAfter), nullableIntPtr(it.SeverityAfter), it.RiskScoreBefore, string(it.RiskLevelBefore),
			nullableIntPtr(it.RiskScoreAfter), levelAfter)
		if err != nil {
			return fmt.Errorf("insert hazard item %s: %w", it.ID, err)
		}
	}
	return nil
}

func (r Repo) GetAssessment(ctx context.Context, id string) (domain.HazardAssessment, error) {
	return r.GetAssessmentTx(ctx, nil, id)
}

func (r Repo) GetAssessmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.HazardAssessment, error) {
	a, err := scanAssessment(r.q(tx).QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM hazard_assessments WHERE id=?`, id))
	if err != nil {
		return a, wrapNotFound(err, "assessment", id)
	}
	a.Items, err = r.itemsTx(ctx, tx, id)
	return a, err
}

func (r Repo) itemsTx(ctx context.Context, tx *sql.Tx, assessmentID string) ([]domain.HazardItem, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,hazard,COALESCE(controls,''),likelihood_before,severity_before,likelihood_after,severity_after,risk_score_before,risk_level_before,risk_score_after,risk_level_after
FROM hazard_items WHERE assessment_id=? ORDER BY position`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []domain.HazardItem{}
	for rows.Next() {
		var (
			it                              domain.HazardItem
			levelBefore                     string
			likeAfter, sevAfter, scoreAfter sql.NullInt64
			levelAfter                      sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.Hazard, &it.Controls, &it.LikelihoodBefore, &it.SeverityBefore,
			&likeAfter, &sevAfter, &it.RiskScoreBefore, &levelBefore, &scoreAfter, &levelAfter); err != nil {
			return nil, err
		}
		it.RiskLevelBefore = domain.RiskLevel(levelBefore)
		it.LikelihoodAfter = intPtr(likeAfter)
		it.SeverityAfter = intPtr(sevAfter)
		it.RiskScoreAfter = intPtr(scoreAfter)
		if levelAfter.Valid {
			lvl := domain.RiskLevel(levelAfter.String)
			it.RiskLevelAfter = &lvl
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// ListAssessments returns headers only, newest first. Filtering by level
// matches the overall level.
func (r Repo) ListAssessments(ctx context.Context, overallLevel string, limit int) ([]domain.HazardAssessment, error) {
	var w where
	w.eq("overall_risk_level", overallLevel)
	query := fmt.Sprintf(`SELECT %s FROM hazard_assessments %s ORDER BY created_at DESC, id LIMIT ?`, assessmentColumns, w)
	rows, err := r.DB.QueryContext(ctx, query, append(w.args, normalizeLimit(limit))...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HazardAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
