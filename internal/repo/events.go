package repo

import (
	"context"
	"database/sql"
	"fmt"

	"inspectline/internal/domain"
)

type EventFilters struct {
	SiteID     string
	Type       string
	EntityKind string
	EntityID   string
	// Before pages backwards from an event id.
	Before int64
	Limit  int
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			site    sql.NullString
			entity  sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &site, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.SiteID = site.String
		e.EntityID = entity.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var w where
	w.eq("site_id", f.SiteID)
	w.eq("type", f.Type)
	w.eq("entity_kind", f.EntityKind)
	w.eq("entity_id", f.EntityID)
	if f.Before > 0 {
		w.add("id<?", f.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,site_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, w)
	rows, err := r.DB.QueryContext(ctx, query, append(w.args, normalizeLimit(f.Limit))...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, siteID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var w where
	w.eq("site_id", siteID)
	if cursor > 0 {
		w.add("id>?", cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,site_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, w)
	rows, err := r.DB.QueryContext(ctx, query, append(w.args, limit)...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, scoped to a site when given.
func (r Repo) LatestEventID(ctx context.Context, siteID string) (int64, error) {
	var w where
	w.eq("site_id", siteID)
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events `+w.String(), w.args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
