package store

import (
	"context"
	"database/sql"

	"airlock/internal/domain"
)

// --- Audit log ---------------------------------------------------------------

// AppendAuditLog inserts one append-only audit record inside the caller's
// transaction, so it commits atomically with the mutation it describes.
func (s Store) AppendAuditLog(ctx context.Context, tx *sql.Tx, e domain.AuditLogEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log(request_id, actor_id, kind, path, extras_json, created_at) VALUES (?,?,?,?,?,?)`,
		e.RequestID, e.ActorID, e.Kind, e.Path, nz(e.ExtrasRaw, "{}"), e.CreatedAt)
	return err
}

func nz(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// ListAuditLog returns a request's audit trail, oldest-first, id-cursor
// paginated.
func (s Store) ListAuditLog(ctx context.Context, requestID string, afterID int64, limit int) ([]domain.AuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, request_id, actor_id, kind, path, extras_json, created_at FROM audit_log WHERE request_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		requestID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ActorID, &e.Kind, &e.Path, &e.ExtrasRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Events --------------------------------------------------------------

// AppendEvent inserts one lifecycle event inside the caller's transaction.
func (s Store) AppendEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(type, request_id, workspace, author_id, actor_id, turn, ts, payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		e.Type, e.RequestID, e.Workspace, e.AuthorID, e.ActorID, e.Turn, e.TS, nz(e.PayloadRaw, "{}"))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EventsAfter returns events with id > afterID, ascending, for subscriber
// cursors (webhook dispatch and similar fan-out consumers).
func (s Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, type, request_id, workspace, author_id, actor_id, turn, ts, payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.RequestID, &e.Workspace, &e.AuthorID, &e.ActorID, &e.Turn, &e.TS, &e.PayloadRaw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event id, or 0 if the log is empty, used
// to initialize a new subscriber's cursor at "now" rather than replaying
// history.
func (s Store) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// ListEventsForRequest returns a request's events, ascending.
func (s Store) ListEventsForRequest(ctx context.Context, requestID string) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, type, request_id, workspace, author_id, actor_id, turn, ts, payload_json FROM events WHERE request_id=? ORDER BY id ASC`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.RequestID, &e.Workspace, &e.AuthorID, &e.ActorID, &e.Turn, &e.TS, &e.PayloadRaw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
