package store

import (
	"context"
	"database/sql"

	"airlock/internal/domain"
)

// InsertRequest creates a new release request row.
func (s Store) InsertRequest(ctx context.Context, tx *sql.Tx, r domain.Request) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO requests(id, workspace, author_id, status, review_turn, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)`,
		r.ID, r.Workspace, r.AuthorID, r.Status, r.ReviewTurn, r.CreatedAt, r.UpdatedAt)
	return err
}

func scanRequest(row interface{ Scan(...any) error }) (domain.Request, error) {
	var r domain.Request
	err := row.Scan(&r.ID, &r.Workspace, &r.AuthorID, &r.Status, &r.ReviewTurn, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

const requestColumns = `id, workspace, author_id, status, review_turn, created_at, updated_at`

// GetRequest fetches a request by ID, outside any transaction.
func (s Store) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return domain.Request{}, ErrNotFound
	}
	return r, err
}

// HasActiveRequest reports whether (workspace, authorID) already has a
// request whose status is outside domain.TerminalStatuses, inside tx so the
// check and the subsequent insert are serialized by the same transaction
// (invariant U1).
func (s Store) HasActiveRequest(ctx context.Context, tx *sql.Tx, workspace, authorID string) (bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT 1 FROM requests WHERE workspace=? AND author_id=? AND status NOT IN ('RELEASED','REJECTED','WITHDRAWN') LIMIT 1`,
		workspace, authorID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetRequestTx fetches a request by ID inside a transaction, for
// read-then-write controller operations.
func (s Store) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return domain.Request{}, ErrNotFound
	}
	return r, err
}

// UpdateRequestStatus transitions status and bumps updated_at; bumpTurn
// advances review_turn by one when true (used by return, early return and
// resubmission, per the turn-ownership rules of the state machine).
func (s Store) UpdateRequestStatus(ctx context.Context, tx *sql.Tx, id string, status domain.RequestStatus, bumpTurn bool, now string) error {
	if bumpTurn {
		_, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, review_turn=review_turn+1, updated_at=? WHERE id=?`, status, now, id)
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, updated_at=? WHERE id=?`, status, now, id)
	return err
}

// RequestFilters narrows ListRequests; zero values mean "no filter."
type RequestFilters struct {
	Workspace string
	AuthorID  string
	Status    domain.RequestStatus
	Limit     int

	CursorCreatedAt string
	CursorID        string
}

// ListRequests lists requests newest-first with (created_at, id) cursor
// pagination.
func (s Store) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	var args []any
	if f.Workspace != "" {
		query += ` AND workspace=?`
		args = append(args, f.Workspace)
	}
	if f.AuthorID != "" {
		query += ` AND author_id=?`
		args = append(args, f.AuthorID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		query += ` AND (created_at, id) < (?, ?)`
		args = append(args, f.CursorCreatedAt, f.CursorID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- File groups -----------------------------------------------------------

func (s Store) InsertFileGroup(ctx context.Context, tx *sql.Tx, g domain.FileGroup) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO file_groups(id, request_id, name, context, controls, created_at) VALUES (?,?,?,?,?,?)`,
		g.ID, g.RequestID, g.Name, g.Context, g.Controls, g.CreatedAt)
	return err
}

func (s Store) UpdateFileGroup(ctx context.Context, tx *sql.Tx, id, context, controls string) error {
	_, err := tx.ExecContext(ctx, `UPDATE file_groups SET context=?, controls=? WHERE id=?`, context, controls, id)
	return err
}

func (s Store) GetFileGroupTx(ctx context.Context, tx *sql.Tx, id string) (domain.FileGroup, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, request_id, name, context, controls, created_at FROM file_groups WHERE id=?`, id)
	var g domain.FileGroup
	err := row.Scan(&g.ID, &g.RequestID, &g.Name, &g.Context, &g.Controls, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.FileGroup{}, ErrNotFound
	}
	return g, err
}

func (s Store) ListFileGroups(ctx context.Context, requestID string) ([]domain.FileGroup, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, request_id, name, context, controls, created_at FROM file_groups WHERE request_id=? ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FileGroup
	for rows.Next() {
		var g domain.FileGroup
		if err := rows.Scan(&g.ID, &g.RequestID, &g.Name, &g.Context, &g.Controls, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Request files -----------------------------------------------------------

const requestFileColumns = `id, group_id, request_id, relpath, filetype, content_hash, size, added_at, added_by, added_in_turn, withdrawn_at, withdrawn_in_turn, uploaded_at`

func scanRequestFile(row interface{ Scan(...any) error }) (domain.RequestFile, error) {
	var f domain.RequestFile
	var withdrawnAt, uploadedAt sql.NullString
	var withdrawnTurn sql.NullInt64
	err := row.Scan(&f.ID, &f.GroupID, &f.RequestID, &f.RelPath, &f.FileType, &f.ContentHash, &f.Size,
		&f.AddedAt, &f.AddedBy, &f.AddedInTurn, &withdrawnAt, &withdrawnTurn, &uploadedAt)
	if err != nil {
		return f, err
	}
	if withdrawnAt.Valid {
		f.WithdrawnAt = &withdrawnAt.String
	}
	if withdrawnTurn.Valid {
		v := int(withdrawnTurn.Int64)
		f.WithdrawnInTurn = &v
	}
	if uploadedAt.Valid {
		f.UploadedAt = &uploadedAt.String
	}
	return f, nil
}

func (s Store) InsertRequestFile(ctx context.Context, tx *sql.Tx, f domain.RequestFile) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO request_files(id, group_id, request_id, relpath, filetype, content_hash, size, added_at, added_by, added_in_turn)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.GroupID, f.RequestID, f.RelPath, f.FileType, f.ContentHash, f.Size, f.AddedAt, f.AddedBy, f.AddedInTurn)
	return err
}

func (s Store) GetRequestFileTx(ctx context.Context, tx *sql.Tx, id string) (domain.RequestFile, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestFileColumns+` FROM request_files WHERE id=?`, id)
	f, err := scanRequestFile(row)
	if err == sql.ErrNoRows {
		return domain.RequestFile{}, ErrNotFound
	}
	return f, err
}

// ListRequestFiles returns a request's files, live files only unless
// includeWithdrawn is set.
func (s Store) ListRequestFiles(ctx context.Context, requestID string, includeWithdrawn bool) ([]domain.RequestFile, error) {
	query := `SELECT ` + requestFileColumns + ` FROM request_files WHERE request_id=?`
	if !includeWithdrawn {
		query += ` AND withdrawn_at IS NULL`
	}
	query += ` ORDER BY added_at ASC`
	rows, err := s.DB.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RequestFile
	for rows.Next() {
		f, err := scanRequestFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// WithdrawRequestFile tombstones a file, preserving its vote/comment
// history (F3: the RETURNED case, where reviewers have already acted on
// the file and its row must stay addressable).
func (s Store) WithdrawRequestFile(ctx context.Context, tx *sql.Tx, id string, turn int, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE request_files SET withdrawn_at=?, withdrawn_in_turn=? WHERE id=?`, now, turn, id)
	return err
}

// DeleteRequestFile hard-deletes a file row (F3: the PENDING case, where
// no review has happened yet so there is no history worth preserving).
func (s Store) DeleteRequestFile(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM request_files WHERE id=?`, id)
	return err
}

// MarkRequestFileUploaded records that a file's bytes reached the Jobs site.
func (s Store) MarkRequestFileUploaded(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE request_files SET uploaded_at=? WHERE id=?`, now, id)
	return err
}

// ResetUploadMark clears uploaded_at for a single file (a no-op for a file
// never marked uploaded). Nothing in the controller or scheduler calls it;
// re-release only resets the FAILED jobs.
func (s Store) ResetUploadMark(ctx context.Context, tx *sql.Tx, fileID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE request_files SET uploaded_at=NULL WHERE id=?`, fileID)
	return err
}

// AllOutputFilesUploaded reports whether every live OUTPUT file of a
// request has uploaded_at set — the completion condition the Upload
// Scheduler checks after each successful upload to decide whether to
// drive the request's SYS-triggered APPROVED -> RELEASED transition.
func (s Store) AllOutputFilesUploaded(ctx context.Context, tx *sql.Tx, requestID string) (bool, error) {
	var pending int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_files
		 WHERE request_id=? AND filetype=? AND withdrawn_at IS NULL AND uploaded_at IS NULL`,
		requestID, domain.FileTypeOutput).Scan(&pending)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}
