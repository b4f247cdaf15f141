package store

import (
	"context"
	"database/sql"

	"airlock/internal/domain"
)

// UpsertVote records a reviewer's choice for a file within a review turn,
// replacing any earlier vote cast by the same reviewer in that turn
// (V2: a reviewer's standing vote is the most recent one, not a running
// count).
func (s Store) UpsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO votes(id, file_id, reviewer_id, choice, review_turn, created_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(file_id, reviewer_id, review_turn) DO UPDATE SET choice=excluded.choice, created_at=excluded.created_at`,
		v.ID, v.FileID, v.ReviewerID, v.Choice, v.ReviewTurn, v.CreatedAt)
	return err
}

// ListVotesForFile returns every vote cast on a file in a given turn.
func (s Store) ListVotesForFile(ctx context.Context, fileID string, turn int) ([]domain.Vote, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, file_id, reviewer_id, choice, review_turn, created_at FROM votes WHERE file_id=? AND review_turn=?`,
		fileID, turn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.ID, &v.FileID, &v.ReviewerID, &v.Choice, &v.ReviewTurn, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListVotesForRequest returns every vote cast on any live file of a request
// in a given turn, for decision derivation across the whole request.
func (s Store) ListVotesForRequest(ctx context.Context, requestID string, turn int) ([]domain.Vote, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT v.id, v.file_id, v.reviewer_id, v.choice, v.review_turn, v.created_at
		 FROM votes v
		 JOIN request_files f ON f.id = v.file_id
		 WHERE f.request_id=? AND v.review_turn=? AND f.withdrawn_at IS NULL`,
		requestID, turn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.ID, &v.FileID, &v.ReviewerID, &v.Choice, &v.ReviewTurn, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Comments ---------------------------------------------------------------

func (s Store) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO comments(id, group_id, author_id, text, visibility, review_turn, created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.GroupID, c.AuthorID, c.Text, c.Visibility, c.ReviewTurn, c.CreatedAt)
	return err
}

// ListComments returns every comment on a group; callers filter by
// visibility per the requesting actor's role (C1).
func (s Store) ListComments(ctx context.Context, groupID string) ([]domain.Comment, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, group_id, author_id, text, visibility, review_turn, created_at FROM comments WHERE group_id=? ORDER BY created_at ASC`,
		groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.GroupID, &c.AuthorID, &c.Text, &c.Visibility, &c.ReviewTurn, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Review submissions ------------------------------------------------------

func (s Store) InsertReviewSubmission(ctx context.Context, tx *sql.Tx, sub domain.ReviewSubmission) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reviews_submitted(request_id, reviewer_id, review_turn, submitted_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT(request_id, reviewer_id, review_turn) DO UPDATE SET submitted_at=excluded.submitted_at`,
		sub.RequestID, sub.ReviewerID, sub.ReviewTurn, sub.SubmittedAt)
	return err
}

func (s Store) ListReviewSubmissions(ctx context.Context, requestID string, turn int) ([]domain.ReviewSubmission, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT request_id, reviewer_id, review_turn, submitted_at FROM reviews_submitted WHERE request_id=? AND review_turn=?`,
		requestID, turn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReviewSubmission
	for rows.Next() {
		var r domain.ReviewSubmission
		if err := rows.Scan(&r.RequestID, &r.ReviewerID, &r.ReviewTurn, &r.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasSubmittedReview reports whether a reviewer already submitted for a turn.
func (s Store) HasSubmittedReview(ctx context.Context, tx *sql.Tx, requestID, reviewerID string, turn int) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reviews_submitted WHERE request_id=? AND reviewer_id=? AND review_turn=?`,
		requestID, reviewerID, turn).Scan(&n)
	return n > 0, err
}
