// Package controller is the Request Controller (spec §4.6): the single
// place every mutating release-request operation goes through. Each
// operation follows the same shape — check capability, check the state
// machine, run one transaction, append an audit entry, publish an event —
// mirroring the orchestration style of the engine this module is built
// from, generalized from a task graph to a release-request lifecycle.
package controller

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"airlock/internal/apierr"
	"airlock/internal/audit"
	"airlock/internal/domain"
	"airlock/internal/events"
	"airlock/internal/identity"
	"airlock/internal/review"
	"airlock/internal/statemachine"
	"airlock/internal/store"
	"airlock/internal/workspace"
)

// Controller wires the store, identity resolver, audit log, and event sink
// behind every public release-request operation.
type Controller struct {
	DB       *sql.DB
	Store    store.Store
	Identity identity.Service
	Audit    audit.Log
	Events   events.Writer
	Workspace func(ws string) workspace.View
	Now      func() time.Time
}

// New builds a Controller over an already-open database.
func New(db *sql.DB, workspaceRoot func(string) workspace.View) Controller {
	s := store.New(db)
	return Controller{
		DB:        db,
		Store:     s,
		Identity:  identity.New(s),
		Audit:     audit.New(s),
		Events:    events.NewWriter(s),
		Workspace: workspaceRoot,
		Now:       time.Now,
	}
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Controller) nowStr() string { return c.now().UTC().Format(time.RFC3339) }

func newID(parts ...string) string {
	seed := fmt.Sprintf("%v|%d", parts, time.Now().UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func isReviewerActor(ctx context.Context, c Controller, actorID string) (statemachine.Actor, error) {
	ok, err := c.Identity.IsReviewer(ctx, actorID)
	if err != nil {
		return "", err
	}
	if ok {
		return statemachine.ActorReviewer, nil
	}
	return statemachine.ActorAuthor, nil
}

// requireTransition verifies a trigger is legal from the request's current
// status for the acting role, returning the apierr the HTTP layer and CLI
// both understand on failure.
func requireTransition(from domain.RequestStatus, actor statemachine.Actor, trigger statemachine.Trigger) error {
	if !statemachine.CanTrigger(from, actor, trigger) {
		return apierr.InvalidTransition("cannot %s request in status %s as %s", trigger, from, actor)
	}
	return nil
}

// --- Create request ---------------------------------------------------------

type CreateRequestOptions struct {
	Workspace string
	AuthorID  string
}

func (c Controller) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	if opts.Workspace == "" || opts.AuthorID == "" {
		return domain.Request{}, apierr.Precondition("workspace and author_id are required")
	}
	if err := c.Identity.RequirePermission(ctx, opts.AuthorID, "request.create"); err != nil {
		return domain.Request{}, err
	}
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	active, err := c.Store.HasActiveRequest(ctx, tx, opts.Workspace, opts.AuthorID)
	if err != nil {
		return domain.Request{}, err
	}
	if active {
		return domain.Request{}, apierr.Invariant("AlreadyHasActiveRequest: %s already has an open request in %s", opts.AuthorID, opts.Workspace)
	}

	now := c.nowStr()
	r := domain.Request{
		ID:         newID(opts.Workspace, opts.AuthorID),
		Workspace:  opts.Workspace,
		AuthorID:   opts.AuthorID,
		Status:     domain.StatusPending,
		ReviewTurn: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.Store.InsertRequest(ctx, tx, r); err != nil {
		return domain.Request{}, err
	}
	if err := c.Audit.Append(ctx, tx, r.ID, opts.AuthorID, audit.KindRequestCreated, "", nil); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return r, nil
}

// --- File groups -------------------------------------------------------------

type CreateGroupOptions struct {
	RequestID string
	Name      string
	Context   string
	Controls  string
	ActorID   string
}

func (c Controller) CreateGroup(ctx context.Context, opts CreateGroupOptions) (domain.FileGroup, error) {
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.FileGroup{}, err
	}
	defer tx.Rollback()

	req, err := c.Store.GetRequestTx(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.FileGroup{}, err
	}
	if req.AuthorID != opts.ActorID {
		return domain.FileGroup{}, apierr.PermissionDenied("only the author may edit request %s", req.ID)
	}
	if domain.TerminalStatuses[req.Status] {
		return domain.FileGroup{}, apierr.Precondition("request %s is in a terminal status", req.ID)
	}

	g := domain.FileGroup{
		ID:        newID(opts.RequestID, opts.Name),
		RequestID: opts.RequestID,
		Name:      opts.Name,
		Context:   opts.Context,
		Controls:  opts.Controls,
		CreatedAt: c.nowStr(),
	}
	if err := c.Store.InsertFileGroup(ctx, tx, g); err != nil {
		return domain.FileGroup{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FileGroup{}, err
	}
	return g, nil
}

type EditGroupOptions struct {
	GroupID  string
	Context  string
	Controls string
	ActorID  string
}

func (c Controller) EditGroup(ctx context.Context, opts EditGroupOptions) error {
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	g, err := c.Store.GetFileGroupTx(ctx, tx, opts.GroupID)
	if err != nil {
		return err
	}
	req, err := c.Store.GetRequestTx(ctx, tx, g.RequestID)
	if err != nil {
		return err
	}
	if req.AuthorID != opts.ActorID {
		return apierr.PermissionDenied("only the author may edit group %s", g.ID)
	}
	if err := c.Store.UpdateFileGroup(ctx, tx, g.ID, opts.Context, opts.Controls); err != nil {
		return err
	}
	if err := c.Audit.Append(ctx, tx, g.RequestID, opts.ActorID, audit.KindGroupEdited, g.Name, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Request files -----------------------------------------------------------

type AddFileOptions struct {
	GroupID  string
	RelPath  string
	FileType domain.FileType
	ActorID  string
}

func (c Controller) AddFile(ctx context.Context, opts AddFileOptions) (domain.RequestFile, error) {
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.RequestFile{}, err
	}
	defer tx.Rollback()

	g, err := c.Store.GetFileGroupTx(ctx, tx, opts.GroupID)
	if err != nil {
		return domain.RequestFile{}, err
	}
	req, err := c.Store.GetRequestTx(ctx, tx, g.RequestID)
	if err != nil {
		return domain.RequestFile{}, err
	}
	if req.AuthorID != opts.ActorID {
		return domain.RequestFile{}, apierr.PermissionDenied("only the author may add files to %s", req.ID)
	}
	if req.Status != domain.StatusPending && req.Status != domain.StatusReturned {
		return domain.RequestFile{}, apierr.InvalidTransition("cannot add files while request is %s", req.Status)
	}

	ws := c.Workspace(req.Workspace)
	hash, err := ws.HashFile(opts.RelPath)
	if err != nil {
		return domain.RequestFile{}, apierr.NotFound("%s not found in workspace: %v", opts.RelPath, err)
	}
	abs, err := ws.Abspath(opts.RelPath)
	if err != nil {
		return domain.RequestFile{}, apierr.NotFound("%s not found in workspace", opts.RelPath)
	}
	info, err := statFile(abs)
	if err != nil {
		return domain.RequestFile{}, err
	}

	f := domain.RequestFile{
		ID:          newID(g.RequestID, opts.RelPath),
		GroupID:     opts.GroupID,
		RequestID:   g.RequestID,
		RelPath:     opts.RelPath,
		FileType:    opts.FileType,
		ContentHash: hash,
		Size:        info,
		AddedAt:     c.nowStr(),
		AddedBy:     opts.ActorID,
		AddedInTurn: req.ReviewTurn,
	}
	if err := c.Store.InsertRequestFile(ctx, tx, f); err != nil {
		return domain.RequestFile{}, err
	}
	if err := c.Audit.Append(ctx, tx, req.ID, opts.ActorID, audit.KindFileAdded, opts.RelPath, nil); err != nil {
		return domain.RequestFile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RequestFile{}, err
	}
	return f, nil
}

func statFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// UpdateFile re-pins a file's content hash from the live workspace — used
// when an author has revised an output after CONTENT_UPDATED was reported
// and wants the pinned snapshot to catch up (Open Question 2: the snapshot
// is otherwise never re-read automatically).
type UpdateFileOptions struct {
	FileID  string
	ActorID string
}

func (c Controller) UpdateFile(ctx context.Context, opts UpdateFileOptions) (domain.RequestFile, error) {
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.RequestFile{}, err
	}
	defer tx.Rollback()

	f, err := c.Store.GetRequestFileTx(ctx, tx, opts.FileID)
	if err != nil {
		return domain.RequestFile{}, err
	}
	req, err := c.Store.GetRequestTx(ctx, tx, f.RequestID)
	if err != nil {
		return domain.RequestFile{}, err
	}
	if req.AuthorID != opts.ActorID {
		return domain.RequestFile{}, apierr.PermissionDenied("only the author may update files on %s", req.ID)
	}
	if req.Status != domain.StatusPending && req.Status != domain.StatusReturned {
		return domain.RequestFile{}, apierr.InvalidTransition("cannot update files while request is %s", req.Status)
	}
	ws := c.Workspace(req.Workspace)
	hash, err := ws.HashFile(f.RelPath)
	if err != nil {
		return domain.RequestFile{}, apierr.NotFound("%s no longer exists in workspace", f.RelPath)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE request_files SET content_hash=? WHERE id=?`, hash, f.ID); err != nil {
		return domain.RequestFile{}, err
	}
	f.ContentHash = hash
	if err := c.Audit.Append(ctx, tx, req.ID, opts.ActorID, audit.KindFileUpdated, f.RelPath, nil); err != nil {
		return domain.RequestFile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RequestFile{}, err
	}
	return f, nil
}

type WithdrawFileOptions struct {
	FileID  string
	ActorID string
}

func (c Controller) WithdrawFile(ctx context.Context, opts WithdrawFileOptions) error {
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	f, err := c.Store.GetRequestFileTx(ctx, tx, opts.FileID)
	if err != nil {
		return err
	}
	req, err := c.Store.GetRequestTx(ctx, tx, f.RequestID)
	if err != nil {
		return err
	}
	if req.AuthorID != opts.ActorID {
		return apierr.PermissionDenied("only the author may withdraw files from %s", req.ID)
	}
	if f.Withdrawn() {
		return apierr.Conflict("file %s already withdrawn", f.ID)
	}
	// F3: in PENDING no review has happened yet, so the row carries no
	// history worth preserving and is hard-deleted; in RETURNED reviewers
	// have already voted/commented on it, so it is tombstoned instead.
	switch req.Status {
	case domain.StatusPending:
		if err := c.Store.DeleteRequestFile(ctx, tx, f.ID); err != nil {
			return err
		}
	case domain.StatusReturned:
		if err := c.Store.WithdrawRequestFile(ctx, tx, f.ID, req.ReviewTurn, c.nowStr()); err != nil {
			return err
		}
	default:
		return apierr.InvalidTransition("cannot withdraw files while request is %s", req.Status)
	}
	if err := c.Audit.Append(ctx, tx, req.ID, opts.ActorID, audit.KindFileWithdrawn, f.RelPath, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Comments & votes --------------------------------------------------------

type CommentOptions struct {
	GroupID    string
	Text       string
	Visibility domain.CommentVisibility
	ActorID    string
}

func (c Controller) Comment(ctx context.Context, opts CommentOptions) (domain.Comment, error) {
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()

	g, err := c.Store.GetFileGroupTx(ctx, tx, opts.GroupID)
	if err != nil {
		return domain.Comment{}, err
	}
	req, err := c.Store.GetRequestTx(ctx, tx, g.RequestID)
	if err != nil {
		return domain.Comment{}, err
	}
	if opts.Visibility == domain.VisibilityPrivate {
		isReviewer, err := c.Identity.IsReviewer(ctx, opts.ActorID)
		if err != nil {
			return domain.Comment{}, err
		}
		if !isReviewer {
			return domain.Comment{}, apierr.PermissionDenied("only output-checkers may post private comments")
		}
	}
	cm := domain.Comment{
		ID:         newID(opts.GroupID, opts.ActorID),
		GroupID:    opts.GroupID,
		AuthorID:   opts.ActorID,
		Text:       opts.Text,
		Visibility: opts.Visibility,
		ReviewTurn: req.ReviewTurn,
		CreatedAt:  c.nowStr(),
	}
	if err := c.Store.InsertComment(ctx, tx, cm); err != nil {
		return domain.Comment{}, err
	}
	if err := c.Audit.Append(ctx, tx, req.ID, opts.ActorID, audit.KindCommentAdded, g.Name, nil); err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	return cm, nil
}

type VoteOptions struct {
	FileID  string
	Choice  domain.VoteChoice
	ActorID string
}

func (c Controller) Vote(ctx context.Context, opts VoteOptions) (domain.Vote, error) {
	if err := c.Identity.RequirePermission(ctx, opts.ActorID, "request.vote"); err != nil {
		return domain.Vote{}, err
	}
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	f, err := c.Store.GetRequestFileTx(ctx, tx, opts.FileID)
	if err != nil {
		return domain.Vote{}, err
	}
	if f.Withdrawn() {
		return domain.Vote{}, apierr.Conflict("file %s has been withdrawn", f.ID)
	}
	req, err := c.Store.GetRequestTx(ctx, tx, f.RequestID)
	if err != nil {
		return domain.Vote{}, err
	}
	if req.Status != domain.StatusSubmitted && req.Status != domain.StatusPartiallyReviewed {
		return domain.Vote{}, apierr.InvalidTransition("cannot vote while request is %s", req.Status)
	}
	already, err := c.Store.HasSubmittedReview(ctx, tx, req.ID, opts.ActorID, req.ReviewTurn)
	if err != nil {
		return domain.Vote{}, err
	}
	if already {
		return domain.Vote{}, apierr.Conflict("reviewer %s already submitted their review for this turn", opts.ActorID)
	}

	v := domain.Vote{
		ID:         newID(opts.FileID, opts.ActorID),
		FileID:     opts.FileID,
		ReviewerID: opts.ActorID,
		Choice:     opts.Choice,
		ReviewTurn: req.ReviewTurn,
		CreatedAt:  c.nowStr(),
	}
	if err := c.Store.UpsertVote(ctx, tx, v); err != nil {
		return domain.Vote{}, err
	}
	if err := c.Audit.Append(ctx, tx, req.ID, opts.ActorID, audit.KindVoteCast, f.RelPath, map[string]any{"choice": v.Choice}); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

// --- Review submission & lifecycle transitions -------------------------------

type SubmitReviewOptions struct {
	RequestID string
	ActorID   string
}

// SubmitReview finalizes a reviewer's votes for the current turn. The
// destination status (PARTIALLY_REVIEWED vs REVIEWED) depends on whether
// every reviewer who has voted this turn has now submitted — the review
// engine, not the state table, resolves that ambiguity.
func (c Controller) SubmitReview(ctx context.Context, opts SubmitReviewOptions) (domain.Request, error) {
	if err := c.Identity.RequirePermission(ctx, opts.ActorID, "request.review.submit"); err != nil {
		return domain.Request{}, err
	}
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := c.Store.GetRequestTx(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.Request{}, err
	}
	if err := requireTransition(req.Status, statemachine.ActorReviewer, statemachine.TriggerSubmitReview); err != nil {
		return domain.Request{}, err
	}
	already, err := c.Store.HasSubmittedReview(ctx, tx, req.ID, opts.ActorID, req.ReviewTurn)
	if err != nil {
		return domain.Request{}, err
	}
	if already {
		return domain.Request{}, apierr.Conflict("already submitted review for this turn")
	}

	files, err := c.Store.ListRequestFiles(ctx, req.ID, false)
	if err != nil {
		return domain.Request{}, err
	}
	votesByFile := map[string][]domain.Vote{}
	reviewerSet := map[string]bool{}
	groupIDs := map[string]bool{}
	for _, f := range files {
		vs, err := c.Store.ListVotesForFile(ctx, f.ID, req.ReviewTurn)
		if err != nil {
			return domain.Request{}, err
		}
		votesByFile[f.ID] = vs
		groupIDs[f.GroupID] = true
		for _, v := range vs {
			reviewerSet[v.ReviewerID] = true
		}
	}
	commentsByGroup := map[string][]domain.Comment{}
	for groupID := range groupIDs {
		cs, err := c.Store.ListComments(ctx, groupID)
		if err != nil {
			return domain.Request{}, err
		}
		commentsByGroup[groupID] = cs
	}
	if !review.CanSubmitReview(files, votesByFile, commentsByGroup, opts.ActorID, req.ReviewTurn, already) {
		return domain.Request{}, apierr.Precondition("reviewer must vote on every live output file and comment on any group where they requested changes")
	}

	if err := c.Store.InsertReviewSubmission(ctx, tx, domain.ReviewSubmission{
		RequestID: req.ID, ReviewerID: opts.ActorID, ReviewTurn: req.ReviewTurn, SubmittedAt: c.nowStr(),
	}); err != nil {
		return domain.Request{}, err
	}

	submissions, err := c.Store.ListReviewSubmissions(ctx, req.ID, req.ReviewTurn)
	if err != nil {
		return domain.Request{}, err
	}
	submittedSet := map[string]bool{}
	for _, s := range submissions {
		submittedSet[s.ReviewerID] = true
	}
	var reviewerIDs []string
	for id := range reviewerSet {
		reviewerIDs = append(reviewerIDs, id)
	}

	newStatus := domain.StatusPartiallyReviewed
	if review.AllReviewsSubmitted(reviewerIDs, submittedSet) {
		newStatus = domain.StatusReviewed
	}
	if err := c.Store.UpdateRequestStatus(ctx, tx, req.ID, newStatus, false, c.nowStr()); err != nil {
		return domain.Request{}, err
	}
	if err := c.Audit.Append(ctx, tx, req.ID, opts.ActorID, audit.KindReviewSubmitted, "", nil); err != nil {
		return domain.Request{}, err
	}
	if _, err := c.Events.Append(ctx, tx, events.TypeReviewSubmitted, req.ID, req.Workspace, req.AuthorID, opts.ActorID, req.ReviewTurn, events.Payload{"status": newStatus}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	req.Status = newStatus
	return req, nil
}

// simpleTransition implements every transition whose destination status is
// unambiguous from the state table alone: submit, return, reject, approve,
// withdraw, resubmit.
func (c Controller) simpleTransition(ctx context.Context, requestID, actorID string, trigger statemachine.Trigger, auditKind audit.Kind, evtType events.Type) (domain.Request, error) {
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := c.Store.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	actorRole, err := isReviewerActor(ctx, c, actorID)
	if err != nil {
		return domain.Request{}, err
	}
	to, ok := statemachine.DestinationFor(req.Status, actorRole, trigger)
	if !ok {
		return domain.Request{}, apierr.InvalidTransition("cannot %s request in status %s as %s", trigger, req.Status, actorRole)
	}
	t, _ := statemachine.Evaluate(req.Status, to, actorRole, trigger)

	if err := c.Store.UpdateRequestStatus(ctx, tx, req.ID, to, t.FlipsTurn, c.nowStr()); err != nil {
		return domain.Request{}, err
	}
	if err := c.Audit.Append(ctx, tx, req.ID, actorID, auditKind, "", nil); err != nil {
		return domain.Request{}, err
	}
	turn := req.ReviewTurn
	if t.FlipsTurn {
		turn++
	}
	if _, err := c.Events.Append(ctx, tx, evtType, req.ID, req.Workspace, req.AuthorID, actorID, turn, events.Payload{"from": req.Status, "to": to}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	req.Status = to
	req.ReviewTurn = turn
	return req, nil
}

func (c Controller) Submit(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	if err := c.Identity.RequirePermission(ctx, actorID, "request.submit"); err != nil {
		return domain.Request{}, err
	}
	return c.simpleTransition(ctx, requestID, actorID, statemachine.TriggerSubmit, audit.KindRequestSubmitted, events.TypeSubmitted)
}

func (c Controller) Resubmit(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	if err := c.Identity.RequirePermission(ctx, actorID, "request.submit"); err != nil {
		return domain.Request{}, err
	}
	return c.simpleTransition(ctx, requestID, actorID, statemachine.TriggerResubmit, audit.KindRequestSubmitted, events.TypeResubmitted)
}

// Return sends a request back to its author. From REVIEWED this is a
// normal return and is subject to the return gate (spec §4.5): every group
// holding a CHANGES_REQUESTED or CONFLICTED file must carry a PUBLIC
// comment from this turn. From SUBMITTED or PARTIALLY_REVIEWED this is an
// early return — a reviewer handing the request back before every output
// checker has finished — and the comment requirement is waived.
func (c Controller) Return(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	if err := c.Identity.RequirePermission(ctx, actorID, "request.return"); err != nil {
		return domain.Request{}, err
	}
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := c.Store.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}

	earlyReturn := req.Status == domain.StatusSubmitted || req.Status == domain.StatusPartiallyReviewed
	trigger := statemachine.TriggerReturn
	if earlyReturn {
		trigger = statemachine.TriggerEarlyReturn
	}
	if err := requireTransition(req.Status, statemachine.ActorReviewer, trigger); err != nil {
		return domain.Request{}, err
	}
	to, _ := statemachine.DestinationFor(req.Status, statemachine.ActorReviewer, trigger)

	files, err := c.Store.ListRequestFiles(ctx, req.ID, false)
	if err != nil {
		return domain.Request{}, err
	}
	votesByFile := map[string][]domain.Vote{}
	groupIDs := map[string]bool{}
	for _, f := range files {
		vs, err := c.Store.ListVotesForFile(ctx, f.ID, req.ReviewTurn)
		if err != nil {
			return domain.Request{}, err
		}
		votesByFile[f.ID] = vs
		groupIDs[f.GroupID] = true
	}
	commentsByGroup := map[string][]domain.Comment{}
	for groupID := range groupIDs {
		cs, err := c.Store.ListComments(ctx, groupID)
		if err != nil {
			return domain.Request{}, err
		}
		commentsByGroup[groupID] = cs
	}
	decisions := review.FileDecisions(votesByFile)
	if !review.ReturnGate(files, decisions, commentsByGroup, req.ReviewTurn, earlyReturn) {
		return domain.Request{}, apierr.Precondition("CannotReturn: every group with a CHANGES_REQUESTED or CONFLICTED file needs a public comment from this turn")
	}

	if err := c.Store.UpdateRequestStatus(ctx, tx, req.ID, to, true, c.nowStr()); err != nil {
		return domain.Request{}, err
	}
	if err := c.Audit.Append(ctx, tx, req.ID, actorID, audit.KindRequestReturned, "", nil); err != nil {
		return domain.Request{}, err
	}
	turn := req.ReviewTurn + 1
	if _, err := c.Events.Append(ctx, tx, events.TypeReturned, req.ID, req.Workspace, req.AuthorID, actorID, turn, events.Payload{"from": req.Status, "to": to, "early": earlyReturn}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	req.Status = to
	req.ReviewTurn = turn
	return req, nil
}

// Reject may be issued regardless of whether any SUPPORTING file is
// CONFLICTED — only the release gate requires a clean outputs bill
// (Open Question 3).
func (c Controller) Reject(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	if err := c.Identity.RequirePermission(ctx, actorID, "request.reject"); err != nil {
		return domain.Request{}, err
	}
	return c.simpleTransition(ctx, requestID, actorID, statemachine.TriggerReject, audit.KindRequestRejected, events.TypeRejected)
}

func (c Controller) Withdraw(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	if err := c.Identity.RequirePermission(ctx, actorID, "request.withdraw"); err != nil {
		return domain.Request{}, err
	}
	return c.simpleTransition(ctx, requestID, actorID, statemachine.TriggerWithdraw, audit.KindRequestWithdrawn, events.TypeWithdrawn)
}

// Approve requires every live OUTPUT file to carry an APPROVED decision.
func (c Controller) Approve(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	if err := c.Identity.RequirePermission(ctx, actorID, "request.release"); err != nil {
		return domain.Request{}, err
	}
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := c.Store.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if err := requireTransition(req.Status, statemachine.ActorReviewer, statemachine.TriggerApprove); err != nil {
		return domain.Request{}, err
	}
	files, err := c.Store.ListRequestFiles(ctx, req.ID, false)
	if err != nil {
		return domain.Request{}, err
	}
	votesByFile := map[string][]domain.Vote{}
	for _, f := range files {
		vs, err := c.Store.ListVotesForFile(ctx, f.ID, req.ReviewTurn)
		if err != nil {
			return domain.Request{}, err
		}
		votesByFile[f.ID] = vs
	}
	decisions := review.FileDecisions(votesByFile)
	if !review.AllOutputsApproved(files, decisions) {
		return domain.Request{}, apierr.Precondition("every output file must be APPROVED before approval")
	}

	if err := c.Store.UpdateRequestStatus(ctx, tx, req.ID, domain.StatusApproved, false, c.nowStr()); err != nil {
		return domain.Request{}, err
	}
	if err := c.Audit.Append(ctx, tx, req.ID, actorID, audit.KindRequestApproved, "", nil); err != nil {
		return domain.Request{}, err
	}
	if _, err := c.Events.Append(ctx, tx, events.TypeApproved, req.ID, req.Workspace, req.AuthorID, actorID, req.ReviewTurn, nil); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	req.Status = domain.StatusApproved
	return req, nil
}

// ReleaseFiles enqueues an upload job for every live output file of an
// APPROVED request — the Upload Scheduler drains the queue asynchronously
// and is the only thing that ever moves the request on to RELEASED, once
// every job it enqueued here has succeeded (spec §4.7: APPROVED -> RELEASED
// is SYS-triggered). This call returns as soon as the jobs are persisted,
// not once bytes have reached the Jobs site, and leaves status at APPROVED.
func (c Controller) ReleaseFiles(ctx context.Context, requestID, actorID string) (domain.Request, []domain.UploadJob, error) {
	if err := c.Identity.RequirePermission(ctx, actorID, "request.release"); err != nil {
		return domain.Request{}, nil, err
	}
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return domain.Request{}, nil, err
	}
	defer tx.Rollback()

	req, err := c.Store.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, nil, err
	}
	if req.Status != domain.StatusApproved {
		return domain.Request{}, nil, apierr.InvalidTransition("release requires status APPROVED, got %s", req.Status)
	}
	files, err := c.Store.ListRequestFiles(ctx, req.ID, false)
	if err != nil {
		return domain.Request{}, nil, err
	}

	var jobs []domain.UploadJob
	now := c.nowStr()
	for _, f := range files {
		if f.FileType != domain.FileTypeOutput || f.Uploaded() {
			continue
		}
		job := domain.UploadJob{
			ID:          newID(f.ID, "upload"),
			RequestID:   req.ID,
			FileID:      f.ID,
			RelPath:     f.RelPath,
			ContentHash: f.ContentHash,
			Status:      domain.UploadJobPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := c.Store.EnqueueUploadJob(ctx, tx, job); err != nil {
			return domain.Request{}, nil, err
		}
		jobs = append(jobs, job)
	}
	if err := c.Audit.Append(ctx, tx, req.ID, actorID, audit.KindUploadsQueued, "", map[string]any{"jobs": len(jobs)}); err != nil {
		return domain.Request{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, nil, err
	}
	return req, jobs, nil
}

// ReRelease re-enqueues FAILED upload jobs for an APPROVED request,
// resetting their attempt counters, without touching status — the request
// stays APPROVED exactly as it did before the failures, and the Upload
// Scheduler resumes driving it to RELEASED once everything succeeds.
func (c Controller) ReRelease(ctx context.Context, requestID, actorID string) ([]domain.UploadJob, error) {
	if err := c.Identity.RequirePermission(ctx, actorID, "request.release"); err != nil {
		return nil, err
	}
	tx, err := c.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	req, err := c.Store.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.StatusApproved {
		return nil, apierr.InvalidTransition("re-release requires status APPROVED, got %s", req.Status)
	}
	now := c.nowStr()
	jobs, err := c.Store.ResetFailedUploadJobs(ctx, tx, req.ID, now)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, apierr.Precondition("no failed upload jobs to re-release")
	}
	if err := c.Audit.Append(ctx, tx, req.ID, actorID, audit.KindUploadsQueued, "", map[string]any{"jobs": len(jobs), "re_release": true}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}
