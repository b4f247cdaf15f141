package controller_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"airlock/internal/apierr"
	"airlock/internal/config"
	"airlock/internal/controller"
	"airlock/internal/db"
	"airlock/internal/domain"
	"airlock/internal/migrate"
	"airlock/internal/store"
	"airlock/internal/workspace"
)

type testEnv struct {
	Ctrl    controller.Controller
	Ctx     context.Context
	WorkDir string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	wsRoot := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(wsRoot, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	wsFor := func(string) workspace.View { return workspace.New(wsRoot) }

	ctrl := controller.New(conn, wsFor)
	ctrl.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	cfg := config.Default("proj-1")
	seedRBAC(t, ctrl.Store, cfg)

	return testEnv{Ctrl: ctrl, Ctx: context.Background(), WorkDir: wsRoot}
}

func seedRBAC(t *testing.T, s store.Store, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	for roleID, role := range cfg.RBAC.Roles {
		if err := s.UpsertRole(ctx, tx, roleID, role.Description, role.Permissions); err != nil {
			t.Fatalf("upsert role %s: %v", roleID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit roles: %v", err)
	}
}

func (e testEnv) grantRole(t *testing.T, actorID, roleID string) {
	t.Helper()
	tx, err := e.Ctrl.Store.BeginTx(e.Ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := e.Ctrl.Store.EnsureActor(e.Ctx, tx, actorID, actorID, actorID); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := e.Ctrl.Store.AssignRole(e.Ctx, tx, actorID, roleID); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (e testEnv) writeFile(t *testing.T, relpath, content string) {
	t.Helper()
	abs := filepath.Join(e.WorkDir, relpath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

// buildApprovedRequest drives a freshly created request all the way to
// APPROVED with one reviewer voting APPROVE on its single OUTPUT file, the
// common setup for both the release and re-release tests.
func buildApprovedRequest(t *testing.T, env testEnv) domain.Request {
	t.Helper()
	env.grantRole(t, "author-1", "author")
	env.grantRole(t, "reviewer-1", "output-checker")
	env.writeFile(t, "results.csv", "a,b,c\n1,2,3\n")

	req, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	group, err := env.Ctrl.CreateGroup(env.Ctx, controller.CreateGroupOptions{
		RequestID: req.ID, Name: "outputs", Context: "ctx", Controls: "controls", ActorID: "author-1",
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	file, err := env.Ctrl.AddFile(env.Ctx, controller.AddFileOptions{
		GroupID: group.ID, RelPath: "results.csv", FileType: domain.FileTypeOutput, ActorID: "author-1",
	})
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	req, err = env.Ctrl.Submit(env.Ctx, req.ID, "author-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Ctrl.Vote(env.Ctx, controller.VoteOptions{FileID: file.ID, Choice: domain.VoteApprove, ActorID: "reviewer-1"}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	req, err = env.Ctrl.SubmitReview(env.Ctx, controller.SubmitReviewOptions{RequestID: req.ID, ActorID: "reviewer-1"})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if req.Status != domain.StatusReviewed {
		t.Fatalf("expected REVIEWED after the only reviewer submits, got %s", req.Status)
	}
	req, err = env.Ctrl.Approve(env.Ctx, req.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if req.Status != domain.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", req.Status)
	}
	return req
}

func TestLifecycleSubmitReviewApprove(t *testing.T) {
	env := newTestEnv(t)
	req := buildApprovedRequest(t, env)
	if req.ReviewTurn != 1 {
		t.Fatalf("approve should not flip the turn, got turn=%d", req.ReviewTurn)
	}
}

func TestReleaseFilesLeavesStatusApproved(t *testing.T) {
	env := newTestEnv(t)
	req := buildApprovedRequest(t, env)

	after, jobs, err := env.Ctrl.ReleaseFiles(env.Ctx, req.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 upload job, got %d", len(jobs))
	}
	if after.Status != domain.StatusApproved {
		t.Fatalf("release must not move status off APPROVED on its own; got %s", after.Status)
	}

	// Fetching the request independently confirms release didn't commit a
	// status change anywhere else either.
	stored, err := env.Ctrl.Store.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != domain.StatusApproved {
		t.Fatalf("stored status should still be APPROVED, got %s", stored.Status)
	}
}

func TestReReleaseRequiresFailedJobs(t *testing.T) {
	env := newTestEnv(t)
	req := buildApprovedRequest(t, env)

	if _, err := env.Ctrl.ReRelease(env.Ctx, req.ID, "reviewer-1"); err == nil {
		t.Fatalf("expected re-release to fail with no FAILED jobs yet")
	}

	if _, _, err := env.Ctrl.ReleaseFiles(env.Ctx, req.ID, "reviewer-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	jobs, err := env.Ctrl.Store.ListUploadJobsForRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}

	if err := env.Ctrl.Store.RetryUploadJob(env.Ctx, jobs[0].ID, 5, "boom", time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), 5); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	retried, err := env.Ctrl.ReRelease(env.Ctx, req.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("re-release: %v", err)
	}
	if len(retried) != 1 {
		t.Fatalf("expected 1 re-queued job, got %d", len(retried))
	}

	stored, err := env.Ctrl.Store.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != domain.StatusApproved {
		t.Fatalf("re-release must not change status, got %s", stored.Status)
	}
}

func TestWithdrawFileHardDeletesInPending(t *testing.T) {
	env := newTestEnv(t)
	env.grantRole(t, "author-1", "author")
	env.writeFile(t, "notes.txt", "draft")

	req, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	group, err := env.Ctrl.CreateGroup(env.Ctx, controller.CreateGroupOptions{RequestID: req.ID, Name: "g", ActorID: "author-1"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	file, err := env.Ctrl.AddFile(env.Ctx, controller.AddFileOptions{
		GroupID: group.ID, RelPath: "notes.txt", FileType: domain.FileTypeSupporting, ActorID: "author-1",
	})
	if err != nil {
		t.Fatalf("add file: %v", err)
	}

	if err := env.Ctrl.WithdrawFile(env.Ctx, controller.WithdrawFileOptions{FileID: file.ID, ActorID: "author-1"}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	files, err := env.Ctrl.Store.ListRequestFiles(env.Ctx, req.ID, true)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	for _, f := range files {
		if f.ID == file.ID {
			t.Fatalf("expected file row hard-deleted in PENDING, still present: %+v", f)
		}
	}
}

func TestWithdrawFileTombstonesInReturned(t *testing.T) {
	env := newTestEnv(t)
	env.grantRole(t, "author-1", "author")
	env.grantRole(t, "reviewer-1", "output-checker")
	env.writeFile(t, "out.bin", "payload")
	env.writeFile(t, "support.txt", "notes")

	req, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	group, err := env.Ctrl.CreateGroup(env.Ctx, controller.CreateGroupOptions{RequestID: req.ID, Name: "g", ActorID: "author-1"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	out, err := env.Ctrl.AddFile(env.Ctx, controller.AddFileOptions{GroupID: group.ID, RelPath: "out.bin", FileType: domain.FileTypeOutput, ActorID: "author-1"})
	if err != nil {
		t.Fatalf("add output file: %v", err)
	}
	support, err := env.Ctrl.AddFile(env.Ctx, controller.AddFileOptions{GroupID: group.ID, RelPath: "support.txt", FileType: domain.FileTypeSupporting, ActorID: "author-1"})
	if err != nil {
		t.Fatalf("add supporting file: %v", err)
	}

	req, err = env.Ctrl.Submit(env.Ctx, req.ID, "author-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Ctrl.Vote(env.Ctx, controller.VoteOptions{FileID: out.ID, Choice: domain.VoteRequestChanges, ActorID: "reviewer-1"}); err != nil {
		t.Fatalf("vote output: %v", err)
	}
	if _, err := env.Ctrl.Vote(env.Ctx, controller.VoteOptions{FileID: support.ID, Choice: domain.VoteApprove, ActorID: "reviewer-1"}); err != nil {
		t.Fatalf("vote support: %v", err)
	}
	if _, err := env.Ctrl.Comment(env.Ctx, controller.CommentOptions{
		GroupID: group.ID, Text: "please address the output", Visibility: domain.VisibilityPublic, ActorID: "reviewer-1",
	}); err != nil {
		t.Fatalf("comment: %v", err)
	}
	req, err = env.Ctrl.SubmitReview(env.Ctx, controller.SubmitReviewOptions{RequestID: req.ID, ActorID: "reviewer-1"})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	req, err = env.Ctrl.Return(env.Ctx, req.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if req.Status != domain.StatusReturned {
		t.Fatalf("expected RETURNED, got %s", req.Status)
	}

	if err := env.Ctrl.WithdrawFile(env.Ctx, controller.WithdrawFileOptions{FileID: support.ID, ActorID: "author-1"}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	files, err := env.Ctrl.Store.ListRequestFiles(env.Ctx, req.ID, true)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	var found *domain.RequestFile
	for i := range files {
		if files[i].ID == support.ID {
			found = &files[i]
		}
	}
	if found == nil {
		t.Fatalf("expected tombstoned row to still exist")
	}
	if !found.Withdrawn() {
		t.Fatalf("expected file to be marked withdrawn, not deleted")
	}
}

func TestCreateRequestRejectsSecondActiveRequest(t *testing.T) {
	env := newTestEnv(t)
	env.grantRole(t, "author-1", "author")

	if _, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"}); err != nil {
		t.Fatalf("create first request: %v", err)
	}
	_, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err == nil {
		t.Fatalf("expected a second active request in the same workspace to be rejected (U1)")
	}
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Kind != apierr.KindInvariant {
		t.Fatalf("expected invariant error, got %v (%T)", err, err)
	}
}

func TestCreateRequestAllowsNewRequestAfterWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	env.grantRole(t, "author-1", "author")

	first, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("create first request: %v", err)
	}
	if _, err := env.Ctrl.Withdraw(env.Ctx, first.ID, "author-1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"}); err != nil {
		t.Fatalf("expected a new request to be allowed once the prior one is WITHDRAWN, got %v", err)
	}
}

func TestEarlyReturnFromSubmittedWaivesCommentRequirement(t *testing.T) {
	env := newTestEnv(t)
	env.grantRole(t, "author-1", "author")
	env.grantRole(t, "reviewer-1", "output-checker")
	env.writeFile(t, "out.bin", "payload")

	req, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	group, err := env.Ctrl.CreateGroup(env.Ctx, controller.CreateGroupOptions{
		RequestID: req.ID, Name: "g", Context: "ctx", Controls: "controls", ActorID: "author-1",
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := env.Ctrl.AddFile(env.Ctx, controller.AddFileOptions{
		GroupID: group.ID, RelPath: "out.bin", FileType: domain.FileTypeOutput, ActorID: "author-1",
	}); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if _, err := env.Ctrl.Submit(env.Ctx, req.ID, "author-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	req, err = env.Ctrl.Return(env.Ctx, req.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("expected early return from SUBMITTED to succeed without any comment, got %v", err)
	}
	if req.Status != domain.StatusReturned {
		t.Fatalf("expected RETURNED, got %s", req.Status)
	}
	if req.ReviewTurn != 2 {
		t.Fatalf("early return must flip the turn, got turn=%d", req.ReviewTurn)
	}
}

func TestNormalReturnRequiresCommentOnChangesRequestedGroup(t *testing.T) {
	env := newTestEnv(t)
	env.grantRole(t, "author-1", "author")
	env.grantRole(t, "reviewer-1", "output-checker")
	env.grantRole(t, "reviewer-2", "output-checker")
	env.writeFile(t, "out.bin", "payload")

	req, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	group, err := env.Ctrl.CreateGroup(env.Ctx, controller.CreateGroupOptions{
		RequestID: req.ID, Name: "g", Context: "ctx", Controls: "controls", ActorID: "author-1",
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	file, err := env.Ctrl.AddFile(env.Ctx, controller.AddFileOptions{
		GroupID: group.ID, RelPath: "out.bin", FileType: domain.FileTypeOutput, ActorID: "author-1",
	})
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if _, err := env.Ctrl.Submit(env.Ctx, req.ID, "author-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, reviewer := range []string{"reviewer-1", "reviewer-2"} {
		if _, err := env.Ctrl.Vote(env.Ctx, controller.VoteOptions{FileID: file.ID, Choice: domain.VoteRequestChanges, ActorID: reviewer}); err != nil {
			t.Fatalf("vote %s: %v", reviewer, err)
		}
		if _, err := env.Ctrl.Comment(env.Ctx, controller.CommentOptions{
			GroupID: group.ID, Text: "needs work", Visibility: domain.VisibilityPrivate, ActorID: reviewer,
		}); err != nil {
			t.Fatalf("comment %s: %v", reviewer, err)
		}
		if _, err := env.Ctrl.SubmitReview(env.Ctx, controller.SubmitReviewOptions{RequestID: req.ID, ActorID: reviewer}); err != nil {
			t.Fatalf("submit review %s: %v", reviewer, err)
		}
	}
	req, err = env.Ctrl.Store.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != domain.StatusReviewed {
		t.Fatalf("expected REVIEWED once both reviewers submitted, got %s", req.Status)
	}

	if _, err := env.Ctrl.Return(env.Ctx, req.ID, "reviewer-1"); err == nil {
		t.Fatalf("expected return to fail: only PRIVATE comments exist on the CHANGES_REQUESTED group")
	}

	if _, err := env.Ctrl.Comment(env.Ctx, controller.CommentOptions{
		GroupID: group.ID, Text: "please fix the rounding", Visibility: domain.VisibilityPublic, ActorID: "reviewer-1",
	}); err != nil {
		t.Fatalf("public comment: %v", err)
	}
	returned, err := env.Ctrl.Return(env.Ctx, req.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("return after public comment: %v", err)
	}
	if returned.Status != domain.StatusReturned {
		t.Fatalf("expected RETURNED, got %s", returned.Status)
	}
}

func TestReleaseRejectedWithoutApproval(t *testing.T) {
	env := newTestEnv(t)
	env.grantRole(t, "author-1", "author")
	env.grantRole(t, "reviewer-1", "output-checker")

	req, err := env.Ctrl.CreateRequest(env.Ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	_, _, err = env.Ctrl.ReleaseFiles(env.Ctx, req.ID, "reviewer-1")
	if err == nil {
		t.Fatalf("expected release to fail for a PENDING request")
	}
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Kind != apierr.KindInvalidTransition {
		t.Fatalf("expected invalid_transition error, got %v (%T)", err, err)
	}
}
