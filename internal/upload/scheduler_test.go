package upload_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"airlock/internal/config"
	"airlock/internal/controller"
	"airlock/internal/db"
	"airlock/internal/domain"
	"airlock/internal/jobsapi"
	"airlock/internal/migrate"
	"airlock/internal/upload"
	"airlock/internal/workspace"
)

func approvedRequestWithJob(t *testing.T, ctrl controller.Controller) (domain.Request, domain.UploadJob) {
	t.Helper()
	ctx := context.Background()
	tx, err := ctrl.Store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	for _, actor := range []string{"author-1", "reviewer-1"} {
		if err := ctrl.Store.EnsureActor(ctx, tx, actor, actor, actor); err != nil {
			t.Fatalf("ensure actor: %v", err)
		}
	}
	for roleID, role := range config.Default("proj-1").RBAC.Roles {
		if err := ctrl.Store.UpsertRole(ctx, tx, roleID, role.Description, role.Permissions); err != nil {
			t.Fatalf("upsert role %s: %v", roleID, err)
		}
	}
	if err := ctrl.Store.AssignRole(ctx, tx, "author-1", "author"); err != nil {
		t.Fatalf("assign author role: %v", err)
	}
	if err := ctrl.Store.AssignRole(ctx, tx, "reviewer-1", "output-checker"); err != nil {
		t.Fatalf("assign reviewer role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	req, err := ctrl.CreateRequest(ctx, controller.CreateRequestOptions{Workspace: "ws", AuthorID: "author-1"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	group, err := ctrl.CreateGroup(ctx, controller.CreateGroupOptions{RequestID: req.ID, Name: "outputs", ActorID: "author-1"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	file, err := ctrl.AddFile(ctx, controller.AddFileOptions{GroupID: group.ID, RelPath: "results.csv", FileType: domain.FileTypeOutput, ActorID: "author-1"})
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if _, err := ctrl.Submit(ctx, req.ID, "author-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := ctrl.Vote(ctx, controller.VoteOptions{FileID: file.ID, Choice: domain.VoteApprove, ActorID: "reviewer-1"}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := ctrl.SubmitReview(ctx, controller.SubmitReviewOptions{RequestID: req.ID, ActorID: "reviewer-1"}); err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if _, err := ctrl.Approve(ctx, req.ID, "reviewer-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, jobs, err := ctrl.ReleaseFiles(ctx, req.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly 1 upload job, got %d", len(jobs))
	}
	approved, err := ctrl.Store.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	return approved, jobs[0]
}

// fakeJobsSite answers release creation and file upload PUTs, recording
// every upload it receives for the test to inspect.
type fakeJobsSite struct {
	uploads []string
}

func (f *fakeJobsSite) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"release_url": "http://jobs.example/release/1"})
		case r.Method == http.MethodPut:
			f.uploads = append(f.uploads, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func TestSchedulerReleasesRequestOnceUploadCompletes(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	wsRoot := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(wsRoot, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsRoot, "results.csv"), []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write workspace file: %v", err)
	}
	wsFor := func(string) workspace.View { return workspace.New(wsRoot) }

	ctrl := controller.New(conn, wsFor)
	req, _ := approvedRequestWithJob(t, ctrl)

	site := &fakeJobsSite{}
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	client := jobsapi.New(srv.URL, "test-token")
	sched := upload.New(ctrl.Store, client, wsFor, upload.Config{
		MaxInFlight:    2,
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Second,
		JobDeadline:    10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sched.Run(ctx); err != nil && err != context.DeadlineExceeded {
		t.Fatalf("scheduler run: %v", err)
	}

	if len(site.uploads) != 1 {
		t.Fatalf("expected 1 upload to reach the Jobs site, got %d: %v", len(site.uploads), site.uploads)
	}

	final, err := ctrl.Store.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if final.Status != domain.StatusReleased {
		t.Fatalf("expected request to reach RELEASED once its only output uploaded, got %s", final.Status)
	}
}
