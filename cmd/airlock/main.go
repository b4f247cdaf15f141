// Command airlock is the administrative CLI and HTTP server entrypoint for
// the release-request lifecycle engine: it bootstraps a workspace's SQLite
// state, runs the Request Controller and Upload Scheduler, and exposes the
// same operations available over HTTP as cobra subcommands for scripting.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"airlock/internal/apierr"
	"airlock/internal/config"
	"airlock/internal/controller"
	"airlock/internal/db"
	"airlock/internal/domain"
	"airlock/internal/identity"
	"airlock/internal/jobsapi"
	"airlock/internal/migrate"
	"airlock/internal/server"
	"airlock/internal/store"
	"airlock/internal/upload"
	"airlock/internal/workspace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) {
			fmt.Fprintln(os.Stderr, "error:", ae.Error())
			os.Exit(ae.Kind.ExitCode())
		}
		var fe identity.ForbiddenError
		if errors.As(err, &fe) {
			fmt.Fprintln(os.Stderr, "error:", fe.Error())
			os.Exit(apierr.KindPermissionDenied.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(3)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "airlock",
		Short: "Release-request lifecycle engine for the Jobs site",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags(root)
	registerCommands(root)
	return root
}

func initConfig() {
	viper.SetEnvPrefix("airlock")
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "emit JSON instead of a table")
	root.PersistentFlags().String("actor-id", "", "acting actor id")
	root.PersistentFlags().Bool("force", false, "skip confirmation prompts")
	root.PersistentFlags().String("project", "", "project id, for config init")
	_ = viper.BindPFlag("workspace", root.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", root.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", root.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", root.PersistentFlags().Lookup("project"))
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(configCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(requestCmd())
}

// --- setup helpers -----------------------------------------------------------

// withController opens the workspace database, migrates it, and hands the
// caller a ready Controller — the CLI analogue of withEngine in the
// teacher's task-management CLI.
func withController(fn func(ctx context.Context, c controller.Controller) error) error {
	ws := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	ctrl := controller.New(conn, workspaceView(ws))
	return fn(context.Background(), ctrl)
}

// workspaceView resolves the on-disk workspace root a request's files live
// under, from airlock.yml's dirs.workspace_dir when present and falling
// back to the bare workspace directory otherwise.
func workspaceView(ws string) func(string) workspace.View {
	root := ws
	if cfg, err := config.LoadOptional(ws); err == nil && cfg != nil && cfg.Dirs.WorkspaceDir != "" {
		root = cfg.Dirs.WorkspaceDir
	}
	return func(string) workspace.View { return workspace.New(root) }
}

func actorID() string {
	return viper.GetString("actor-id")
}

func requireActorID() (string, error) {
	id := actorID()
	if id == "" {
		return "", apierr.Precondition("--actor-id is required")
	}
	return id, nil
}

// --- output helpers -----------------------------------------------------------

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any, renderTable func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	renderTable()
	return nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	return t
}

// --- config -------------------------------------------------------------------

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage airlock.yml"}
	cmd.AddCommand(configInitCmd(), configSyncRBACCmd())
	return cmd
}

// syncRBAC upserts every role airlock.yml declares into the roles and
// role_permissions tables, so the grant-role endpoint and `request
// grant-role` subcommand have something to assign — airlock.yml is the source of
// truth for what a role means, the database only records who holds one.
func syncRBAC(ctx context.Context, s store.Store, cfg *config.Config) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range cfg.RBAC.Roles {
		if err := s.UpsertRole(ctx, tx, roleID, role.Description, role.Permissions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func configSyncRBACCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-rbac",
		Short: "Upsert airlock.yml's RBAC roles into the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			cfg, err := config.Load(ws)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: ws})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			return syncRBAC(context.Background(), store.New(conn), cfg)
		},
	}
}

func requestGrantRoleCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctx context.Context, c controller.Controller) error {
				tx, err := c.Store.BeginTx(ctx)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := c.Store.AssignRole(ctx, tx, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "to", "", "actor to grant the role to")
	cmd.Flags().StringVar(&role, "role", "", "role id, per airlock.yml")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default airlock.yml for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			project := viper.GetString("project")
			if project == "" {
				return apierr.Precondition("--project is required")
			}
			path := config.Path(ws)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return apierr.Conflict("%s already exists; pass --force to overwrite", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault(project)), 0o644)
		},
	}
}

// --- serve --------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and Upload Scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(ws); err != nil {
				return err
			}
			cfg, err := config.Load(ws)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: ws})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			wsFor := workspaceView(ws)
			ctrl := controller.New(conn, wsFor)
			ident := identity.New(ctrl.Store)
			if err := syncRBAC(context.Background(), ctrl.Store, cfg); err != nil {
				return err
			}

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("AIRLOCK_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("AIRLOCK_ALLOW_LEGACY_ACTOR_HEADER") == "1",
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("AIRLOCK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Controller: ctrl,
				Identity:   ident,
				Store:      ctrl.Store,
				Workspace:  wsFor,
				BasePath:   basePath,
				Auth:       authCfg,
			})
			if err != nil {
				return err
			}

			client := jobsapi.New(cfg.JobsAPI.Endpoint, cfg.JobsAPI.Token)
			sched := upload.New(ctrl.Store, client, wsFor, upload.Config{
				MaxInFlight:    cfg.Upload.MaxInFlight,
				MaxAttempts:    cfg.Upload.MaxAttempts,
				AttemptTimeout: time.Duration(cfg.Upload.AttemptTimeoutS) * time.Second,
				JobDeadline:    time.Duration(cfg.Upload.JobDeadlineS) * time.Second,
			})

			srvCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				if err := sched.Run(srvCtx); err != nil && !errors.Is(err, context.Canceled) {
					fmt.Fprintln(os.Stderr, "upload scheduler stopped:", err)
				}
			}()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				cancel()
				ctx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(ctx)
			}()

			fmt.Printf("Serving Airlock API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- request ------------------------------------------------------------------

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Manage release requests"}
	cmd.AddCommand(
		requestCreateCmd(),
		requestShowCmd(),
		requestCreateGroupCmd(),
		requestAddFileCmd(),
		requestWithdrawFileCmd(),
		requestEditGroupCmd(),
		requestCommentCmd(),
		requestVoteCmd(),
		requestSubmitReviewCmd(),
		requestSubmitCmd(),
		requestResubmitCmd(),
		requestReturnCmd(),
		requestRejectCmd(),
		requestApproveCmd(),
		requestReleaseCmd(),
		requestReReleaseCmd(),
		requestWithdrawCmd(),
		requestGrantRoleCmd(),
	)
	return cmd
}

func printRequest(r domain.Request) error {
	return printJSONOrTable(r, func() {
		t := newTable()
		t.AppendHeader(table.Row{"ID", "WORKSPACE", "AUTHOR", "STATUS", "TURN", "UPDATED"})
		t.AppendRow(table.Row{r.ID, r.Workspace, r.AuthorID, r.Status, r.ReviewTurn, r.UpdatedAt})
		t.Render()
	})
}

func requestCreateCmd() *cobra.Command {
	var ws string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new release request",
		RunE: func(cmd *cobra.Command, args []string) error {
			author, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				r, err := c.CreateRequest(ctx, controller.CreateRequestOptions{Workspace: ws, AuthorID: author})
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&ws, "target-workspace", "", "workspace name the request releases files from")
	_ = cmd.MarkFlagRequired("target-workspace")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request, its groups, files and recent audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctx context.Context, c controller.Controller) error {
				r, err := c.Store.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				files, err := c.Store.ListRequestFiles(ctx, r.ID, false)
				if err != nil {
					return err
				}
				groups, err := c.Store.ListFileGroups(ctx, r.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"request": r, "groups": groups, "files": files})
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "WORKSPACE", "AUTHOR", "STATUS", "TURN"})
				t.AppendRow(table.Row{r.ID, r.Workspace, r.AuthorID, r.Status, r.ReviewTurn})
				t.Render()
				ft := newTable()
				ft.AppendHeader(table.Row{"FILE", "TYPE", "GROUP", "UPLOADED", "WITHDRAWN"})
				for _, f := range files {
					ft.AppendRow(table.Row{f.RelPath, f.FileType, f.GroupID, f.Uploaded(), f.Withdrawn()})
				}
				ft.Render()
				return nil
			})
		},
	}
}

func requestCreateGroupCmd() *cobra.Command {
	var requestID, name, ctxText, controls string
	cmd := &cobra.Command{
		Use:   "create-group",
		Short: "Create a file group inside a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				g, err := c.CreateGroup(ctx, controller.CreateGroupOptions{
					RequestID: requestID, Name: name, Context: ctxText, Controls: controls, ActorID: actor,
				})
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "request id")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringVar(&ctxText, "context", "", "context description")
	cmd.Flags().StringVar(&controls, "controls", "", "controls description")
	_ = cmd.MarkFlagRequired("request")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func requestAddFileCmd() *cobra.Command {
	var groupID, relpath, filetype string
	cmd := &cobra.Command{
		Use:   "add-file",
		Short: "Attach a workspace file to a group, pinning its content hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				f, err := c.AddFile(ctx, controller.AddFileOptions{
					GroupID: groupID, RelPath: relpath, FileType: domain.FileType(filetype), ActorID: actor,
				})
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "file group id")
	cmd.Flags().StringVar(&relpath, "path", "", "path relative to the workspace root")
	cmd.Flags().StringVar(&filetype, "type", string(domain.FileTypeOutput), "OUTPUT or SUPPORTING")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func requestWithdrawFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw-file <file-id>",
		Short: "Withdraw a file from its request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				return c.WithdrawFile(ctx, controller.WithdrawFileOptions{FileID: args[0], ActorID: actor})
			})
		},
	}
}

func requestEditGroupCmd() *cobra.Command {
	var groupID, ctxText, controls string
	cmd := &cobra.Command{
		Use:   "edit-group",
		Short: "Set or update a group's context/controls description",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				return c.EditGroup(ctx, controller.EditGroupOptions{
					GroupID: groupID, Context: ctxText, Controls: controls, ActorID: actor,
				})
			})
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "file group id")
	cmd.Flags().StringVar(&ctxText, "context", "", "context description")
	cmd.Flags().StringVar(&controls, "controls", "", "controls description")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func requestCommentCmd() *cobra.Command {
	var groupID, text, visibility string
	cmd := &cobra.Command{
		Use:   "comment",
		Short: "Post a comment on a file group",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				cm, err := c.Comment(ctx, controller.CommentOptions{
					GroupID: groupID, Text: text, Visibility: domain.CommentVisibility(visibility), ActorID: actor,
				})
				if err != nil {
					return err
				}
				return printJSON(cm)
			})
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "file group id")
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	cmd.Flags().StringVar(&visibility, "visibility", string(domain.VisibilityPublic), "PUBLIC or PRIVATE")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func requestVoteCmd() *cobra.Command {
	var fileID, choice string
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Cast or replace a reviewer's vote on a file for the current turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				v, err := c.Vote(ctx, controller.VoteOptions{FileID: fileID, Choice: domain.VoteChoice(choice), ActorID: actor})
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	cmd.Flags().StringVar(&fileID, "file", "", "request file id")
	cmd.Flags().StringVar(&choice, "choice", "", "APPROVE, REQUEST_CHANGES, or UNDECIDED")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func requestSubmitReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit-review <request-id>",
		Short: "Finalize a reviewer's votes for the current turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				r, err := c.SubmitReview(ctx, controller.SubmitReviewOptions{RequestID: args[0], ActorID: actor})
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
}

// simpleRequestCmd builds the cobra command for one of the controller's
// single-argument lifecycle transitions, all sharing the same shape.
func simpleRequestCmd(use, short string, fn func(controller.Controller, context.Context, string, string) (domain.Request, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				r, err := fn(c, ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
}

func requestSubmitCmd() *cobra.Command {
	return simpleRequestCmd("submit", "Submit a PENDING request for review", func(c controller.Controller, ctx context.Context, id, actor string) (domain.Request, error) {
		return c.Submit(ctx, id, actor)
	})
}

func requestResubmitCmd() *cobra.Command {
	return simpleRequestCmd("resubmit", "Resubmit a RETURNED request for a new review turn", func(c controller.Controller, ctx context.Context, id, actor string) (domain.Request, error) {
		return c.Resubmit(ctx, id, actor)
	})
}

func requestReturnCmd() *cobra.Command {
	return simpleRequestCmd("return", "Return a REVIEWED request to its author for changes", func(c controller.Controller, ctx context.Context, id, actor string) (domain.Request, error) {
		return c.Return(ctx, id, actor)
	})
}

func requestRejectCmd() *cobra.Command {
	return simpleRequestCmd("reject", "Reject a REVIEWED request", func(c controller.Controller, ctx context.Context, id, actor string) (domain.Request, error) {
		return c.Reject(ctx, id, actor)
	})
}

func requestApproveCmd() *cobra.Command {
	return simpleRequestCmd("approve", "Approve a REVIEWED request whose outputs are all APPROVED", func(c controller.Controller, ctx context.Context, id, actor string) (domain.Request, error) {
		return c.Approve(ctx, id, actor)
	})
}

func requestWithdrawCmd() *cobra.Command {
	return simpleRequestCmd("withdraw", "Withdraw a request", func(c controller.Controller, ctx context.Context, id, actor string) (domain.Request, error) {
		return c.Withdraw(ctx, id, actor)
	})
}

func requestReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <request-id>",
		Short: "Enqueue upload jobs for an APPROVED request's output files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				r, jobs, err := c.ReleaseFiles(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"request": r, "jobs": jobs}, func() {
					fmt.Printf("request %s: enqueued %d upload job(s); still APPROVED until the scheduler finishes them\n", r.ID, len(jobs))
				})
			})
		},
	}
}

func requestReReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "re-release <request-id>",
		Short: "Reset FAILED upload jobs for an APPROVED request so the scheduler retries them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActorID()
			if err != nil {
				return err
			}
			return withController(func(ctx context.Context, c controller.Controller) error {
				jobs, err := c.ReRelease(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(jobs, func() {
					fmt.Printf("re-queued %d previously failed upload job(s)\n", len(jobs))
				})
			})
		},
	}
}
