package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"airlock/internal/apierr"
	"airlock/internal/controller"
	"airlock/internal/domain"
	"airlock/internal/identity"
	"airlock/internal/review"
	"airlock/internal/store"
	"airlock/internal/workspace"
)

// Config for the HTTP API handler.
type Config struct {
	Controller controller.Controller
	Identity   identity.Service
	Store      store.Store
	Workspace  func(ws string) workspace.View
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"permission_denied"`
	Message string         `json:"message" example:"missing permission \"request.release\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Airlock API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Store))
	hcfg := huma.DefaultConfig("Airlock API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRequests(group, cfg)
	registerGroups(group, cfg)
	registerFiles(group, cfg)
	registerComments(group, cfg)
	registerVotes(group, cfg)
	registerLifecycle(group, cfg)
	registerWorkspace(group, cfg)
	registerAuditLog(group, cfg)
	registerEvents(group, cfg)
	registerUploads(group, cfg)
	registerRBAC(group, cfg)
	registerMe(group, cfg)
	registerDevAuth(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps a controller/domain error to the API envelope. Typed
// apierr.Error values carry their own HTTP status; identity's capability
// errors map to 403; everything else falls back to internal_error.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return newAPIError(ae.Kind.HTTPStatus(), string(ae.Kind), ae.Message, ae.Details)
	}
	var fe identity.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var re identity.ForbiddenRoleError
	if errors.As(err, &re) {
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{"role": re.Role})
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, workspace.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Airlock API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerRequests(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Open a release request",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Workspace) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "workspace is required", nil)
		}
		r, err := cfg.Controller.CreateRequest(ctx, controller.CreateRequestOptions{
			Workspace: input.Body.Workspace,
			AuthorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List release requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Workspace string `query:"workspace"`
		Status    string `query:"status"`
		AuthorID  string `query:"author_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := cfg.Store.ListRequests(ctx, store.RequestFilters{
			Workspace:       input.Workspace,
			Status:          domain.RequestStatus(input.Status),
			AuthorID:        input.AuthorID,
			Limit:           limit,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a release request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		r, err := cfg.Store.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(r)}, nil
	})
}

func registerGroups(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-group",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/groups",
		Summary:       "Create a file group on a request",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CreateGroupRequest `json:"body"`
	}) (*struct {
		Body FileGroupResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		g, err := cfg.Controller.CreateGroup(ctx, controller.CreateGroupOptions{
			RequestID: input.ID,
			Name:      input.Body.Name,
			Context:   input.Body.Context,
			Controls:  input.Body.Controls,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FileGroupResponse `json:"body"`
		}{Body: groupResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/groups",
		Summary:     "List a request's file groups",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []FileGroupResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListFileGroups(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FileGroupResponse `json:"body"`
		}{Body: mapGroups(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-group",
		Method:      http.MethodPatch,
		Path:        "/groups/{id}",
		Summary:     "Edit a file group's context/controls",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body EditGroupRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Controller.EditGroup(ctx, controller.EditGroupOptions{
			GroupID:  input.ID,
			Context:  input.Body.Context,
			Controls: input.Body.Controls,
			ActorID:  actorID,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerFiles(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-file",
		Method:        http.MethodPost,
		Path:          "/groups/{id}/files",
		Summary:       "Attach a workspace file to a group",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AddFileRequest `json:"body"`
	}) (*struct {
		Body RequestFileResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.RelPath) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "relpath is required", nil)
		}
		ftype := domain.FileType(input.Body.FileType)
		if ftype != domain.FileTypeOutput && ftype != domain.FileTypeSupporting {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "filetype must be OUTPUT or SUPPORTING", nil)
		}
		f, err := cfg.Controller.AddFile(ctx, controller.AddFileOptions{
			GroupID:  input.ID,
			RelPath:  input.Body.RelPath,
			FileType: ftype,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestFileResponse `json:"body"`
		}{Body: fileResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-files",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/files",
		Summary:     "List a request's attached files",
	}, func(ctx context.Context, input *struct {
		ID                string `path:"id"`
		IncludeWithdrawn  bool   `query:"include_withdrawn"`
	}) (*struct {
		Body []RequestFileResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListRequestFiles(ctx, input.ID, input.IncludeWithdrawn)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestFileResponse `json:"body"`
		}{Body: mapFiles(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-file",
		Method:      http.MethodPost,
		Path:        "/files/{id}/repin",
		Summary:     "Re-pin a file's content hash from the live workspace",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestFileResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := cfg.Controller.UpdateFile(ctx, controller.UpdateFileOptions{FileID: input.ID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestFileResponse `json:"body"`
		}{Body: fileResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-file",
		Method:      http.MethodDelete,
		Path:        "/files/{id}",
		Summary:     "Withdraw a file from its request",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Controller.WithdrawFile(ctx, controller.WithdrawFileOptions{FileID: input.ID, ActorID: actorID}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerComments(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/groups/{id}/comments",
		Summary:       "Comment on a file group",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body CommentRequest `json:"body"`
	}) (*struct {
		Body CommentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		visibility := domain.CommentVisibility(input.Body.Visibility)
		if visibility == "" {
			visibility = domain.VisibilityPublic
		}
		c, err := cfg.Controller.Comment(ctx, controller.CommentOptions{
			GroupID:    input.ID,
			Text:       input.Body.Text,
			Visibility: visibility,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommentResponse `json:"body"`
		}{Body: commentResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/groups/{id}/comments",
		Summary:     "List a file group's visible comments",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []CommentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		isReviewer, err := cfg.Identity.IsReviewer(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Store.ListComments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		visible := make([]domain.Comment, 0, len(items))
		for _, c := range items {
			if commentVisibleTo(c, actorID, isReviewer) {
				visible = append(visible, c)
			}
		}
		return &struct {
			Body []CommentResponse `json:"body"`
		}{Body: mapComments(visible)}, nil
	})
}

func registerVotes(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "cast-vote",
		Method:        http.MethodPost,
		Path:          "/files/{id}/votes",
		Summary:       "Cast or update a vote on a file",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body VoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		choice := domain.VoteChoice(input.Body.Choice)
		v, err := cfg.Controller.Vote(ctx, controller.VoteOptions{FileID: input.ID, Choice: choice, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: voteResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/votes",
		Summary:     "List votes for a request's current review turn, blinded during an active partial review",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []VoteResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := cfg.Store.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		votes, err := cfg.Store.ListVotesForRequest(ctx, req.ID, req.ReviewTurn)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VoteResponse `json:"body"`
		}{Body: mapVotes(blindedVotes(votes, req.Status, actorID))}, nil
	})
}

func registerLifecycle(api huma.API, cfg Config) {
	transition := func(opID, method, segment, summary string, run func(ctx context.Context, id, actorID string) (domain.Request, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      method,
			Path:        "/requests/{id}/" + segment,
			Summary:     summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body RequestResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			r, err := run(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body RequestResponse `json:"body"`
			}{Body: requestResponse(r)}, nil
		})
	}

	transition("submit-request", http.MethodPost, "submit", "Submit a pending request for review", cfg.Controller.Submit)
	transition("resubmit-request", http.MethodPost, "resubmit", "Resubmit a returned request for review", cfg.Controller.Resubmit)
	transition("return-request", http.MethodPost, "return", "Return a request to the author for changes", cfg.Controller.Return)
	transition("reject-request", http.MethodPost, "reject", "Reject a request", cfg.Controller.Reject)
	transition("withdraw-request", http.MethodPost, "withdraw", "Withdraw a request", cfg.Controller.Withdraw)
	transition("approve-request", http.MethodPost, "approve", "Approve a request whose output files are all APPROVED", cfg.Controller.Approve)

	huma.Register(api, huma.Operation{
		OperationID: "submit-review",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/review",
		Summary:     "Submit a reviewer's review for the current turn",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := cfg.Controller.SubmitReview(ctx, controller.SubmitReviewOptions{RequestID: input.ID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/release",
		Summary:     "Queue an approved request's output files for upload to the Jobs site",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Request     RequestResponse     `json:"request"`
			UploadJobs  []UploadJobResponse `json:"upload_jobs"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, jobs, err := cfg.Controller.ReleaseFiles(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Request    RequestResponse     `json:"request"`
				UploadJobs []UploadJobResponse `json:"upload_jobs"`
			} `json:"body"`
		}{}
		resp.Body.Request = requestResponse(r)
		resp.Body.UploadJobs = mapUploadJobs(jobs)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "re-release-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/re-release",
		Summary:     "Re-enqueue failed uploads for an approved request",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []UploadJobResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		jobs, err := cfg.Controller.ReRelease(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UploadJobResponse `json:"body"`
		}{Body: mapUploadJobs(jobs)}, nil
	})
}

func registerWorkspace(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workspace-files",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace}/files",
		Summary:     "List a workspace's files with their release status relative to a request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Workspace string `path:"workspace"`
		RequestID string `query:"request_id"`
	}) (*struct {
		Body []WorkspaceFileResponse `json:"body"`
	}, error) {
		ws := cfg.Workspace(input.Workspace)
		entries, err := ws.List()
		if err != nil {
			return nil, handleError(err)
		}

		lookup := workspace.RequestFileLookup(func(string) (string, bool) { return "", false })
		released := false
		if input.RequestID != "" {
			req, err := cfg.Store.GetRequest(ctx, input.RequestID)
			if err != nil {
				return nil, handleError(err)
			}
			released = req.Status == domain.StatusReleased
			files, err := cfg.Store.ListRequestFiles(ctx, req.ID, false)
			if err != nil {
				return nil, handleError(err)
			}
			byPath := make(map[string]domain.RequestFile, len(files))
			for _, f := range files {
				byPath[f.RelPath] = f
			}
			lookup = func(relpath string) (string, bool) {
				f, ok := byPath[relpath]
				return f.ContentHash, ok
			}
		}

		out := make([]WorkspaceFileResponse, 0, len(entries))
		for _, e := range entries {
			status, err := ws.StatusRelativeTo(e.RelPath, lookup, released)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, workspaceFileResponse(e, status))
		}
		return &struct {
			Body []WorkspaceFileResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAuditLog(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-log",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/audit-log",
		Summary:     "List a request's audit trail",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" default:"100"`
	}) (*struct {
		Body []AuditLogEntryResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListAuditLog(ctx, input.ID, input.AfterID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditLogEntryResponse `json:"body"`
		}{Body: mapAuditEntries(items)}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent lifecycle events, for cursor-based polling",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Cursor string `query:"cursor"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body struct {
			Items      []EventResponse `json:"items"`
			NextCursor string          `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		var afterID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			afterID = parsed
		}
		items, err := cfg.Store.EventsAfter(ctx, afterID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items      []EventResponse `json:"items"`
				NextCursor string          `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		resp.Body.Items = mapEvents(items)
		if len(items) > 0 {
			resp.Body.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-events",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/events",
		Summary:     "List a request's lifecycle events",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListEventsForRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerUploads(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-upload-jobs",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/upload-jobs",
		Summary:     "List a request's upload jobs",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []UploadJobResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListUploadJobsForRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UploadJobResponse `json:"body"`
		}{Body: mapUploadJobs(items)}, nil
	})
}

func registerRBAC(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/grant",
		Summary:     "Grant a role to an actor",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		tx, err := cfg.Store.BeginTx(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := cfg.Store.AssignRole(ctx, tx, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal's roles and permissions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := cfg.Identity.Roles(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := cfg.Identity.Permissions(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     actorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

// registerDevAuth exposes a JWT-minting endpoint for local development when
// AllowLegacyActorHeader is the only other entry point; it must never be
// reachable in a deployment that has a real identity provider in front.
func registerDevAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(cfg.Auth.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, actorID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func commentVisibleTo(c domain.Comment, actorID string, actorIsReviewer bool) bool {
	if c.Visibility == domain.VisibilityPublic {
		return true
	}
	return actorIsReviewer || c.AuthorID == actorID
}

func blindedVotes(votes []domain.Vote, status domain.RequestStatus, viewerReviewerID string) []domain.Vote {
	return review.BlindedVotes(votes, status, viewerReviewerID)
}
