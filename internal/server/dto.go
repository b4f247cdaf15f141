package server

import (
	"airlock/internal/audit"
	"airlock/internal/domain"
	"airlock/internal/workspace"
)

// --- Requests ----------------------------------------------------------------

type CreateRequestRequest struct {
	Workspace string `json:"workspace" example:"research-2026-q1"`
}

type RequestResponse struct {
	ID         string `json:"id"`
	Workspace  string `json:"workspace"`
	AuthorID   string `json:"author_id"`
	Status     string `json:"status"`
	ReviewTurn int    `json:"review_turn"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:         r.ID,
		Workspace:  r.Workspace,
		AuthorID:   r.AuthorID,
		Status:     string(r.Status),
		ReviewTurn: r.ReviewTurn,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

// --- File groups ---------------------------------------------------------------

type CreateGroupRequest struct {
	Name     string `json:"name" example:"table-3-main-results"`
	Context  string `json:"context,omitempty"`
	Controls string `json:"controls,omitempty"`
}

type EditGroupRequest struct {
	Context  string `json:"context,omitempty"`
	Controls string `json:"controls,omitempty"`
}

type FileGroupResponse struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Context   string `json:"context,omitempty"`
	Controls  string `json:"controls,omitempty"`
	Complete  bool   `json:"complete"`
	CreatedAt string `json:"created_at"`
}

func groupResponse(g domain.FileGroup) FileGroupResponse {
	return FileGroupResponse{
		ID:        g.ID,
		RequestID: g.RequestID,
		Name:      g.Name,
		Context:   g.Context,
		Controls:  g.Controls,
		Complete:  g.Complete(),
		CreatedAt: g.CreatedAt,
	}
}

func mapGroups(items []domain.FileGroup) []FileGroupResponse {
	out := make([]FileGroupResponse, 0, len(items))
	for _, g := range items {
		out = append(out, groupResponse(g))
	}
	return out
}

// --- Request files ---------------------------------------------------------------

type AddFileRequest struct {
	RelPath  string `json:"relpath" example:"tables/table_3.csv"`
	FileType string `json:"filetype" enum:"OUTPUT,SUPPORTING"`
}

type RequestFileResponse struct {
	ID              string `json:"id"`
	GroupID         string `json:"group_id"`
	RequestID       string `json:"request_id"`
	RelPath         string `json:"relpath"`
	FileType        string `json:"filetype"`
	ContentHash     string `json:"content_hash"`
	Size            int64  `json:"size"`
	AddedAt         string `json:"added_at"`
	AddedBy         string `json:"added_by"`
	AddedInTurn     int    `json:"added_in_turn"`
	WithdrawnAt     string `json:"withdrawn_at,omitempty"`
	WithdrawnInTurn *int   `json:"withdrawn_in_turn,omitempty"`
	UploadedAt      string `json:"uploaded_at,omitempty"`
	Decision        string `json:"decision,omitempty"`
}

func fileResponse(f domain.RequestFile) RequestFileResponse {
	out := RequestFileResponse{
		ID:          f.ID,
		GroupID:     f.GroupID,
		RequestID:   f.RequestID,
		RelPath:     f.RelPath,
		FileType:    string(f.FileType),
		ContentHash: f.ContentHash,
		Size:        f.Size,
		AddedAt:     f.AddedAt,
		AddedBy:     f.AddedBy,
		AddedInTurn: f.AddedInTurn,
		WithdrawnInTurn: f.WithdrawnInTurn,
	}
	if f.WithdrawnAt != nil {
		out.WithdrawnAt = *f.WithdrawnAt
	}
	if f.UploadedAt != nil {
		out.UploadedAt = *f.UploadedAt
	}
	return out
}

func mapFiles(items []domain.RequestFile) []RequestFileResponse {
	out := make([]RequestFileResponse, 0, len(items))
	for _, f := range items {
		out = append(out, fileResponse(f))
	}
	return out
}

// --- Comments & votes -----------------------------------------------------------

type CommentRequest struct {
	Text       string `json:"text"`
	Visibility string `json:"visibility" enum:"PRIVATE,PUBLIC" default:"PUBLIC"`
}

type CommentResponse struct {
	ID         string `json:"id"`
	GroupID    string `json:"group_id"`
	AuthorID   string `json:"author_id"`
	Text       string `json:"text"`
	Visibility string `json:"visibility"`
	ReviewTurn int    `json:"review_turn"`
	CreatedAt  string `json:"created_at"`
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse{
		ID:         c.ID,
		GroupID:    c.GroupID,
		AuthorID:   c.AuthorID,
		Text:       c.Text,
		Visibility: string(c.Visibility),
		ReviewTurn: c.ReviewTurn,
		CreatedAt:  c.CreatedAt,
	}
}

func mapComments(items []domain.Comment) []CommentResponse {
	out := make([]CommentResponse, 0, len(items))
	for _, c := range items {
		out = append(out, commentResponse(c))
	}
	return out
}

type VoteRequest struct {
	Choice string `json:"choice" enum:"APPROVE,REQUEST_CHANGES,UNDECIDED"`
}

type VoteResponse struct {
	ID         string `json:"id"`
	FileID     string `json:"file_id"`
	ReviewerID string `json:"reviewer_id"`
	Choice     string `json:"choice"`
	ReviewTurn int    `json:"review_turn"`
	CreatedAt  string `json:"created_at"`
}

func voteResponse(v domain.Vote) VoteResponse {
	return VoteResponse{
		ID:         v.ID,
		FileID:     v.FileID,
		ReviewerID: v.ReviewerID,
		Choice:     string(v.Choice),
		ReviewTurn: v.ReviewTurn,
		CreatedAt:  v.CreatedAt,
	}
}

func mapVotes(items []domain.Vote) []VoteResponse {
	out := make([]VoteResponse, 0, len(items))
	for _, v := range items {
		out = append(out, voteResponse(v))
	}
	return out
}

// --- Audit log & events ----------------------------------------------------------

type AuditLogEntryResponse struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
	Kind      string `json:"kind"`
	Path      string `json:"path,omitempty"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

func auditEntryResponse(e domain.AuditLogEntry) AuditLogEntryResponse {
	return AuditLogEntryResponse{
		ID:        e.ID,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		Kind:      e.Kind,
		Path:      e.Path,
		Message:   audit.Message(e),
		CreatedAt: e.CreatedAt,
	}
}

func mapAuditEntries(items []domain.AuditLogEntry) []AuditLogEntryResponse {
	out := make([]AuditLogEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, auditEntryResponse(e))
	}
	return out
}

type EventResponse struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Workspace string `json:"workspace"`
	AuthorID  string `json:"author_id"`
	ActorID   string `json:"actor_id"`
	Turn      int    `json:"turn"`
	TS        string `json:"ts"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		Type:      e.Type,
		RequestID: e.RequestID,
		Workspace: e.Workspace,
		AuthorID:  e.AuthorID,
		ActorID:   e.ActorID,
		Turn:      e.Turn,
		TS:        e.TS,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

// --- Upload jobs --------------------------------------------------------------

type UploadJobResponse struct {
	ID            string `json:"id"`
	RequestID     string `json:"request_id"`
	FileID        string `json:"file_id"`
	RelPath       string `json:"relpath"`
	Attempts      int    `json:"attempts"`
	Status        string `json:"status"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt string `json:"next_attempt_at"`
}

func uploadJobResponse(j domain.UploadJob) UploadJobResponse {
	return UploadJobResponse{
		ID:            j.ID,
		RequestID:     j.RequestID,
		FileID:        j.FileID,
		RelPath:       j.RelPath,
		Attempts:      j.Attempts,
		Status:        string(j.Status),
		LastError:     j.LastError,
		NextAttemptAt: j.NextAttemptAt,
	}
}

func mapUploadJobs(items []domain.UploadJob) []UploadJobResponse {
	out := make([]UploadJobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, uploadJobResponse(j))
	}
	return out
}

// --- Workspace -----------------------------------------------------------------

type WorkspaceFileResponse struct {
	RelPath     string `json:"relpath"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
	Status      string `json:"status" enum:"UNRELEASED,UNDER_REVIEW,CONTENT_UPDATED,RELEASED"`
}

func workspaceFileResponse(e workspace.Entry, status workspace.FileStatus) WorkspaceFileResponse {
	return WorkspaceFileResponse{
		RelPath:     e.RelPath,
		Size:        e.Size,
		ContentHash: e.ContentHash,
		Status:      string(status),
	}
}

// --- RBAC & identity -------------------------------------------------------------

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
