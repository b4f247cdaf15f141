// Package domain holds the plain data types of the release-request
// lifecycle: requests, file groups, request files, votes, comments, and
// the append-only log entries derived from them.
package domain

// RequestStatus is the tagged status of a Request.
type RequestStatus string

const (
	StatusPending           RequestStatus = "PENDING"
	StatusSubmitted         RequestStatus = "SUBMITTED"
	StatusPartiallyReviewed RequestStatus = "PARTIALLY_REVIEWED"
	StatusReviewed          RequestStatus = "REVIEWED"
	StatusReturned          RequestStatus = "RETURNED"
	StatusApproved          RequestStatus = "APPROVED"
	StatusReleased          RequestStatus = "RELEASED"
	StatusRejected          RequestStatus = "REJECTED"
	StatusWithdrawn         RequestStatus = "WITHDRAWN"
)

// SystemActorID stamps audit entries and events for transitions the Upload
// Scheduler drives on its own, with no human actor behind them.
const SystemActorID = "system"

// TerminalStatuses are the statuses excluded from invariant U1.
var TerminalStatuses = map[RequestStatus]bool{
	StatusReleased:  true,
	StatusRejected:  true,
	StatusWithdrawn: true,
}

type FileType string

const (
	FileTypeOutput     FileType = "OUTPUT"
	FileTypeSupporting FileType = "SUPPORTING"
)

type VoteChoice string

const (
	VoteApprove        VoteChoice = "APPROVE"
	VoteRequestChanges VoteChoice = "REQUEST_CHANGES"
	VoteUndecided      VoteChoice = "UNDECIDED"
)

type CommentVisibility string

const (
	VisibilityPrivate CommentVisibility = "PRIVATE"
	VisibilityPublic  CommentVisibility = "PUBLIC"
)

// Decision is the aggregated per-file outcome derived from a file's votes.
type Decision string

const (
	DecisionApproved         Decision = "APPROVED"
	DecisionChangesRequested Decision = "CHANGES_REQUESTED"
	DecisionConflicted       Decision = "CONFLICTED"
	DecisionIncomplete       Decision = "INCOMPLETE"
)

// Request is a release request: a proposal to move a subset of workspace
// files to the external Jobs site.
type Request struct {
	ID         string        `json:"id"`
	Workspace  string        `json:"workspace"`
	AuthorID   string        `json:"author_id"`
	Status     RequestStatus `json:"status" enum:"PENDING,SUBMITTED,PARTIALLY_REVIEWED,REVIEWED,RETURNED,APPROVED,RELEASED,REJECTED,WITHDRAWN"`
	ReviewTurn int           `json:"review_turn"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
	UpdatedAt  string        `json:"updated_at" format:"date-time"`
}

// FileGroup is a named collection of files inside a Request sharing one
// context/controls description.
type FileGroup struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Context   string `json:"context,omitempty"`
	Controls  string `json:"controls,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Complete reports whether the group carries both context and controls.
func (g FileGroup) Complete() bool {
	return g.Context != "" && g.Controls != ""
}

// RequestFile is a snapshot of one workspace path attached to a Request.
type RequestFile struct {
	ID              string   `json:"id"`
	GroupID         string   `json:"group_id"`
	RequestID       string   `json:"request_id"`
	RelPath         string   `json:"relpath"`
	FileType        FileType `json:"filetype" enum:"OUTPUT,SUPPORTING"`
	ContentHash     string   `json:"content_hash"`
	Size            int64    `json:"size"`
	AddedAt         string   `json:"added_at" format:"date-time"`
	AddedBy         string   `json:"added_by"`
	AddedInTurn     int      `json:"added_in_turn"`
	WithdrawnAt     *string  `json:"withdrawn_at,omitempty" format:"date-time"`
	WithdrawnInTurn *int     `json:"withdrawn_in_turn,omitempty"`
	UploadedAt      *string  `json:"uploaded_at,omitempty" format:"date-time"`
}

// Withdrawn reports whether the file has been tombstoned.
func (f RequestFile) Withdrawn() bool { return f.WithdrawnAt != nil }

// Uploaded reports whether the file's bytes have reached the Jobs site.
func (f RequestFile) Uploaded() bool { return f.UploadedAt != nil }

// Vote is one reviewer's choice on one file within one review turn.
type Vote struct {
	ID         string     `json:"id"`
	FileID     string     `json:"file_id"`
	ReviewerID string     `json:"reviewer_id"`
	Choice     VoteChoice `json:"choice" enum:"APPROVE,REQUEST_CHANGES,UNDECIDED"`
	ReviewTurn int        `json:"review_turn"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
}

// Comment is a markdown note on a FileGroup.
type Comment struct {
	ID         string            `json:"id"`
	GroupID    string            `json:"group_id"`
	AuthorID   string            `json:"author_id"`
	Text       string            `json:"text"`
	Visibility CommentVisibility `json:"visibility" enum:"PRIVATE,PUBLIC"`
	ReviewTurn int               `json:"review_turn"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

// ReviewSubmission records that a reviewer submitted their review for a turn.
type ReviewSubmission struct {
	RequestID   string `json:"request_id"`
	ReviewerID  string `json:"reviewer_id"`
	ReviewTurn  int    `json:"review_turn"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

// AuditLogEntry is one append-only record of a mutating controller operation.
type AuditLogEntry struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
	Kind      string `json:"kind"`
	Path      string `json:"path,omitempty"`
	ExtrasRaw string `json:"extras_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is a typed lifecycle event delivered to the Event Sink.
type Event struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	Workspace  string `json:"workspace"`
	AuthorID   string `json:"author_id"`
	ActorID    string `json:"actor_id"`
	Turn       int    `json:"turn"`
	TS         string `json:"ts" format:"date-time"`
	PayloadRaw string `json:"payload_json,omitempty"`
}

type UploadJobStatus string

const (
	UploadJobPending UploadJobStatus = "PENDING"
	UploadJobRunning UploadJobStatus = "RUNNING"
	UploadJobDone    UploadJobStatus = "DONE"
	UploadJobFailed  UploadJobStatus = "FAILED"
)

// UploadJob is one persistent upload task for a single request file.
type UploadJob struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	FileID        string          `json:"file_id"`
	RelPath       string          `json:"relpath"`
	ContentHash   string          `json:"content_hash"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt string          `json:"next_attempt_at" format:"date-time"`
	LastError     string          `json:"last_error,omitempty"`
	Status        UploadJobStatus `json:"status" enum:"PENDING,RUNNING,DONE,FAILED"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
}

// APIKey is a hashed credential mapped to an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
