// Package audit is the Audit Log (spec §4.9): an append-only, per-request
// trail of every mutating controller operation, independent of the Event
// Sink's external-subscriber-facing event stream. Entries carry a human
// message derived from their kind, supplementing the bare structured record
// the way the original system's audit message catalog does.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"airlock/internal/domain"
	"airlock/internal/store"
)

// Kind names one audited action.
type Kind string

const (
	KindRequestCreated   Kind = "request_created"
	KindFileAdded        Kind = "file_added"
	KindFileUpdated      Kind = "file_updated"
	KindFileWithdrawn    Kind = "file_withdrawn"
	KindGroupEdited       Kind = "group_edited"
	KindCommentAdded     Kind = "comment_added"
	KindVoteCast         Kind = "vote_cast"
	KindReviewSubmitted  Kind = "review_submitted"
	KindRequestSubmitted Kind = "request_submitted"
	KindRequestReturned  Kind = "request_returned"
	KindRequestRejected  Kind = "request_rejected"
	KindRequestApproved  Kind = "request_approved"
	KindUploadsQueued    Kind = "uploads_queued"
	KindRequestReleased  Kind = "request_released"
	KindRequestWithdrawn Kind = "request_withdrawn"
	KindUploadFailed     Kind = "upload_failed"
	KindUploadSucceeded  Kind = "upload_succeeded"
)

// messageFormats renders a human-readable audit message per kind, the way
// the original system's AUDIT_MSG_FORMATS catalog turns a structured kind
// into prose for the audit trail UI.
var messageFormats = map[Kind]string{
	KindRequestCreated:   "%s created the request",
	KindFileAdded:        "%s added %s",
	KindFileUpdated:      "%s updated %s",
	KindFileWithdrawn:    "%s withdrew %s",
	KindGroupEdited:       "%s edited the context/controls of %s",
	KindCommentAdded:     "%s commented on %s",
	KindVoteCast:         "%s voted on %s",
	KindReviewSubmitted:  "%s submitted their review",
	KindRequestSubmitted: "%s submitted the request for review",
	KindRequestReturned:  "%s returned the request for changes",
	KindRequestRejected:  "%s rejected the request",
	KindRequestApproved:  "%s approved the request",
	KindUploadsQueued:    "%s queued the approved outputs for upload",
	KindRequestReleased:  "%s released the request",
	KindRequestWithdrawn: "%s withdrew the request",
	KindUploadFailed:     "upload of %[2]s failed",
	KindUploadSucceeded:  "%[2]s uploaded",
}

// Message renders the human-readable form of an entry, falling back to the
// bare kind for any kind not in the catalog.
func Message(entry domain.AuditLogEntry) string {
	format, ok := messageFormats[Kind(entry.Kind)]
	if !ok {
		return entry.Kind
	}
	if entry.Path != "" {
		return fmt.Sprintf(format, entry.ActorID, entry.Path)
	}
	return fmt.Sprintf(format, entry.ActorID)
}

// Log appends audit entries inside a caller-managed transaction.
type Log struct {
	Store store.Store
	Now   func() time.Time
}

func New(s store.Store) Log { return Log{Store: s, Now: time.Now} }

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append records one audited action.
func (l Log) Append(ctx context.Context, tx *sql.Tx, requestID, actorID string, kind Kind, path string, extras map[string]any) error {
	raw := "{}"
	if len(extras) > 0 {
		b, err := json.Marshal(extras)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	return l.Store.AppendAuditLog(ctx, tx, domain.AuditLogEntry{
		RequestID: requestID,
		ActorID:   actorID,
		Kind:      string(kind),
		Path:      path,
		ExtrasRaw: raw,
		CreatedAt: l.now().UTC().Format(time.RFC3339),
	})
}

// ListForRequest returns a request's audit trail, oldest-first.
func (l Log) ListForRequest(ctx context.Context, requestID string, afterID int64, limit int) ([]domain.AuditLogEntry, error) {
	return l.Store.ListAuditLog(ctx, requestID, afterID, limit)
}
