// Package statemachine evaluates release-request status transitions
// against a single table of (from, to, actor, trigger) tuples, rather than
// a per-status switch. Every legality decision in the controller goes
// through this table (Evaluate, CanTrigger, DestinationFor) so the full
// transition table is visible and testable in one place.
package statemachine

import "airlock/internal/domain"

// Actor identifies which role a trigger is restricted to.
type Actor string

const (
	ActorAuthor   Actor = "author"
	ActorReviewer Actor = "output-checker"
	ActorSystem   Actor = "system"
	ActorAny      Actor = "any"
)

// Trigger names a controller operation that can move a request's status.
type Trigger string

const (
	TriggerSubmit        Trigger = "submit"
	TriggerSubmitReview  Trigger = "submit_review"
	TriggerReturn        Trigger = "return"
	TriggerEarlyReturn   Trigger = "early-return"
	TriggerReject        Trigger = "reject"
	TriggerApprove       Trigger = "approve"
	TriggerRelease       Trigger = "release"
	TriggerWithdraw      Trigger = "withdraw"
	TriggerResubmit      Trigger = "resubmit"
	TriggerUploadFailure Trigger = "upload_failed"
)

// Transition is one legal (from, to) edge, gated by actor role and reached
// by exactly one trigger.
type Transition struct {
	From    domain.RequestStatus
	To      domain.RequestStatus
	Actor   Actor
	Trigger Trigger
	// FlipsTurn marks transitions that advance review_turn, per the turn-
	// ownership rule: a turn flips whenever the ball moves from reviewer
	// back to author or vice versa via a state change.
	FlipsTurn bool
}

// Table is the complete set of legal transitions (spec §4.4).
var Table = []Transition{
	{From: domain.StatusPending, To: domain.StatusSubmitted, Actor: ActorAuthor, Trigger: TriggerSubmit},
	{From: domain.StatusPending, To: domain.StatusWithdrawn, Actor: ActorAuthor, Trigger: TriggerWithdraw},

	{From: domain.StatusSubmitted, To: domain.StatusPartiallyReviewed, Actor: ActorReviewer, Trigger: TriggerSubmitReview},
	{From: domain.StatusSubmitted, To: domain.StatusReviewed, Actor: ActorReviewer, Trigger: TriggerSubmitReview},
	{From: domain.StatusSubmitted, To: domain.StatusWithdrawn, Actor: ActorAuthor, Trigger: TriggerWithdraw},
	{From: domain.StatusSubmitted, To: domain.StatusReturned, Actor: ActorReviewer, Trigger: TriggerEarlyReturn, FlipsTurn: true},

	{From: domain.StatusPartiallyReviewed, To: domain.StatusPartiallyReviewed, Actor: ActorReviewer, Trigger: TriggerSubmitReview},
	{From: domain.StatusPartiallyReviewed, To: domain.StatusReviewed, Actor: ActorReviewer, Trigger: TriggerSubmitReview},
	{From: domain.StatusPartiallyReviewed, To: domain.StatusWithdrawn, Actor: ActorAuthor, Trigger: TriggerWithdraw},
	{From: domain.StatusPartiallyReviewed, To: domain.StatusReturned, Actor: ActorReviewer, Trigger: TriggerEarlyReturn, FlipsTurn: true},

	{From: domain.StatusReviewed, To: domain.StatusReturned, Actor: ActorReviewer, Trigger: TriggerReturn, FlipsTurn: true},
	{From: domain.StatusReviewed, To: domain.StatusApproved, Actor: ActorReviewer, Trigger: TriggerApprove},
	{From: domain.StatusReviewed, To: domain.StatusRejected, Actor: ActorReviewer, Trigger: TriggerReject},
	{From: domain.StatusReviewed, To: domain.StatusWithdrawn, Actor: ActorAuthor, Trigger: TriggerWithdraw},

	{From: domain.StatusReturned, To: domain.StatusSubmitted, Actor: ActorAuthor, Trigger: TriggerResubmit, FlipsTurn: true},
	{From: domain.StatusReturned, To: domain.StatusWithdrawn, Actor: ActorAuthor, Trigger: TriggerWithdraw},

	{From: domain.StatusApproved, To: domain.StatusReleased, Actor: ActorSystem, Trigger: TriggerRelease},
	{From: domain.StatusApproved, To: domain.StatusWithdrawn, Actor: ActorAuthor, Trigger: TriggerWithdraw},
}

// Evaluate reports whether moving from `from` to `to` via `trigger`, acting
// as `actor`, is a legal transition, and if so returns the matching row.
func Evaluate(from, to domain.RequestStatus, actor Actor, trigger Trigger) (Transition, bool) {
	for _, t := range Table {
		if t.From != from || t.To != to || t.Trigger != trigger {
			continue
		}
		if t.Actor != ActorAny && t.Actor != actor {
			continue
		}
		return t, true
	}
	return Transition{}, false
}

// CanTrigger reports whether `trigger`, acting as `actor`, has any legal
// outgoing edge from `from` — used by the controller to reject an
// operation before it derives the destination status.
func CanTrigger(from domain.RequestStatus, actor Actor, trigger Trigger) bool {
	for _, t := range Table {
		if t.From == from && t.Trigger == trigger && (t.Actor == ActorAny || t.Actor == actor) {
			return true
		}
	}
	return false
}

// DestinationFor returns the unique destination status reachable from
// `from` via `trigger` as `actor`, when exactly one such edge exists. The
// review-submission trigger legitimately has multiple destinations
// (PARTIALLY_REVIEWED vs REVIEWED) and must be resolved by the caller using
// review-completeness, not by this lookup.
func DestinationFor(from domain.RequestStatus, actor Actor, trigger Trigger) (domain.RequestStatus, bool) {
	var found domain.RequestStatus
	count := 0
	for _, t := range Table {
		if t.From == from && t.Trigger == trigger && (t.Actor == ActorAny || t.Actor == actor) {
			found = t.To
			count++
		}
	}
	if count != 1 {
		return "", false
	}
	return found, true
}

// TurnOwner reports which role currently holds the ball for a status: the
// author while a request is being assembled or reworked, the reviewers
// while it awaits review or release.
func TurnOwner(status domain.RequestStatus) Actor {
	switch status {
	case domain.StatusPending, domain.StatusReturned:
		return ActorAuthor
	case domain.StatusSubmitted, domain.StatusPartiallyReviewed, domain.StatusReviewed:
		return ActorReviewer
	case domain.StatusApproved:
		return ActorSystem
	default:
		return ActorAny
	}
}

// IsTerminal reports whether a status has no further outgoing transitions.
func IsTerminal(status domain.RequestStatus) bool {
	return domain.TerminalStatuses[status]
}
