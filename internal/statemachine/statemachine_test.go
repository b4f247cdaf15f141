package statemachine_test

import (
	"testing"

	"airlock/internal/domain"
	"airlock/internal/statemachine"
)

func TestEvaluateSubmit(t *testing.T) {
	tr, ok := statemachine.Evaluate(domain.StatusPending, domain.StatusSubmitted, statemachine.ActorAuthor, statemachine.TriggerSubmit)
	if !ok {
		t.Fatalf("expected PENDING -> SUBMITTED to be legal for the author")
	}
	if tr.FlipsTurn {
		t.Fatalf("submit should not flip the turn")
	}
}

func TestEvaluateRejectsWrongActor(t *testing.T) {
	if _, ok := statemachine.Evaluate(domain.StatusPending, domain.StatusSubmitted, statemachine.ActorReviewer, statemachine.TriggerSubmit); ok {
		t.Fatalf("a reviewer should not be able to submit a request")
	}
}

func TestEvaluateRejectsUnknownEdge(t *testing.T) {
	if _, ok := statemachine.Evaluate(domain.StatusRejected, domain.StatusApproved, statemachine.ActorReviewer, statemachine.TriggerApprove); ok {
		t.Fatalf("REJECTED is terminal and has no outgoing edges")
	}
}

func TestResubmitFlipsTurn(t *testing.T) {
	tr, ok := statemachine.Evaluate(domain.StatusReturned, domain.StatusSubmitted, statemachine.ActorAuthor, statemachine.TriggerResubmit)
	if !ok {
		t.Fatalf("expected RETURNED -> SUBMITTED to be legal for the author")
	}
	if !tr.FlipsTurn {
		t.Fatalf("resubmit must flip the turn, starting a fresh review round")
	}
}

func TestReturnFlipsTurn(t *testing.T) {
	tr, ok := statemachine.Evaluate(domain.StatusReviewed, domain.StatusReturned, statemachine.ActorReviewer, statemachine.TriggerReturn)
	if !ok {
		t.Fatalf("expected REVIEWED -> RETURNED to be legal for a reviewer")
	}
	if !tr.FlipsTurn {
		t.Fatalf("return must flip the turn back to the author")
	}
}

func TestEarlyReturnFlipsTurnFromSubmitted(t *testing.T) {
	tr, ok := statemachine.Evaluate(domain.StatusSubmitted, domain.StatusReturned, statemachine.ActorReviewer, statemachine.TriggerEarlyReturn)
	if !ok {
		t.Fatalf("expected SUBMITTED -> RETURNED to be legal for a reviewer via early-return")
	}
	if !tr.FlipsTurn {
		t.Fatalf("early-return must flip the turn back to the author")
	}
}

func TestEarlyReturnFlipsTurnFromPartiallyReviewed(t *testing.T) {
	tr, ok := statemachine.Evaluate(domain.StatusPartiallyReviewed, domain.StatusReturned, statemachine.ActorReviewer, statemachine.TriggerEarlyReturn)
	if !ok {
		t.Fatalf("expected PARTIALLY_REVIEWED -> RETURNED to be legal for a reviewer via early-return")
	}
	if !tr.FlipsTurn {
		t.Fatalf("early-return must flip the turn back to the author")
	}
}

func TestNormalReturnTriggerNotLegalFromSubmitted(t *testing.T) {
	if _, ok := statemachine.Evaluate(domain.StatusSubmitted, domain.StatusReturned, statemachine.ActorReviewer, statemachine.TriggerReturn); ok {
		t.Fatalf("the plain return trigger only applies from REVIEWED, early-return is a distinct trigger")
	}
}

func TestReleaseIsSystemTriggeredOnly(t *testing.T) {
	if _, ok := statemachine.Evaluate(domain.StatusApproved, domain.StatusReleased, statemachine.ActorReviewer, statemachine.TriggerRelease); ok {
		t.Fatalf("a reviewer must not be able to trigger the APPROVED -> RELEASED transition directly")
	}
	if _, ok := statemachine.Evaluate(domain.StatusApproved, domain.StatusReleased, statemachine.ActorSystem, statemachine.TriggerRelease); !ok {
		t.Fatalf("the scheduler, acting as the system actor, must be able to release")
	}
}

func TestDestinationForSubmitReviewIsAmbiguous(t *testing.T) {
	if _, ok := statemachine.DestinationFor(domain.StatusSubmitted, statemachine.ActorReviewer, statemachine.TriggerSubmitReview); ok {
		t.Fatalf("submit_review has two destinations from SUBMITTED and must not resolve uniquely")
	}
}

func TestDestinationForSubmitIsUnambiguous(t *testing.T) {
	to, ok := statemachine.DestinationFor(domain.StatusPending, statemachine.ActorAuthor, statemachine.TriggerSubmit)
	if !ok || to != domain.StatusSubmitted {
		t.Fatalf("expected a single PENDING -> SUBMITTED edge, got %s ok=%v", to, ok)
	}
}

func TestTurnOwner(t *testing.T) {
	cases := map[domain.RequestStatus]statemachine.Actor{
		domain.StatusPending:           statemachine.ActorAuthor,
		domain.StatusReturned:          statemachine.ActorAuthor,
		domain.StatusSubmitted:         statemachine.ActorReviewer,
		domain.StatusPartiallyReviewed: statemachine.ActorReviewer,
		domain.StatusReviewed:          statemachine.ActorReviewer,
		domain.StatusApproved:          statemachine.ActorSystem,
	}
	for status, want := range cases {
		if got := statemachine.TurnOwner(status); got != want {
			t.Fatalf("TurnOwner(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []domain.RequestStatus{domain.StatusReleased, domain.StatusRejected, domain.StatusWithdrawn} {
		if !statemachine.IsTerminal(s) {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if statemachine.IsTerminal(domain.StatusApproved) {
		t.Fatalf("APPROVED still has an outgoing edge to RELEASED and WITHDRAWN")
	}
}
