package review_test

import (
	"testing"

	"airlock/internal/domain"
	"airlock/internal/review"
)

func vote(reviewer string, choice domain.VoteChoice) domain.Vote {
	return domain.Vote{ReviewerID: reviewer, Choice: choice}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name  string
		votes []domain.Vote
		want  domain.Decision
	}{
		{"no votes", nil, domain.DecisionIncomplete},
		{"only undecided", []domain.Vote{vote("r1", domain.VoteUndecided)}, domain.DecisionIncomplete},
		{"all approve", []domain.Vote{vote("r1", domain.VoteApprove), vote("r2", domain.VoteApprove)}, domain.DecisionApproved},
		{"all changes", []domain.Vote{vote("r1", domain.VoteRequestChanges)}, domain.DecisionChangesRequested},
		{"mixed", []domain.Vote{vote("r1", domain.VoteApprove), vote("r2", domain.VoteRequestChanges)}, domain.DecisionConflicted},
	}
	for _, c := range cases {
		if got := review.Decide(c.votes); got != c.want {
			t.Errorf("%s: Decide() = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestAllOutputsApproved(t *testing.T) {
	files := []domain.RequestFile{
		{ID: "out1", FileType: domain.FileTypeOutput},
		{ID: "sup1", FileType: domain.FileTypeSupporting},
	}
	decisions := map[string]domain.Decision{"out1": domain.DecisionApproved, "sup1": domain.DecisionConflicted}
	if !review.AllOutputsApproved(files, decisions) {
		t.Fatalf("a CONFLICTED supporting file must not block approval, only outputs matter")
	}

	decisions["out1"] = domain.DecisionChangesRequested
	if review.AllOutputsApproved(files, decisions) {
		t.Fatalf("an unapproved output file must block approval")
	}
}

func TestAllOutputsApprovedRequiresAtLeastOneOutput(t *testing.T) {
	files := []domain.RequestFile{{ID: "sup1", FileType: domain.FileTypeSupporting}}
	decisions := map[string]domain.Decision{"sup1": domain.DecisionApproved}
	if review.AllOutputsApproved(files, decisions) {
		t.Fatalf("a request with no live output files has nothing to approve for release")
	}
}

func TestAllOutputsApprovedIgnoresWithdrawnFiles(t *testing.T) {
	files := []domain.RequestFile{
		{ID: "out1", FileType: domain.FileTypeOutput, WithdrawnAt: nil},
		{ID: "out2", FileType: domain.FileTypeOutput, WithdrawnAt: strPtr("2024-01-01T00:00:00Z")},
	}
	decisions := map[string]domain.Decision{"out1": domain.DecisionApproved, "out2": domain.DecisionConflicted}
	if !review.AllOutputsApproved(files, decisions) {
		t.Fatalf("a withdrawn output file's decision must not count against approval")
	}
}

func TestHasConflict(t *testing.T) {
	files := []domain.RequestFile{{ID: "f1"}}
	if review.HasConflict(files, map[string]domain.Decision{"f1": domain.DecisionChangesRequested}) {
		t.Fatalf("CHANGES_REQUESTED is not CONFLICTED")
	}
	if !review.HasConflict(files, map[string]domain.Decision{"f1": domain.DecisionConflicted}) {
		t.Fatalf("expected a CONFLICTED file to be detected")
	}
}

func TestCanSubmitReviewRequiresVoteOnEveryLiveOutputFile(t *testing.T) {
	files := []domain.RequestFile{
		{ID: "f1", FileType: domain.FileTypeOutput},
		{ID: "f2", FileType: domain.FileTypeOutput},
	}
	votesByFile := map[string][]domain.Vote{
		"f1": {vote("r1", domain.VoteApprove)},
	}
	if review.CanSubmitReview(files, votesByFile, nil, "r1", 1, false) {
		t.Fatalf("reviewer has not voted on f2 yet, should not be able to submit")
	}
	votesByFile["f2"] = []domain.Vote{vote("r1", domain.VoteApprove)}
	if !review.CanSubmitReview(files, votesByFile, nil, "r1", 1, false) {
		t.Fatalf("reviewer has voted on every live output file and should be able to submit")
	}
}

func TestCanSubmitReviewIgnoresSupportingFiles(t *testing.T) {
	files := []domain.RequestFile{
		{ID: "out1", FileType: domain.FileTypeOutput},
		{ID: "sup1", FileType: domain.FileTypeSupporting},
	}
	votesByFile := map[string][]domain.Vote{"out1": {vote("r1", domain.VoteApprove)}}
	if !review.CanSubmitReview(files, votesByFile, nil, "r1", 1, false) {
		t.Fatalf("a SUPPORTING file carries no voting obligation under 4.5(a)")
	}
}

func TestCanSubmitReviewRejectsUndecidedOnlyVote(t *testing.T) {
	files := []domain.RequestFile{{ID: "f1", FileType: domain.FileTypeOutput}}
	votesByFile := map[string][]domain.Vote{"f1": {vote("r1", domain.VoteUndecided)}}
	if review.CanSubmitReview(files, votesByFile, nil, "r1", 1, false) {
		t.Fatalf("an UNDECIDED vote is a placeholder, not a real vote")
	}
}

func TestCanSubmitReviewRejectsAlreadySubmitted(t *testing.T) {
	if review.CanSubmitReview(nil, nil, nil, "r1", 1, true) {
		t.Fatalf("a reviewer who already submitted this turn cannot submit again")
	}
}

func TestCanSubmitReviewSkipsWithdrawnFiles(t *testing.T) {
	files := []domain.RequestFile{{ID: "f1", FileType: domain.FileTypeOutput, WithdrawnAt: strPtr("2024-01-01T00:00:00Z")}}
	if !review.CanSubmitReview(files, nil, nil, "r1", 1, false) {
		t.Fatalf("a withdrawn file needs no vote before submission")
	}
}

func TestCanSubmitReviewRequiresCommentWhenRequestingChanges(t *testing.T) {
	files := []domain.RequestFile{{ID: "f1", GroupID: "g1", FileType: domain.FileTypeOutput}}
	votesByFile := map[string][]domain.Vote{"f1": {vote("r1", domain.VoteRequestChanges)}}
	if review.CanSubmitReview(files, votesByFile, nil, "r1", 1, false) {
		t.Fatalf("requesting changes on a group without a comment must block submission (4.5b)")
	}
	commentsByGroup := map[string][]domain.Comment{
		"g1": {{AuthorID: "r1", ReviewTurn: 1}},
	}
	if !review.CanSubmitReview(files, votesByFile, commentsByGroup, "r1", 1, false) {
		t.Fatalf("a comment on the group in this turn should satisfy 4.5b")
	}
}

func TestCanSubmitReviewIgnoresCommentsFromOtherTurns(t *testing.T) {
	files := []domain.RequestFile{{ID: "f1", GroupID: "g1", FileType: domain.FileTypeOutput}}
	votesByFile := map[string][]domain.Vote{"f1": {vote("r1", domain.VoteRequestChanges)}}
	commentsByGroup := map[string][]domain.Comment{
		"g1": {{AuthorID: "r1", ReviewTurn: 0}},
	}
	if review.CanSubmitReview(files, votesByFile, commentsByGroup, "r1", 1, false) {
		t.Fatalf("a comment from a prior turn does not satisfy this turn's requirement")
	}
}

func TestAllReviewsSubmitted(t *testing.T) {
	if review.AllReviewsSubmitted(nil, nil) {
		t.Fatalf("no voting reviewers yet means the turn cannot be complete")
	}
	ids := []string{"r1", "r2"}
	if review.AllReviewsSubmitted(ids, map[string]bool{"r1": true}) {
		t.Fatalf("r2 has not submitted yet")
	}
	if !review.AllReviewsSubmitted(ids, map[string]bool{"r1": true, "r2": true}) {
		t.Fatalf("both reviewers submitted, turn should be complete")
	}
}

func TestVisibleToPrivateComment(t *testing.T) {
	c := domain.Comment{Visibility: domain.VisibilityPrivate, AuthorID: "reviewer-1"}
	if review.VisibleTo(c, "author-1", false) {
		t.Fatalf("a PRIVATE reviewer note must never be visible to the author under review")
	}
	if !review.VisibleTo(c, "reviewer-2", true) {
		t.Fatalf("PRIVATE comments are visible to other output-checkers")
	}
	if !review.VisibleTo(c, "reviewer-1", false) {
		t.Fatalf("a comment's own author can always see it")
	}
}

func TestVisibleToPublicComment(t *testing.T) {
	c := domain.Comment{Visibility: domain.VisibilityPublic, AuthorID: "reviewer-1"}
	if !review.VisibleTo(c, "author-1", false) {
		t.Fatalf("PUBLIC comments are visible to everyone with access")
	}
}

func TestBlindedVotes(t *testing.T) {
	votes := []domain.Vote{vote("r1", domain.VoteApprove), vote("r2", domain.VoteRequestChanges)}
	if got := review.BlindedVotes(votes, domain.StatusSubmitted, "r1"); len(got) != 1 || got[0].ReviewerID != "r1" {
		t.Fatalf("while SUBMITTED, reviewer r1 must see only their own vote, got %v", got)
	}
	if got := review.BlindedVotes(votes, domain.StatusPartiallyReviewed, "r2"); len(got) != 1 || got[0].ReviewerID != "r2" {
		t.Fatalf("while PARTIALLY_REVIEWED, reviewer r2 must see only their own vote, got %v", got)
	}
	if got := review.BlindedVotes(votes, domain.StatusReviewed, "r1"); len(got) != 2 {
		t.Fatalf("once REVIEWED, full vote visibility should resume, got %v", got)
	}
}

func TestReturnGateNormalReturnRequiresComment(t *testing.T) {
	files := []domain.RequestFile{{ID: "f1", GroupID: "g1"}}
	decisions := map[string]domain.Decision{"f1": domain.DecisionChangesRequested}
	if review.ReturnGate(files, decisions, nil, 1, false) {
		t.Fatalf("a group with a CHANGES_REQUESTED file needs a PUBLIC comment before returning")
	}
	commentsByGroup := map[string][]domain.Comment{
		"g1": {{Visibility: domain.VisibilityPrivate, ReviewTurn: 1}},
	}
	if review.ReturnGate(files, decisions, commentsByGroup, 1, false) {
		t.Fatalf("a PRIVATE comment does not satisfy the return gate")
	}
	commentsByGroup["g1"] = []domain.Comment{{Visibility: domain.VisibilityPublic, ReviewTurn: 1}}
	if !review.ReturnGate(files, decisions, commentsByGroup, 1, false) {
		t.Fatalf("a PUBLIC comment from this turn should satisfy the return gate")
	}
}

func TestReturnGateIgnoresCleanGroups(t *testing.T) {
	files := []domain.RequestFile{{ID: "f1", GroupID: "g1"}}
	decisions := map[string]domain.Decision{"f1": domain.DecisionApproved}
	if !review.ReturnGate(files, decisions, nil, 1, false) {
		t.Fatalf("a group with no CHANGES_REQUESTED/CONFLICTED file needs no comment")
	}
}

func TestReturnGateEarlyReturnWaivesComment(t *testing.T) {
	files := []domain.RequestFile{{ID: "f1", GroupID: "g1"}}
	decisions := map[string]domain.Decision{"f1": domain.DecisionConflicted}
	if !review.ReturnGate(files, decisions, nil, 1, true) {
		t.Fatalf("an early return from SUBMITTED/PARTIALLY_REVIEWED waives the comment requirement")
	}
}

func strPtr(s string) *string { return &s }
