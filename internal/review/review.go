// Package review derives per-file decisions from votes, decides whether a
// reviewer may submit their review for a turn, and gates the return and
// release controller operations. Every function here is pure: it takes
// already-fetched votes/comments/files and returns an answer, leaving all
// persistence to the store and all transition legality to statemachine.
package review

import "airlock/internal/domain"

// Decide derives the aggregate decision for one file from the votes cast on
// it within a single review turn (spec §4.5):
//   - no votes at all            -> INCOMPLETE
//   - every vote APPROVE          -> APPROVED
//   - every vote REQUEST_CHANGES  -> CHANGES_REQUESTED
//   - a mix of APPROVE and REQUEST_CHANGES among reviewers -> CONFLICTED
//
// UNDECIDED votes are a reviewer's placeholder and are excluded from the
// tally; a file with only UNDECIDED votes is INCOMPLETE.
func Decide(votes []domain.Vote) domain.Decision {
	approve, changes := 0, 0
	for _, v := range votes {
		switch v.Choice {
		case domain.VoteApprove:
			approve++
		case domain.VoteRequestChanges:
			changes++
		}
	}
	switch {
	case approve == 0 && changes == 0:
		return domain.DecisionIncomplete
	case approve > 0 && changes > 0:
		return domain.DecisionConflicted
	case changes > 0:
		return domain.DecisionChangesRequested
	default:
		return domain.DecisionApproved
	}
}

// FileDecisions maps file ID to its derived decision, given that file's
// votes for the current turn.
func FileDecisions(votesByFile map[string][]domain.Vote) map[string]domain.Decision {
	out := make(map[string]domain.Decision, len(votesByFile))
	for fileID, votes := range votesByFile {
		out[fileID] = Decide(votes)
	}
	return out
}

// AllOutputsApproved reports whether every live OUTPUT file in the request
// carries an APPROVED decision — the release gate's precondition,
// regardless of whether any SUPPORTING file is CONFLICTED (Open Question 3:
// reject remains reachable with CONFLICTED files present; only release
// requires a clean bill on outputs).
func AllOutputsApproved(files []domain.RequestFile, decisions map[string]domain.Decision) bool {
	sawOutput := false
	for _, f := range files {
		if f.FileType != domain.FileTypeOutput || f.Withdrawn() {
			continue
		}
		sawOutput = true
		if decisions[f.ID] != domain.DecisionApproved {
			return false
		}
	}
	return sawOutput
}

// HasConflict reports whether any live file carries a CONFLICTED decision.
func HasConflict(files []domain.RequestFile, decisions map[string]domain.Decision) bool {
	for _, f := range files {
		if f.Withdrawn() {
			continue
		}
		if decisions[f.ID] == domain.DecisionConflicted {
			return true
		}
	}
	return false
}

// CanSubmitReview reports whether a reviewer may submit_review for a turn
// (spec §4.5):
//   - (a) a non-UNDECIDED vote from them on every live OUTPUT file, and
//   - (b) for every group containing a REQUEST_CHANGES vote by them, at
//     least one comment authored by them on that group in this turn.
//
// SUPPORTING files carry no voting obligation; commentsByGroup is keyed by
// group ID and may hold comments from any turn — only those from reviewTurn
// count.
func CanSubmitReview(files []domain.RequestFile, votesByFile map[string][]domain.Vote, commentsByGroup map[string][]domain.Comment, reviewerID string, reviewTurn int, alreadySubmitted bool) bool {
	if alreadySubmitted {
		return false
	}
	groupsNeedingComment := map[string]bool{}
	for _, f := range files {
		if f.Withdrawn() {
			continue
		}
		voted, requestedChanges := false, false
		for _, v := range votesByFile[f.ID] {
			if v.ReviewerID != reviewerID {
				continue
			}
			if v.Choice != domain.VoteUndecided {
				voted = true
			}
			if v.Choice == domain.VoteRequestChanges {
				requestedChanges = true
			}
		}
		if requestedChanges {
			groupsNeedingComment[f.GroupID] = true
		}
		if f.FileType == domain.FileTypeOutput && !voted {
			return false
		}
	}
	for groupID := range groupsNeedingComment {
		commented := false
		for _, c := range commentsByGroup[groupID] {
			if c.AuthorID == reviewerID && c.ReviewTurn == reviewTurn {
				commented = true
				break
			}
		}
		if !commented {
			return false
		}
	}
	return true
}

// ReturnGate reports whether a return to the author is allowed (spec §4.5):
// every group holding a CHANGES_REQUESTED or CONFLICTED file must carry a
// PUBLIC comment authored in the current turn. Early return — from
// SUBMITTED or PARTIALLY_REVIEWED, before every reviewer has weighed in —
// waives the requirement entirely.
func ReturnGate(files []domain.RequestFile, decisions map[string]domain.Decision, commentsByGroup map[string][]domain.Comment, reviewTurn int, earlyReturn bool) bool {
	if earlyReturn {
		return true
	}
	groupsNeedingComment := map[string]bool{}
	for _, f := range files {
		if f.Withdrawn() {
			continue
		}
		switch decisions[f.ID] {
		case domain.DecisionChangesRequested, domain.DecisionConflicted:
			groupsNeedingComment[f.GroupID] = true
		}
	}
	for groupID := range groupsNeedingComment {
		commented := false
		for _, c := range commentsByGroup[groupID] {
			if c.Visibility == domain.VisibilityPublic && c.ReviewTurn == reviewTurn {
				commented = true
				break
			}
		}
		if !commented {
			return false
		}
	}
	return true
}

// AllReviewsSubmitted reports whether every distinct reviewer who has cast
// at least one vote this turn has also submitted their review, which is the
// signal the controller uses to choose PARTIALLY_REVIEWED vs REVIEWED as
// submit_review's destination status.
func AllReviewsSubmitted(votingReviewerIDs []string, submittedReviewerIDs map[string]bool) bool {
	if len(votingReviewerIDs) == 0 {
		return false
	}
	for _, id := range votingReviewerIDs {
		if !submittedReviewerIDs[id] {
			return false
		}
	}
	return true
}

// VisibleTo reports whether a comment is visible to an actor: PUBLIC
// comments are visible to everyone with access to the request; PRIVATE
// comments are visible only to output-checkers and the comment's own
// author (C1 — a PRIVATE reviewer note must never leak to the author who is
// the subject of the review).
func VisibleTo(c domain.Comment, actorID string, actorIsReviewer bool) bool {
	if c.Visibility == domain.VisibilityPublic {
		return true
	}
	return actorIsReviewer || c.AuthorID == actorID
}

// BlindedVotes returns only the votes a viewing reviewer may see during an
// active review turn: while status is SUBMITTED or PARTIALLY_REVIEWED, a
// reviewer must see only their own votes, never another reviewer's running
// tally (independent-review blinding). Once the turn resolves to REVIEWED,
// full vote visibility resumes for every reviewer.
func BlindedVotes(votes []domain.Vote, status domain.RequestStatus, viewerReviewerID string) []domain.Vote {
	if status != domain.StatusSubmitted && status != domain.StatusPartiallyReviewed {
		return votes
	}
	var out []domain.Vote
	for _, v := range votes {
		if v.ReviewerID == viewerReviewerID {
			out = append(out, v)
		}
	}
	return out
}
