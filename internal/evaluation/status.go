package evaluation

import (
	"sort"

	"chronicle/governance/internal/store"
)

type Status string

const (
	StatusDraft            Status = "draft"
	StatusDiscussion       Status = "discussion"
	StatusVoteActive       Status = "vote_active"
	StatusVoteClosed       Status = "vote_closed"
	StatusEvaluationActive Status = "evaluation_active"
	StatusEvaluationClosed Status = "evaluation_closed"
	StatusReviewed         Status = "reviewed"
	StatusPublished        Status = "published"
)

type statusKey struct {
	step      store.StepType
	hasResult bool
}

// A current step only carries a result when it closed the workflow: a
// failed step halts it and a passed final step concludes it. The "result
// present" column therefore reads as "closed".
var statusTable = map[statusKey]Status{
	{store.StepFeedback, false}:      StatusDiscussion,
	{store.StepFeedback, true}:       StatusDiscussion,
	{store.StepVote, false}:          StatusVoteActive,
	{store.StepVote, true}:           StatusVoteClosed,
	{store.StepRubric, false}:        StatusEvaluationActive,
	{store.StepRubric, true}:         StatusEvaluationClosed,
	{store.StepPassFail, false}:      StatusEvaluationActive,
	{store.StepPassFail, true}:       StatusReviewed,
	{store.StepSignDocuments, false}: StatusEvaluationActive,
	{store.StepSignDocuments, true}:  StatusEvaluationClosed,
}

// ResolveStatus derives the proposal status from its evaluation steps.
func ResolveStatus(evaluations []store.Evaluation, draft bool) Status {
	if draft {
		return StatusDraft
	}
	current, ok := CurrentStep(evaluations)
	if !ok {
		return StatusPublished
	}
	if status, ok := statusTable[statusKey{current.Type, current.Result != nil}]; ok {
		return status
	}
	return StatusEvaluationActive
}

// CurrentStep returns the lowest-index step that has no result, unless an
// earlier step closed the workflow. A failed step halts the workflow and
// stays current, except a final step, whose failure hands over to the next
// step. A passed final step concludes the workflow and stays current. Steps
// are ordered by Index, never by slice position.
func CurrentStep(evaluations []store.Evaluation) (store.Evaluation, bool) {
	ordered := make([]store.Evaluation, len(evaluations))
	copy(ordered, evaluations)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	for _, evaluation := range ordered {
		switch {
		case evaluation.Result == nil:
			return evaluation, true
		case *evaluation.Result == store.ResultFail && !evaluation.FinalStep:
			return evaluation, true
		case *evaluation.Result == store.ResultPass && evaluation.FinalStep:
			return evaluation, true
		}
	}
	return store.Evaluation{}, false
}
