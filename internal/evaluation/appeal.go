package evaluation

import (
	"context"
	"slices"
	"strings"
	"time"

	"chronicle/governance/internal/store"
)

// AppealLane is the second review lane opened on a completed step.
type AppealLane struct {
	EvaluationID    string         `json:"evaluationId"`
	Reviewers       []string       `json:"reviewers"`
	RequiredReviews int            `json:"requiredReviews"`
	AppealedAt      time.Time      `json:"appealedAt"`
	AppealedBy      string         `json:"appealedBy"`
	OriginalResult  *store.Result  `json:"originalResult"`
	Reviews         []store.Review `json:"reviews"`
	// Created is false when the call found an existing lane.
	Created bool `json:"created"`
}

func appealable(stepType store.StepType) bool {
	switch stepType {
	case store.StepRubric, store.StepPassFail, store.StepVote:
		return true
	default:
		return false
	}
}

func appealOpen(evaluation store.Evaluation) bool {
	return evaluation.Appeal.Enabled && evaluation.Appeal.AppealedAt != nil
}

func laneFrom(evaluation store.Evaluation, created bool) AppealLane {
	lane := AppealLane{
		EvaluationID:    evaluation.ID,
		Reviewers:       appealReviewers(evaluation),
		RequiredReviews: max(evaluation.Appeal.RequiredReviews, 1),
		AppealedBy:      evaluation.Appeal.AppealedBy,
		OriginalResult:  evaluation.Appeal.OriginalResult,
		Reviews:         evaluation.ReviewsFor(store.LaneAppeal),
		Created:         created,
	}
	if evaluation.Appeal.AppealedAt != nil {
		lane.AppealedAt = *evaluation.Appeal.AppealedAt
	}
	return lane
}

// FileAppeal lets a proposal author reopen a failed rubric, pass_fail or vote
// step for a second review lane. The original result is kept on the appeal
// record and the primary reviews are left in place. Filing again returns the
// existing lane.
func (e *Engine) FileAppeal(ctx context.Context, evaluationID, appellantID string) (lane AppealLane, err error) {
	defer func(started time.Time) { observe("file_appeal", started, err) }(time.Now())

	appellantID = strings.TrimSpace(appellantID)
	if strings.TrimSpace(evaluationID) == "" || appellantID == "" {
		return AppealLane{}, invalidInput("evaluationId and appellantId are required", nil)
	}

	var proposal store.Proposal
	var evaluation store.Evaluation
	err = e.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		proposal, evaluation, err = e.lockStep(ctx, tx, evaluationID)
		if err != nil {
			return err
		}
		if !appealable(evaluation.Type) {
			return conflict(CodeNotAppealable, string(evaluation.Type)+" steps cannot be appealed")
		}
		if !slices.Contains(proposal.Authors, appellantID) {
			return unauthorized(CodeNotAuthor, "only a proposal author can appeal")
		}
		if appealOpen(evaluation) {
			lane = laneFrom(evaluation, false)
			return nil
		}
		if proposal.Archived {
			return conflict(CodeProposalArchived, "proposal is archived")
		}
		if evaluation.Result == nil {
			return conflict(CodeStepNotCompleted, "only completed steps can be appealed")
		}
		if *evaluation.Result != store.ResultFail {
			return conflict(CodeNotAppealable, "only failed steps can be appealed")
		}
		siblings, err := tx.ListEvaluations(ctx, proposal.ID)
		if err != nil {
			return err
		}
		for _, sibling := range siblings {
			if sibling.Index > evaluation.Index && sibling.Result != nil {
				return conflict(CodeLaterStepCompleted, "a later step has already completed")
			}
		}

		now := e.now()
		original := *evaluation.Result
		evaluation.Appeal = store.Appeal{
			Enabled:         true,
			Reviewers:       appealReviewers(evaluation),
			RequiredReviews: max(evaluation.Appeal.RequiredReviews, 1),
			AppealedAt:      &now,
			AppealedBy:      appellantID,
			OriginalResult:  &original,
		}
		if err := tx.UpdateEvaluationAppeal(ctx, evaluation.ID, evaluation.Appeal); err != nil {
			return err
		}
		if err := tx.UpdateEvaluationOutcome(ctx, evaluation.ID, store.EvaluationOutcome{}); err != nil {
			return err
		}
		evaluation.Result = nil
		evaluation.CompletedAt = nil
		evaluation.DeclinedAt = nil
		if proposal, err = e.refreshStatus(ctx, tx, proposal); err != nil {
			return err
		}
		lane = laneFrom(evaluation, true)
		return nil
	})
	if err != nil {
		return AppealLane{}, err
	}

	if lane.Created {
		appealsFiled.WithLabelValues(string(evaluation.Type)).Inc()
		e.logger.Info("appeal filed",
			"evaluation_id", evaluation.ID,
			"proposal_id", proposal.ID,
			"appellant_id", appellantID,
			"original_result", *lane.OriginalResult,
		)
		e.afterProposalCommit(proposal)
	}
	return lane, nil
}
