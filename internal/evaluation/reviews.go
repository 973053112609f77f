package evaluation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"chronicle/governance/internal/store"
)

type CriterionScore struct {
	CriterionID string `json:"criterionId" validate:"required"`
	Score       int    `json:"score"`
	Comment     string `json:"comment,omitempty" validate:"max=2000"`
}

type SubmitReviewInput struct {
	EvaluationID string `json:"evaluationId" validate:"required"`
	ReviewerID   string `json:"reviewerId" validate:"required"`
	// ReviewerRoles lets a reviewer act through a role grantee.
	ReviewerRoles  []string         `json:"reviewerRoles,omitempty"`
	Result         store.Result     `json:"result" validate:"required,oneof=pass fail"`
	DeclineReasons []string         `json:"declineReasons,omitempty" validate:"dive,required,max=500"`
	Scores         []CriterionScore `json:"scores,omitempty" validate:"dive"`
}

// SubmitReview records one reviewer's verdict on the current step and, when
// the step's aggregation policy is satisfied, writes the step result. The
// review insert, the re-read of the lane and the result write share a single
// transaction that holds the evaluation row lock.
func (e *Engine) SubmitReview(ctx context.Context, in SubmitReviewInput) (evaluation store.Evaluation, err error) {
	defer func(started time.Time) { observe("submit_review", started, err) }(time.Now())

	if err := validateInput(in); err != nil {
		return store.Evaluation{}, err
	}

	var proposal store.Proposal
	var lane store.Lane
	err = e.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		proposal, evaluation, err = e.lockStep(ctx, tx, in.EvaluationID)
		if err != nil {
			return err
		}
		if evaluation.Type == store.StepSignDocuments {
			return conflict(CodeDocumentGated, "sign_documents steps complete from document status only")
		}

		lane = store.LanePrimary
		reviewers := evaluation.Reviewers
		if appealOpen(evaluation) {
			lane = store.LaneAppeal
			reviewers = appealReviewers(evaluation)
		}
		if evaluation.Type == store.StepFeedback && len(reviewers) == 0 {
			reviewers = proposal.Authors
		}
		granteeID, ok := matchGrantee(reviewers, in.ReviewerID, in.ReviewerRoles)
		if !ok {
			return unauthorized(CodeNotReviewer, "reviewer is not assigned to this step")
		}

		if proposal.Archived {
			return conflict(CodeProposalArchived, "proposal is archived")
		}
		if proposal.Draft {
			return conflict(CodeProposalDraft, "proposal is still a draft")
		}
		if evaluation.Result != nil {
			return conflict(CodeStepClosed, "step already has a result")
		}
		siblings, err := tx.ListEvaluations(ctx, proposal.ID)
		if err != nil {
			return err
		}
		if current, ok := CurrentStep(siblings); !ok || current.ID != evaluation.ID {
			return conflict(CodeNotCurrentStep, "step is not the proposal's current step")
		}
		if slices.ContainsFunc(evaluation.ReviewsFor(lane), func(r store.Review) bool { return r.ReviewerID == in.ReviewerID }) {
			return conflict(CodeAlreadyReviewed, "reviewer already submitted a review for this step")
		}
		if evaluation.Type == store.StepFeedback && in.Result != store.ResultPass {
			return invalidInput("feedback steps can only be closed with pass", map[string]string{"Result": "eq=pass"})
		}
		answers, err := e.rubricAnswers(evaluation, lane, in)
		if err != nil {
			return err
		}

		now := e.now()
		review := store.Review{
			ID:             e.newID("rev"),
			EvaluationID:   evaluation.ID,
			Lane:           lane,
			ReviewerID:     in.ReviewerID,
			GranteeID:      granteeID,
			Result:         in.Result,
			DeclineReasons: dedupe(in.DeclineReasons),
			CompletedAt:    now,
		}
		if err := tx.InsertReview(ctx, review); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return conflict(CodeAlreadyReviewed, "reviewer already submitted a review for this step")
			}
			return err
		}
		if len(answers) > 0 {
			if err := tx.InsertRubricAnswers(ctx, answers); err != nil {
				return err
			}
		}

		evaluation, err = tx.LockEvaluation(ctx, evaluation.ID)
		if err != nil {
			return lookupErr(err, "evaluation")
		}
		result, decided := e.policyFor(evaluation.Aggregation.Policy).Decide(tallyFor(evaluation, lane))
		if !decided {
			return nil
		}
		outcome := store.EvaluationOutcome{Result: &result, CompletedAt: &now}
		if result == store.ResultFail {
			outcome.DeclinedAt = &now
		}
		if err := tx.UpdateEvaluationOutcome(ctx, evaluation.ID, outcome); err != nil {
			return err
		}
		evaluation.Result = outcome.Result
		evaluation.CompletedAt = outcome.CompletedAt
		evaluation.DeclinedAt = outcome.DeclinedAt
		proposal, err = e.refreshStatus(ctx, tx, proposal)
		return err
	})
	if err != nil {
		return store.Evaluation{}, err
	}

	reviewsSubmitted.WithLabelValues(string(evaluation.Type), string(lane), string(in.Result)).Inc()
	if evaluation.Result != nil {
		stepsCompleted.WithLabelValues(string(evaluation.Type), string(*evaluation.Result)).Inc()
		e.logger.Info("evaluation step completed",
			"evaluation_id", evaluation.ID,
			"proposal_id", proposal.ID,
			"lane", lane,
			"result", *evaluation.Result,
		)
		e.afterProposalCommit(proposal)
	}
	return evaluation, nil
}

// rubricAnswers checks that a rubric review scores every criterion exactly
// once within its range. Other step types take no scores.
func (e *Engine) rubricAnswers(evaluation store.Evaluation, lane store.Lane, in SubmitReviewInput) ([]store.RubricAnswer, error) {
	if evaluation.Type != store.StepRubric {
		if len(in.Scores) > 0 {
			return nil, invalidInput("only rubric steps accept scores", map[string]string{"Scores": "excluded"})
		}
		return nil, nil
	}

	byID := make(map[string]store.RubricCriterion, len(evaluation.Criteria))
	for _, criterion := range evaluation.Criteria {
		byID[criterion.ID] = criterion
	}
	seen := make(map[string]struct{}, len(in.Scores))
	details := map[string]string{}
	now := e.now()
	answers := make([]store.RubricAnswer, 0, len(in.Scores))
	for i, score := range in.Scores {
		field := fmt.Sprintf("Scores[%d]", i)
		criterion, ok := byID[score.CriterionID]
		if !ok {
			details[field+".CriterionID"] = "unknown"
			continue
		}
		if _, dup := seen[score.CriterionID]; dup {
			details[field+".CriterionID"] = "unique"
			continue
		}
		seen[score.CriterionID] = struct{}{}
		if score.Score < criterion.Min || score.Score > criterion.Max {
			details[field+".Score"] = fmt.Sprintf("range=%d..%d", criterion.Min, criterion.Max)
			continue
		}
		answers = append(answers, store.RubricAnswer{
			ID:           e.newID("ans"),
			EvaluationID: evaluation.ID,
			CriterionID:  criterion.ID,
			Lane:         lane,
			ReviewerID:   in.ReviewerID,
			Score:        score.Score,
			Comment:      strings.TrimSpace(score.Comment),
			CreatedAt:    now,
		})
	}
	for _, criterion := range evaluation.Criteria {
		if _, ok := seen[criterion.ID]; !ok {
			details["Scores."+criterion.ID] = "required"
		}
	}
	if len(details) > 0 {
		return nil, invalidInput("rubric scores are incomplete or out of range", details)
	}
	return answers, nil
}

// matchGrantee resolves which reviewer grantee the caller acts through:
// their own user id first, then any of their roles.
func matchGrantee(grantees []string, reviewerID string, roles []string) (string, bool) {
	if slices.Contains(grantees, reviewerID) {
		return reviewerID, true
	}
	for _, role := range roles {
		if role != "" && slices.Contains(grantees, role) {
			return role, true
		}
	}
	return "", false
}
