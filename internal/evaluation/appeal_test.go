package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/governance/internal/store"
)

func TestFileAppealRejectsNonAppealableSteps(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore())
	tmpl := createTemplate(t, e, feedbackStep(), signStep())
	_, evaluations := startProposal(t, e, tmpl)

	_, err := e.SubmitReview(ctx, review(evaluations[0].ID, "author-1", store.ResultPass))
	require.NoError(t, err)

	_, err = e.FileAppeal(ctx, evaluations[0].ID, "author-1")
	requireCode(t, err, ErrConflict, CodeNotAppealable)

	_, err = e.FileAppeal(ctx, evaluations[1].ID, "author-1")
	requireCode(t, err, ErrConflict, CodeNotAppealable)

	_, err = e.FileAppeal(ctx, evaluations[0].ID, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFileAppealReopensFailedStep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore())
	step := passFailStep(1, "r1")
	step.AppealReviewers = []string{"panel-1", "panel-2"}
	step.AppealRequiredReviews = 2
	tmpl := createTemplate(t, e, step, voteStep("v1"))
	proposal, evaluations := startProposal(t, e, tmpl)
	stepID := evaluations[0].ID

	_, err := e.FileAppeal(ctx, stepID, "author-1")
	requireCode(t, err, ErrConflict, CodeStepNotCompleted)

	_, err = e.SubmitReview(ctx, review(stepID, "r1", store.ResultFail))
	require.NoError(t, err)
	assert.Equal(t, StatusReviewed, statusOf(t, e, proposal.ID))

	lane, err := e.FileAppeal(ctx, stepID, "author-1")
	require.NoError(t, err)
	assert.True(t, lane.Created)
	assert.Equal(t, []string{"panel-1", "panel-2"}, lane.Reviewers)
	assert.Equal(t, 2, lane.RequiredReviews)
	assert.Equal(t, testNow, lane.AppealedAt)
	require.NotNil(t, lane.OriginalResult)
	assert.Equal(t, store.ResultFail, *lane.OriginalResult)
	assert.Empty(t, lane.Reviews)
	assert.Equal(t, StatusEvaluationActive, statusOf(t, e, proposal.ID), "the appealed step is current again")

	_, err = e.FileAppeal(ctx, stepID, "someone-else")
	requireCode(t, err, ErrUnauthorized, CodeNotAuthor)

	again, err := e.FileAppeal(ctx, stepID, "author-1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, "author-1", again.AppealedBy)

	_, err = e.SubmitReview(ctx, review(stepID, "r1", store.ResultPass))
	assert.ErrorIs(t, err, ErrUnauthorized, "primary reviewers do not sit on the appeal lane")

	open, err := e.SubmitReview(ctx, review(stepID, "panel-1", store.ResultPass))
	require.NoError(t, err)
	assert.Nil(t, open.Result)

	decided, err := e.SubmitReview(ctx, review(stepID, "panel-2", store.ResultPass))
	require.NoError(t, err)
	require.NotNil(t, decided.Result)
	assert.Equal(t, store.ResultPass, *decided.Result)
	assert.Len(t, decided.ReviewsFor(store.LanePrimary), 1, "primary reviews are kept")
	assert.Len(t, decided.ReviewsFor(store.LaneAppeal), 2)
	assert.Equal(t, StatusVoteActive, statusOf(t, e, proposal.ID))
}

func TestFileAppealFallsBackToPrimaryReviewers(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore())
	tmpl := createTemplate(t, e, voteStep("v1"))
	_, evaluations := startProposal(t, e, tmpl)

	_, err := e.SubmitReview(ctx, review(evaluations[0].ID, "v1", store.ResultFail))
	require.NoError(t, err)

	lane, err := e.FileAppeal(ctx, evaluations[0].ID, "author-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, lane.Reviewers)

	decided, err := e.SubmitReview(ctx, review(evaluations[0].ID, "v1", store.ResultPass))
	require.NoError(t, err, "the same reviewer may review again on the appeal lane")
	require.NotNil(t, decided.Result)
	assert.Equal(t, store.ResultPass, *decided.Result)
}

func TestFileAppealAfterLaterStepCompleted(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore())
	final := passFailStep(1, "r1")
	final.FinalStep = true
	tmpl := createTemplate(t, e, final, voteStep("v1"))
	proposal, evaluations := startProposal(t, e, tmpl)

	_, err := e.SubmitReview(ctx, review(evaluations[0].ID, "r1", store.ResultFail))
	require.NoError(t, err)
	_, err = e.SubmitReview(ctx, review(evaluations[1].ID, "v1", store.ResultPass))
	require.NoError(t, err)

	_, err = e.FileAppeal(ctx, evaluations[0].ID, "author-1")
	requireCode(t, err, ErrConflict, CodeLaterStepCompleted)

	_, err = e.ArchiveProposal(ctx, proposal.ID)
	require.NoError(t, err)
	_, err = e.FileAppeal(ctx, evaluations[1].ID, "author-1")
	requireCode(t, err, ErrConflict, CodeProposalArchived)
}

func TestFileAppealRequiresFailedStepAndAuthor(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore())
	tmpl := createTemplate(t, e, passFailStep(1, "r1"), feedbackStep())
	proposal, evaluations := startProposal(t, e, tmpl)

	_, err := e.SubmitReview(ctx, review(evaluations[0].ID, "r1", store.ResultPass))
	require.NoError(t, err)
	assert.Equal(t, StatusDiscussion, statusOf(t, e, proposal.ID))

	_, err = e.FileAppeal(ctx, evaluations[0].ID, "random-member")
	requireCode(t, err, ErrUnauthorized, CodeNotAuthor)

	_, err = e.FileAppeal(ctx, evaluations[0].ID, "author-1")
	requireCode(t, err, ErrConflict, CodeNotAppealable)
	assert.Equal(t, StatusDiscussion, statusOf(t, e, proposal.ID), "a passed step stays closed")
}
