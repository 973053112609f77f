package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/governance/internal/store"
)

func reviews(results ...store.Result) []store.Review {
	out := make([]store.Review, len(results))
	for i, r := range results {
		grantee := string(rune('a' + i))
		out[i] = store.Review{ReviewerID: grantee, GranteeID: grantee, Result: r}
	}
	return out
}

func TestRequiredReviewsPolicy(t *testing.T) {
	policy := RequiredReviews{}

	_, ok := policy.Decide(Tally{Required: 2, Reviews: reviews(store.ResultPass)})
	assert.False(t, ok, "one of two required passes keeps the step open")

	got, ok := policy.Decide(Tally{Required: 2, Reviews: reviews(store.ResultPass, store.ResultPass)})
	assert.True(t, ok)
	assert.Equal(t, store.ResultPass, got)

	got, ok = policy.Decide(Tally{Required: 3, Reviews: reviews(store.ResultPass, store.ResultFail)})
	assert.True(t, ok, "any fail closes the step")
	assert.Equal(t, store.ResultFail, got)

	got, ok = policy.Decide(Tally{Required: 0, Reviews: reviews(store.ResultPass)})
	assert.True(t, ok, "required defaults to one")
	assert.Equal(t, store.ResultPass, got)
}

func TestAllReviewersPolicy(t *testing.T) {
	policy := AllReviewers{}
	grantees := []string{"a", "b", "c"}

	_, ok := policy.Decide(Tally{Reviewers: grantees, Reviews: reviews(store.ResultPass, store.ResultPass)})
	assert.False(t, ok, "waits for every grantee")

	got, ok := policy.Decide(Tally{Reviewers: grantees, Reviews: reviews(store.ResultPass, store.ResultFail, store.ResultPass)})
	assert.True(t, ok)
	assert.Equal(t, store.ResultPass, got)

	got, ok = policy.Decide(Tally{Reviewers: []string{"a", "b"}, Reviews: reviews(store.ResultPass, store.ResultFail)})
	assert.True(t, ok)
	assert.Equal(t, store.ResultFail, got, "a tie fails")
}

func TestAverageThresholdPolicy(t *testing.T) {
	policy := AverageThreshold{}
	answers := []store.RubricAnswer{{Score: 4}, {Score: 2}, {Score: 5}, {Score: 3}}

	_, ok := policy.Decide(Tally{StepType: store.StepRubric, Required: 2, Threshold: 3, Reviews: reviews(store.ResultFail), Answers: answers})
	assert.False(t, ok)

	got, ok := policy.Decide(Tally{StepType: store.StepRubric, Required: 2, Threshold: 3.5, Reviews: reviews(store.ResultFail, store.ResultFail), Answers: answers})
	assert.True(t, ok)
	assert.Equal(t, store.ResultPass, got, "average 3.5 meets threshold regardless of individual verdicts")

	got, ok = policy.Decide(Tally{StepType: store.StepRubric, Required: 1, Threshold: 3.6, Reviews: reviews(store.ResultPass), Answers: answers})
	assert.True(t, ok)
	assert.Equal(t, store.ResultFail, got)

	got, ok = policy.Decide(Tally{StepType: store.StepVote, Required: 1, Threshold: 99, Reviews: reviews(store.ResultPass)})
	assert.True(t, ok, "non-rubric steps fall back to required reviews")
	assert.Equal(t, store.ResultPass, got)
}

type vetoPolicy struct{}

func (vetoPolicy) Name() store.PolicyName { return store.PolicyRequiredReviews }

func (vetoPolicy) Decide(t Tally) (store.Result, bool) {
	if len(t.Reviews) == 0 {
		return "", false
	}
	return store.ResultFail, true
}

func TestWithPolicyReplacesRegisteredPolicy(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), WithPolicy(vetoPolicy{}))
	tmpl := createTemplate(t, e, passFailStep(1, "rev-1"))
	_, evaluations := startProposal(t, e, tmpl)

	updated, err := e.SubmitReview(context.Background(), review(evaluations[0].ID, "rev-1", store.ResultPass))
	require.NoError(t, err)
	require.NotNil(t, updated.Result)
	assert.Equal(t, store.ResultFail, *updated.Result)
	assert.NotNil(t, updated.CompletedAt)
}
