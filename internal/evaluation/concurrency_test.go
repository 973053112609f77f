package evaluation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/governance/internal/store"
)

// countingIndexer counts post-commit notifications; the engine sends one per
// committed step completion.
type countingIndexer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingIndexer) IndexProposal(store.Proposal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

func (c *countingIndexer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}

func (c *countingIndexer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestConcurrentReviewsCompleteStepOnce(t *testing.T) {
	ctx := context.Background()
	indexer := &countingIndexer{}
	e := newTestEngine(t, store.NewMemoryStore(), WithProposalIndexer(indexer))
	tmpl := createTemplate(t, e, passFailStep(2, "r1", "r2", "r3", "r4"), voteStep("v1"))
	proposal, evaluations := startProposal(t, e, tmpl)
	stepID := evaluations[0].ID
	indexer.reset()

	reviewers := []string{"r1", "r2", "r3", "r4"}
	results := make([]store.Evaluation, len(reviewers))
	errs := make([]error, len(reviewers))
	var wg sync.WaitGroup
	for i, reviewer := range reviewers {
		wg.Add(1)
		go func(i int, reviewer string) {
			defer wg.Done()
			results[i], errs[i] = e.SubmitReview(ctx, review(stepID, reviewer, store.ResultPass))
		}(i, reviewer)
	}
	wg.Wait()

	accepted, completions := 0, 0
	for i, err := range errs {
		if err != nil {
			requireCode(t, err, ErrConflict, CodeStepClosed)
			continue
		}
		accepted++
		if results[i].Result != nil {
			completions++
		}
	}
	assert.Equal(t, 2, accepted, "only the required number of reviews is accepted")
	assert.Equal(t, 1, completions, "exactly one review writes the result")
	assert.Equal(t, 1, indexer.count())

	steps, err := e.GetProposalEvaluations(ctx, proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, steps[0].Result)
	assert.Equal(t, store.ResultPass, *steps[0].Result)
	assert.Len(t, steps[0].ReviewsFor(store.LanePrimary), 2)
	assert.Equal(t, StatusVoteActive, statusOf(t, e, proposal.ID))
}

func TestConcurrentDocumentCompletionsPassStepOnce(t *testing.T) {
	ctx := context.Background()
	indexer := &countingIndexer{}
	e := newTestEngine(t, store.NewMemoryStore(), WithProposalIndexer(indexer))
	tmpl := createTemplate(t, e, signStep(), voteStep("v1"))
	proposal, evaluations := startProposal(t, e, tmpl)
	stepID := evaluations[0].ID

	for _, external := range []string{"env-1", "env-2", "env-3"} {
		_, err := e.AddDocumentToSign(ctx, stepID, external)
		require.NoError(t, err)
	}
	_, err := e.UpdateDocumentStatus(ctx, stepID, "env-1", store.DocumentCompleted)
	require.NoError(t, err)
	indexer.reset()

	last := []string{"env-2", "env-3"}
	results := make([]store.Evaluation, len(last))
	errs := make([]error, len(last))
	var wg sync.WaitGroup
	for i, external := range last {
		wg.Add(1)
		go func(i int, external string) {
			defer wg.Done()
			results[i], errs[i] = e.UpdateDocumentStatus(ctx, stepID, external, store.DocumentCompleted)
		}(i, external)
	}
	wg.Wait()

	passes := 0
	for i, err := range errs {
		require.NoError(t, err)
		if results[i].Result != nil {
			passes++
		}
	}
	assert.Equal(t, 1, passes, "only the update that completes the set passes the step")
	assert.Equal(t, 1, indexer.count())
	assert.Equal(t, StatusVoteActive, statusOf(t, e, proposal.ID))
}
