package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/governance/internal/store"
)

func signing(statuses ...store.DocumentStatus) store.Evaluation {
	evaluation := store.Evaluation{ID: "eval_sign", Type: store.StepSignDocuments}
	for i, status := range statuses {
		evaluation.Documents = append(evaluation.Documents, store.DocumentToSign{
			ID:         "doc_" + string(rune('a'+i)),
			ExternalID: "env_" + string(rune('a'+i)),
			Status:     status,
		})
	}
	return evaluation
}

func TestDocumentGate(t *testing.T) {
	pending, completed := store.DocumentPending, store.DocumentCompleted

	outcome, transition := documentGate(signing(completed, completed, pending), testNow)
	assert.Equal(t, gateUnchanged, transition)
	assert.Nil(t, outcome.Result)

	outcome, transition = documentGate(signing(completed, completed, completed), testNow)
	assert.Equal(t, gatePassed, transition)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, store.ResultPass, *outcome.Result)
	assert.Equal(t, testNow, *outcome.CompletedAt)

	passed := signing(completed, pending, completed)
	passed.Result = resultPtr(store.ResultPass)
	outcome, transition = documentGate(passed, testNow)
	assert.Equal(t, gateReopened, transition)
	assert.Nil(t, outcome.Result)
	assert.Nil(t, outcome.CompletedAt)

	_, transition = documentGate(signing(), testNow)
	assert.Equal(t, gateUnchanged, transition, "a step with no documents never passes")
}

func TestDocumentStatusDrivesSignStep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore())
	tmpl := createTemplate(t, e, signStep(), voteStep("v1"))
	proposal, evaluations := startProposal(t, e, tmpl)
	stepID := evaluations[0].ID

	for _, external := range []string{"env-1", "env-2", "env-3"} {
		_, err := e.AddDocumentToSign(ctx, stepID, external)
		require.NoError(t, err)
	}
	_, err := e.AddDocumentToSign(ctx, stepID, "env-1")
	requireCode(t, err, ErrConflict, CodeDocumentExists)

	step, err := e.UpdateDocumentStatus(ctx, stepID, "env-1", store.DocumentCompleted)
	require.NoError(t, err)
	step, err = e.UpdateDocumentStatus(ctx, stepID, "env-2", store.DocumentCompleted)
	require.NoError(t, err)
	assert.Nil(t, step.Result, "two of three documents keep the step open")
	assert.Equal(t, StatusEvaluationActive, statusOf(t, e, proposal.ID))

	step, err = e.UpdateDocumentStatus(ctx, stepID, step.Documents[2].ID, store.DocumentCompleted)
	require.NoError(t, err, "internal document ids are accepted too")
	require.NotNil(t, step.Result)
	assert.Equal(t, store.ResultPass, *step.Result)
	assert.Equal(t, testNow, *step.CompletedAt)
	assert.Equal(t, StatusVoteActive, statusOf(t, e, proposal.ID))

	step, err = e.UpdateDocumentStatus(ctx, stepID, "env-2", store.DocumentPending)
	require.NoError(t, err)
	assert.Nil(t, step.Result, "a regressed document reopens the step")
	assert.Nil(t, step.CompletedAt)
	assert.Equal(t, StatusEvaluationActive, statusOf(t, e, proposal.ID))

	_, err = e.UpdateDocumentStatus(ctx, stepID, "env-404", store.DocumentCompleted)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.UpdateDocumentStatus(ctx, stepID, "env-1", "voided")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.UpdateDocumentStatus(ctx, evaluations[1].ID, "env-1", store.DocumentCompleted)
	requireCode(t, err, ErrConflict, CodeNotSignStep)
}

func TestAddingDocumentReopensPassedStep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore())
	tmpl := createTemplate(t, e, signStep())
	proposal, evaluations := startProposal(t, e, tmpl)
	stepID := evaluations[0].ID

	_, err := e.AddDocumentToSign(ctx, stepID, "env-1")
	require.NoError(t, err)
	step, err := e.UpdateDocumentStatus(ctx, stepID, "env-1", store.DocumentCompleted)
	require.NoError(t, err)
	require.NotNil(t, step.Result)
	assert.Equal(t, StatusPublished, statusOf(t, e, proposal.ID))

	step, err = e.AddDocumentToSign(ctx, stepID, "env-2")
	require.NoError(t, err)
	assert.Nil(t, step.Result)
	assert.Equal(t, StatusEvaluationActive, statusOf(t, e, proposal.ID))
}
