package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/governance/internal/store"
)

func stepsOf(types ...store.StepType) []store.StepTemplate {
	steps := make([]store.StepTemplate, len(types))
	for i, stepType := range types {
		steps[i] = store.StepTemplate{
			ID:          string(stepType) + "-" + string(rune('1'+i)),
			Title:       string(stepType),
			Type:        stepType,
			Permissions: []store.Permission{{GranteeKind: store.GranteeRole, GranteeID: "reviewers", Level: store.LevelView}},
		}
	}
	return steps
}

func TestObfuscateStepsCollapsesConcealableRuns(t *testing.T) {
	steps := stepsOf(store.StepFeedback, store.StepRubric, store.StepRubric, store.StepPassFail, store.StepVote, store.StepFeedback)

	got := ObfuscateSteps(steps)

	require.Len(t, got, 3)
	assert.Equal(t, steps[0], got[0])
	assert.Equal(t, store.StepTemplate{
		ID:          steps[1].ID,
		Type:        store.StepPrivateEvaluation,
		Title:       "Evaluation",
		Permissions: []store.Permission{},
	}, got[1])
	assert.Equal(t, steps[5], got[2])
}

func TestObfuscateStepsKeepsSeparateRuns(t *testing.T) {
	steps := stepsOf(store.StepVote, store.StepSignDocuments, store.StepRubric, store.StepPassFail)

	got := ObfuscateSteps(steps)

	require.Len(t, got, 3)
	assert.Equal(t, store.StepPrivateEvaluation, got[0].Type)
	assert.Equal(t, steps[0].ID, got[0].ID)
	assert.Equal(t, store.StepSignDocuments, got[1].Type)
	assert.Equal(t, steps[2].ID, got[2].ID)
}

func TestObfuscateStepsIsIdempotent(t *testing.T) {
	inputs := [][]store.StepTemplate{
		nil,
		stepsOf(store.StepFeedback),
		stepsOf(store.StepRubric, store.StepVote),
		stepsOf(store.StepFeedback, store.StepRubric, store.StepRubric, store.StepPassFail, store.StepVote, store.StepFeedback),
		stepsOf(store.StepSignDocuments, store.StepVote, store.StepFeedback, store.StepPassFail),
	}
	for _, steps := range inputs {
		once := ObfuscateSteps(steps)
		assert.Equal(t, once, ObfuscateSteps(once))
	}
}

func TestObfuscateStepsPassesThroughNonConcealable(t *testing.T) {
	steps := stepsOf(store.StepFeedback, store.StepSignDocuments)
	assert.Equal(t, steps, ObfuscateSteps(steps))
}
