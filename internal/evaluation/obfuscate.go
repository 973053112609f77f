package evaluation

import "chronicle/governance/internal/store"

const privateEvaluationTitle = "Evaluation"

func concealable(stepType store.StepType) bool {
	switch stepType {
	case store.StepRubric, store.StepPassFail, store.StepVote:
		return true
	default:
		return false
	}
}

// ObfuscateSteps collapses every maximal run of rubric, pass_fail and vote
// steps into one private_evaluation placeholder carrying the id of the first
// concealed step. Other steps pass through untouched, so applying it twice
// yields the same list.
func ObfuscateSteps(steps []store.StepTemplate) []store.StepTemplate {
	out := make([]store.StepTemplate, 0, len(steps))
	for _, step := range steps {
		if !concealable(step.Type) {
			out = append(out, step)
			continue
		}
		if n := len(out); n > 0 && out[n-1].Type == store.StepPrivateEvaluation {
			continue
		}
		out = append(out, store.StepTemplate{
			ID:          step.ID,
			Type:        store.StepPrivateEvaluation,
			Title:       privateEvaluationTitle,
			Permissions: []store.Permission{},
		})
	}
	return out
}
