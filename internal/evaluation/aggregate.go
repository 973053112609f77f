package evaluation

import (
	"slices"

	"chronicle/governance/internal/store"
)

// Tally is the input to an aggregation policy: the reviews and rubric
// answers of one lane of one evaluation step.
type Tally struct {
	StepType  store.StepType
	Lane      store.Lane
	Reviewers []string
	Required  int
	Threshold float64
	Reviews   []store.Review
	Answers   []store.RubricAnswer
}

// AggregationPolicy decides whether a lane's reviews complete the step.
// Decide returns ok=false while the step stays open.
type AggregationPolicy interface {
	Name() store.PolicyName
	Decide(t Tally) (result store.Result, ok bool)
}

func defaultPolicies() map[store.PolicyName]AggregationPolicy {
	policies := map[store.PolicyName]AggregationPolicy{}
	for _, policy := range []AggregationPolicy{RequiredReviews{}, AllReviewers{}, AverageThreshold{}} {
		policies[policy.Name()] = policy
	}
	return policies
}

// RequiredReviews fails the step on the first fail review and passes it
// once Required pass reviews exist.
type RequiredReviews struct{}

func (RequiredReviews) Name() store.PolicyName { return store.PolicyRequiredReviews }

func (RequiredReviews) Decide(t Tally) (store.Result, bool) {
	required := max(t.Required, 1)
	passes := 0
	for _, review := range t.Reviews {
		if review.Result == store.ResultFail {
			return store.ResultFail, true
		}
		passes++
	}
	if passes >= required {
		return store.ResultPass, true
	}
	return "", false
}

// AllReviewers waits until every reviewer grantee has reviewed and then
// takes the majority. A tie fails the step.
type AllReviewers struct{}

func (AllReviewers) Name() store.PolicyName { return store.PolicyAllReviewers }

func (AllReviewers) Decide(t Tally) (store.Result, bool) {
	if len(t.Reviewers) == 0 {
		return RequiredReviews{}.Decide(t)
	}
	for _, grantee := range t.Reviewers {
		if !slices.ContainsFunc(t.Reviews, func(r store.Review) bool { return r.GranteeID == grantee }) {
			return "", false
		}
	}
	passes, fails := 0, 0
	for _, review := range t.Reviews {
		if review.Result == store.ResultPass {
			passes++
		} else {
			fails++
		}
	}
	if passes > fails {
		return store.ResultPass, true
	}
	return store.ResultFail, true
}

// AverageThreshold compares the mean rubric score against Threshold once
// Required reviews exist. Non-rubric steps fall back to RequiredReviews.
type AverageThreshold struct{}

func (AverageThreshold) Name() store.PolicyName { return store.PolicyAverageThreshold }

func (AverageThreshold) Decide(t Tally) (store.Result, bool) {
	if t.StepType != store.StepRubric {
		return RequiredReviews{}.Decide(t)
	}
	if len(t.Reviews) < max(t.Required, 1) || len(t.Answers) == 0 {
		return "", false
	}
	total := 0
	for _, answer := range t.Answers {
		total += answer.Score
	}
	if float64(total)/float64(len(t.Answers)) >= t.Threshold {
		return store.ResultPass, true
	}
	return store.ResultFail, true
}

func (e *Engine) policyFor(name store.PolicyName) AggregationPolicy {
	if policy, ok := e.policies[name]; ok {
		return policy
	}
	if name != "" {
		e.logger.Warn("unknown aggregation policy, using required_reviews", "policy", name)
	}
	return e.policies[store.PolicyRequiredReviews]
}

// tallyFor builds the lane tally from a freshly locked evaluation.
func tallyFor(evaluation store.Evaluation, lane store.Lane) Tally {
	t := Tally{
		StepType:  evaluation.Type,
		Lane:      lane,
		Reviewers: evaluation.Reviewers,
		Required:  evaluation.RequiredReviews,
		Threshold: evaluation.Aggregation.Threshold,
		Reviews:   evaluation.ReviewsFor(lane),
		Answers:   evaluation.AnswersFor(lane),
	}
	if lane == store.LaneAppeal {
		t.Reviewers = appealReviewers(evaluation)
		t.Required = evaluation.Appeal.RequiredReviews
	}
	if evaluation.Type == store.StepFeedback {
		t.Required = 1
	}
	return t
}

func appealReviewers(evaluation store.Evaluation) []string {
	if len(evaluation.Appeal.Reviewers) > 0 {
		return evaluation.Appeal.Reviewers
	}
	return evaluation.Reviewers
}
