package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Repository. Transactions serialize on a
// single mutex and operate on a copy of the data that replaces the live set
// only when fn returns nil.
type MemoryStore struct {
	*memoryTx
	mu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.memoryTx = &memoryTx{data: newMemoryData(), mu: &s.mu}
	return s
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.data.clone()
	if err := fn(&memoryTx{data: working}); err != nil {
		return err
	}
	*s.data = *working
	return nil
}

type memoryData struct {
	templates   map[string]WorkflowTemplate
	proposals   map[string]Proposal
	evaluations map[string]Evaluation
}

func newMemoryData() *memoryData {
	return &memoryData{
		templates:   map[string]WorkflowTemplate{},
		proposals:   map[string]Proposal{},
		evaluations: map[string]Evaluation{},
	}
}

// clone copies the maps. Stored values are never mutated in place, so
// sharing their slices between generations is safe.
func (d *memoryData) clone() *memoryData {
	out := newMemoryData()
	for id, tmpl := range d.templates {
		out.templates[id] = tmpl
	}
	for id, proposal := range d.proposals {
		out.proposals[id] = proposal
	}
	for id, evaluation := range d.evaluations {
		out.evaluations[id] = evaluation
	}
	return out
}

type memoryTx struct {
	data *memoryData
	mu   *sync.Mutex
}

func (t *memoryTx) lock() func() {
	if t.mu == nil {
		return func() {}
	}
	t.mu.Lock()
	return t.mu.Unlock
}

func (t *memoryTx) InsertWorkflowTemplate(ctx context.Context, tmpl WorkflowTemplate) error {
	defer t.lock()()
	if _, exists := t.data.templates[tmpl.ID]; exists {
		return fmt.Errorf("insert workflow template: %w", ErrDuplicate)
	}
	if tmpl.UpdatedAt.IsZero() {
		tmpl.UpdatedAt = tmpl.CreatedAt
	}
	tmpl.Steps = normalizeSteps(tmpl.Steps)
	t.data.templates[tmpl.ID] = tmpl
	return nil
}

func (t *memoryTx) GetWorkflowTemplate(ctx context.Context, templateID string) (WorkflowTemplate, error) {
	defer t.lock()()
	tmpl, ok := t.data.templates[templateID]
	if !ok {
		return WorkflowTemplate{}, sql.ErrNoRows
	}
	return cloneTemplate(tmpl), nil
}

func (t *memoryTx) ListWorkflowTemplates(ctx context.Context, workspaceID string, includeArchived bool) ([]WorkflowTemplate, error) {
	defer t.lock()()
	templates := []WorkflowTemplate{}
	for _, tmpl := range t.data.templates {
		if tmpl.WorkspaceID != workspaceID || (tmpl.Archived && !includeArchived) {
			continue
		}
		templates = append(templates, cloneTemplate(tmpl))
	}
	sort.Slice(templates, func(i, j int) bool {
		if templates[i].SortIndex != templates[j].SortIndex {
			return templates[i].SortIndex < templates[j].SortIndex
		}
		return templates[i].CreatedAt.Before(templates[j].CreatedAt)
	})
	return templates, nil
}

func (t *memoryTx) UpdateWorkflowTemplate(ctx context.Context, tmpl WorkflowTemplate) error {
	defer t.lock()()
	existing, ok := t.data.templates[tmpl.ID]
	if !ok {
		return sql.ErrNoRows
	}
	existing.Title = tmpl.Title
	existing.Aggregation = tmpl.Aggregation
	existing.UpdatedAt = tmpl.UpdatedAt
	existing.Steps = normalizeSteps(tmpl.Steps)
	t.data.templates[tmpl.ID] = existing
	return nil
}

func (t *memoryTx) SetWorkflowTemplateArchived(ctx context.Context, templateID string, archived bool) (bool, error) {
	defer t.lock()()
	tmpl, ok := t.data.templates[templateID]
	if !ok {
		return false, nil
	}
	tmpl.Archived = archived
	tmpl.UpdatedAt = time.Now().UTC()
	t.data.templates[templateID] = tmpl
	return true, nil
}

func (t *memoryTx) NextTemplateSortIndex(ctx context.Context, workspaceID string) (int, error) {
	defer t.lock()()
	next := 0
	for _, tmpl := range t.data.templates {
		if tmpl.WorkspaceID == workspaceID && tmpl.SortIndex >= next {
			next = tmpl.SortIndex + 1
		}
	}
	return next, nil
}

func (t *memoryTx) InsertProposal(ctx context.Context, proposal Proposal) error {
	defer t.lock()()
	if _, exists := t.data.proposals[proposal.ID]; exists {
		return fmt.Errorf("insert proposal: %w", ErrDuplicate)
	}
	if proposal.UpdatedAt.IsZero() {
		proposal.UpdatedAt = proposal.CreatedAt
	}
	authors := slices.Clone(proposal.Authors)
	sort.Strings(authors)
	proposal.Authors = slices.Compact(authors)
	t.data.proposals[proposal.ID] = proposal
	return nil
}

func (t *memoryTx) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	defer t.lock()()
	proposal, ok := t.data.proposals[proposalID]
	if !ok {
		return Proposal{}, sql.ErrNoRows
	}
	return cloneProposal(proposal), nil
}

func (t *memoryTx) LockProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return t.GetProposal(ctx, proposalID)
}

func (t *memoryTx) ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error) {
	defer t.lock()()
	proposals := []Proposal{}
	for _, proposal := range t.data.proposals {
		if filter.WorkspaceID != "" && proposal.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.Status != "" && proposal.Status != filter.Status {
			continue
		}
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, proposal.ID) {
			continue
		}
		if proposal.Archived && !filter.IncludeArchived {
			continue
		}
		proposals = append(proposals, cloneProposal(proposal))
	}
	sort.Slice(proposals, func(i, j int) bool {
		if !proposals[i].UpdatedAt.Equal(proposals[j].UpdatedAt) {
			return proposals[i].UpdatedAt.After(proposals[j].UpdatedAt)
		}
		return proposals[i].ID < proposals[j].ID
	})
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if len(proposals) > limit {
		proposals = proposals[:limit]
	}
	return proposals, nil
}

func (t *memoryTx) UpdateProposal(ctx context.Context, proposal Proposal) error {
	defer t.lock()()
	existing, ok := t.data.proposals[proposal.ID]
	if !ok {
		return sql.ErrNoRows
	}
	existing.Title = proposal.Title
	existing.Draft = proposal.Draft
	existing.Archived = proposal.Archived
	existing.WorkflowTemplateID = proposal.WorkflowTemplateID
	existing.Status = proposal.Status
	existing.UpdatedAt = proposal.UpdatedAt
	t.data.proposals[proposal.ID] = existing
	return nil
}

func (t *memoryTx) InsertEvaluation(ctx context.Context, evaluation Evaluation) error {
	defer t.lock()()
	if _, ok := t.data.proposals[evaluation.ProposalID]; !ok {
		return fmt.Errorf("insert evaluation: proposal %s: %w", evaluation.ProposalID, sql.ErrNoRows)
	}
	if _, exists := t.data.evaluations[evaluation.ID]; exists {
		return fmt.Errorf("insert evaluation %d: %w", evaluation.Index, ErrDuplicate)
	}
	for _, existing := range t.data.evaluations {
		if existing.ProposalID == evaluation.ProposalID && existing.Index == evaluation.Index {
			return fmt.Errorf("insert evaluation %d: %w", evaluation.Index, ErrDuplicate)
		}
	}
	evaluation.RequiredReviews = atLeastOne(evaluation.RequiredReviews)
	evaluation.Appeal.RequiredReviews = atLeastOne(evaluation.Appeal.RequiredReviews)
	evaluation.Reviews = nil
	evaluation.Answers = nil
	evaluation.Documents = nil
	if evaluation.UpdatedAt.IsZero() {
		evaluation.UpdatedAt = evaluation.CreatedAt
	}
	t.data.evaluations[evaluation.ID] = cloneEvaluation(evaluation)
	return nil
}

func (t *memoryTx) DeleteEvaluations(ctx context.Context, proposalID string) error {
	defer t.lock()()
	for id, evaluation := range t.data.evaluations {
		if evaluation.ProposalID == proposalID {
			delete(t.data.evaluations, id)
		}
	}
	return nil
}

func (t *memoryTx) ListEvaluations(ctx context.Context, proposalID string) ([]Evaluation, error) {
	defer t.lock()()
	evaluations := []Evaluation{}
	for _, evaluation := range t.data.evaluations {
		if evaluation.ProposalID == proposalID {
			evaluations = append(evaluations, cloneEvaluation(evaluation))
		}
	}
	sort.Slice(evaluations, func(i, j int) bool { return evaluations[i].Index < evaluations[j].Index })
	return evaluations, nil
}

func (t *memoryTx) GetEvaluation(ctx context.Context, evaluationID string) (Evaluation, error) {
	defer t.lock()()
	evaluation, ok := t.data.evaluations[evaluationID]
	if !ok {
		return Evaluation{}, sql.ErrNoRows
	}
	return cloneEvaluation(evaluation), nil
}

func (t *memoryTx) LockEvaluation(ctx context.Context, evaluationID string) (Evaluation, error) {
	return t.GetEvaluation(ctx, evaluationID)
}

func (t *memoryTx) UpdateEvaluationOutcome(ctx context.Context, evaluationID string, outcome EvaluationOutcome) error {
	return t.mutateEvaluation(evaluationID, func(evaluation *Evaluation) error {
		evaluation.Result = outcome.Result
		evaluation.CompletedAt = outcome.CompletedAt
		evaluation.DeclinedAt = outcome.DeclinedAt
		return nil
	})
}

func (t *memoryTx) UpdateEvaluationAppeal(ctx context.Context, evaluationID string, appeal Appeal) error {
	return t.mutateEvaluation(evaluationID, func(evaluation *Evaluation) error {
		appeal.Reviewers = slices.Clone(appeal.Reviewers)
		appeal.RequiredReviews = atLeastOne(appeal.RequiredReviews)
		evaluation.Appeal = appeal
		return nil
	})
}

func (t *memoryTx) UpdateEvaluationPermissions(ctx context.Context, evaluationID string, permissions []Permission) error {
	return t.mutateEvaluation(evaluationID, func(evaluation *Evaluation) error {
		evaluation.Permissions = slices.Clone(permissions)
		return nil
	})
}

func (t *memoryTx) InsertReview(ctx context.Context, review Review) error {
	return t.mutateEvaluation(review.EvaluationID, func(evaluation *Evaluation) error {
		for _, existing := range evaluation.Reviews {
			if existing.Lane == review.Lane && existing.ReviewerID == review.ReviewerID {
				return fmt.Errorf("insert review: %w", ErrDuplicate)
			}
		}
		review.DeclineReasons = slices.Clone(review.DeclineReasons)
		evaluation.Reviews = append(slices.Clone(evaluation.Reviews), review)
		return nil
	})
}

func (t *memoryTx) InsertRubricAnswers(ctx context.Context, answers []RubricAnswer) error {
	for _, answer := range answers {
		err := t.mutateEvaluation(answer.EvaluationID, func(evaluation *Evaluation) error {
			for _, existing := range evaluation.Answers {
				if existing.CriterionID == answer.CriterionID && existing.Lane == answer.Lane && existing.ReviewerID == answer.ReviewerID {
					return fmt.Errorf("insert rubric answer: %w", ErrDuplicate)
				}
			}
			evaluation.Answers = append(slices.Clone(evaluation.Answers), answer)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) InsertDocumentToSign(ctx context.Context, document DocumentToSign) error {
	return t.mutateEvaluation(document.EvaluationID, func(evaluation *Evaluation) error {
		for _, existing := range evaluation.Documents {
			if existing.ExternalID == document.ExternalID {
				return fmt.Errorf("insert document to sign: %w", ErrDuplicate)
			}
		}
		evaluation.Documents = append(slices.Clone(evaluation.Documents), document)
		return nil
	})
}

func (t *memoryTx) UpdateDocumentToSign(ctx context.Context, evaluationID, documentID string, status DocumentStatus, completedAt *time.Time) (bool, error) {
	matched := false
	err := t.mutateEvaluation(evaluationID, func(evaluation *Evaluation) error {
		documents := slices.Clone(evaluation.Documents)
		for i := range documents {
			if documents[i].ID == documentID || documents[i].ExternalID == documentID {
				documents[i].Status = status
				documents[i].CompletedAt = completedAt
				matched = true
			}
		}
		evaluation.Documents = documents
		return nil
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

func (t *memoryTx) Ping(ctx context.Context) error {
	return nil
}

func (t *memoryTx) mutateEvaluation(evaluationID string, fn func(*Evaluation) error) error {
	defer t.lock()()
	evaluation, ok := t.data.evaluations[evaluationID]
	if !ok {
		return sql.ErrNoRows
	}
	if err := fn(&evaluation); err != nil {
		return err
	}
	evaluation.UpdatedAt = time.Now().UTC()
	t.data.evaluations[evaluationID] = evaluation
	return nil
}

func normalizeSteps(steps []StepTemplate) []StepTemplate {
	out := make([]StepTemplate, len(steps))
	for i, step := range steps {
		step.RequiredReviews = atLeastOne(step.RequiredReviews)
		step.AppealRequiredReviews = atLeastOne(step.AppealRequiredReviews)
		out[i] = cloneStep(step)
	}
	return out
}

func cloneStep(step StepTemplate) StepTemplate {
	step.Permissions = slices.Clone(step.Permissions)
	step.Reviewers = slices.Clone(step.Reviewers)
	step.AppealReviewers = slices.Clone(step.AppealReviewers)
	step.RubricCriteria = slices.Clone(step.RubricCriteria)
	return step
}

func cloneTemplate(tmpl WorkflowTemplate) WorkflowTemplate {
	steps := make([]StepTemplate, len(tmpl.Steps))
	for i, step := range tmpl.Steps {
		steps[i] = cloneStep(step)
	}
	tmpl.Steps = steps
	return tmpl
}

func cloneProposal(proposal Proposal) Proposal {
	proposal.Authors = slices.Clone(proposal.Authors)
	if proposal.WorkflowTemplateID != nil {
		id := *proposal.WorkflowTemplateID
		proposal.WorkflowTemplateID = &id
	}
	return proposal
}

func cloneEvaluation(evaluation Evaluation) Evaluation {
	evaluation.Permissions = slices.Clone(evaluation.Permissions)
	evaluation.Reviewers = slices.Clone(evaluation.Reviewers)
	evaluation.Criteria = slices.Clone(evaluation.Criteria)
	evaluation.Reviews = slices.Clone(evaluation.Reviews)
	evaluation.Answers = slices.Clone(evaluation.Answers)
	evaluation.Documents = slices.Clone(evaluation.Documents)
	evaluation.Appeal.Reviewers = slices.Clone(evaluation.Appeal.Reviewers)
	return evaluation
}
