package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when a write collides with a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

// Repository is the persistence surface of the evaluation engine. Every
// method is safe to call both on the root store and inside InTx.
type Repository interface {
	InsertWorkflowTemplate(ctx context.Context, tmpl WorkflowTemplate) error
	GetWorkflowTemplate(ctx context.Context, templateID string) (WorkflowTemplate, error)
	ListWorkflowTemplates(ctx context.Context, workspaceID string, includeArchived bool) ([]WorkflowTemplate, error)
	UpdateWorkflowTemplate(ctx context.Context, tmpl WorkflowTemplate) error
	SetWorkflowTemplateArchived(ctx context.Context, templateID string, archived bool) (bool, error)
	NextTemplateSortIndex(ctx context.Context, workspaceID string) (int, error)

	InsertProposal(ctx context.Context, proposal Proposal) error
	GetProposal(ctx context.Context, proposalID string) (Proposal, error)
	LockProposal(ctx context.Context, proposalID string) (Proposal, error)
	ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error)
	UpdateProposal(ctx context.Context, proposal Proposal) error

	InsertEvaluation(ctx context.Context, evaluation Evaluation) error
	DeleteEvaluations(ctx context.Context, proposalID string) error
	ListEvaluations(ctx context.Context, proposalID string) ([]Evaluation, error)
	GetEvaluation(ctx context.Context, evaluationID string) (Evaluation, error)
	LockEvaluation(ctx context.Context, evaluationID string) (Evaluation, error)
	UpdateEvaluationOutcome(ctx context.Context, evaluationID string, outcome EvaluationOutcome) error
	UpdateEvaluationAppeal(ctx context.Context, evaluationID string, appeal Appeal) error
	UpdateEvaluationPermissions(ctx context.Context, evaluationID string, permissions []Permission) error

	InsertReview(ctx context.Context, review Review) error
	InsertRubricAnswers(ctx context.Context, answers []RubricAnswer) error
	InsertDocumentToSign(ctx context.Context, document DocumentToSign) error
	UpdateDocumentToSign(ctx context.Context, evaluationID, documentID string, status DocumentStatus, completedAt *time.Time) (bool, error)

	Ping(ctx context.Context) error
}

// TxRepository is a Repository that can scope work to a single transaction.
type TxRepository interface {
	Repository
	InTx(ctx context.Context, fn func(Repository) error) error
}
