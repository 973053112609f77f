// Package evaluation drives proposals through their ordered review steps:
// it clones workflow templates into per-proposal evaluations, aggregates
// reviews, gates signing steps on document state, handles appeals, keeps
// step permissions in line with the source template and derives the
// proposal status.
package evaluation

import (
	"context"
	"log/slog"
	"time"

	"chronicle/governance/internal/store"
	"chronicle/governance/internal/util"
)

// TemplateRecorder keeps a revision history of workflow templates.
type TemplateRecorder interface {
	RecordTemplate(ctx context.Context, tmpl store.WorkflowTemplate, action, actor string) error
	TemplateHistory(ctx context.Context, templateID string, limit int) ([]store.TemplateRevision, error)
	TemplateAt(ctx context.Context, templateID, hash string) (store.WorkflowTemplate, error)
}

// ProposalIndexer receives proposals after every committed change.
type ProposalIndexer interface {
	IndexProposal(proposal store.Proposal)
}

type Engine struct {
	store    store.TxRepository
	logger   *slog.Logger
	now      func() time.Time
	newID    func(prefix string) string
	policies map[store.PolicyName]AggregationPolicy
	recorder TemplateRecorder
	indexer  ProposalIndexer
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func(prefix string) string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithPolicy registers or replaces an aggregation policy under its name.
func WithPolicy(policy AggregationPolicy) Option {
	return func(e *Engine) { e.policies[policy.Name()] = policy }
}

func WithTemplateRecorder(recorder TemplateRecorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

func WithProposalIndexer(indexer ProposalIndexer) Option {
	return func(e *Engine) { e.indexer = indexer }
}

func New(repo store.TxRepository, opts ...Option) *Engine {
	e := &Engine{
		store:    repo,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    util.NewID,
		policies: defaultPolicies(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

type actorKey struct{}

// WithActor tags ctx with the user performing an operation. The actor is
// recorded as the author of template revisions.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// afterTemplateCommit records a template revision. Recorder failures are
// logged and never surface to the caller.
func (e *Engine) afterTemplateCommit(ctx context.Context, tmpl store.WorkflowTemplate, action string) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordTemplate(ctx, tmpl, action, actorFrom(ctx)); err != nil {
		e.logger.Warn("record template revision failed", "template_id", tmpl.ID, "action", action, "error", err)
	}
}

func (e *Engine) afterProposalCommit(proposal store.Proposal) {
	if e.indexer == nil {
		return
	}
	e.indexer.IndexProposal(proposal)
}

// refreshStatus rewrites the denormalized proposal status inside tx.
func (e *Engine) refreshStatus(ctx context.Context, tx store.Repository, proposal store.Proposal) (store.Proposal, error) {
	evaluations, err := tx.ListEvaluations(ctx, proposal.ID)
	if err != nil {
		return store.Proposal{}, err
	}
	status := string(ResolveStatus(evaluations, proposal.Draft))
	if status == proposal.Status {
		return proposal, nil
	}
	proposal.Status = status
	proposal.UpdatedAt = e.now()
	if err := tx.UpdateProposal(ctx, proposal); err != nil {
		return store.Proposal{}, err
	}
	return proposal, nil
}

// lockStep takes the proposal lock before the evaluation lock so every
// writer acquires row locks in the same order.
func (e *Engine) lockStep(ctx context.Context, tx store.Repository, evaluationID string) (store.Proposal, store.Evaluation, error) {
	peek, err := tx.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return store.Proposal{}, store.Evaluation{}, lookupErr(err, "evaluation")
	}
	proposal, err := tx.LockProposal(ctx, peek.ProposalID)
	if err != nil {
		return store.Proposal{}, store.Evaluation{}, lookupErr(err, "proposal")
	}
	evaluation, err := tx.LockEvaluation(ctx, evaluationID)
	if err != nil {
		return store.Proposal{}, store.Evaluation{}, lookupErr(err, "evaluation")
	}
	return proposal, evaluation, nil
}
