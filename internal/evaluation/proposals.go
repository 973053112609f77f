package evaluation

import (
	"context"
	"strings"
	"time"

	"chronicle/governance/internal/store"
)

type CreateProposalInput struct {
	WorkspaceID        string   `json:"workspaceId" validate:"required,max=200"`
	Title              string   `json:"title" validate:"required,max=300"`
	Authors            []string `json:"authors" validate:"dive,required"`
	WorkflowTemplateID string   `json:"workflowTemplateId"`
}

// CreateProposal creates a draft proposal. When WorkflowTemplateID is set the
// template's steps are cloned in the same transaction.
func (e *Engine) CreateProposal(ctx context.Context, in CreateProposalInput) (proposal store.Proposal, err error) {
	defer func(started time.Time) { observe("create_proposal", started, err) }(time.Now())

	if err := validateInput(in); err != nil {
		return store.Proposal{}, err
	}
	actor := actorFrom(ctx)
	authors := dedupe(in.Authors)
	if len(authors) == 0 && actor != "system" {
		authors = []string{actor}
	}

	now := e.now()
	proposal = store.Proposal{
		ID:          e.newID("prop"),
		WorkspaceID: strings.TrimSpace(in.WorkspaceID),
		Title:       strings.TrimSpace(in.Title),
		Draft:       true,
		Authors:     authors,
		Status:      string(StatusDraft),
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.store.InTx(ctx, func(tx store.Repository) error {
		if err := tx.InsertProposal(ctx, proposal); err != nil {
			return err
		}
		if templateID := strings.TrimSpace(in.WorkflowTemplateID); templateID != "" {
			cloned, _, err := e.cloneSteps(ctx, tx, proposal.ID, templateID)
			if err != nil {
				return err
			}
			proposal = cloned
		}
		return nil
	})
	if err != nil {
		return store.Proposal{}, err
	}
	e.afterProposalCommit(proposal)
	return proposal, nil
}

// CloneStepsIntoProposal copies the template's steps into the proposal as
// evaluations indexed 0..n-1. A proposal's workflow can only be replaced
// while it is a draft.
func (e *Engine) CloneStepsIntoProposal(ctx context.Context, proposalID, templateID string) (evaluations []store.Evaluation, err error) {
	defer func(started time.Time) { observe("clone_steps", started, err) }(time.Now())

	var proposal store.Proposal
	err = e.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		proposal, evaluations, err = e.cloneSteps(ctx, tx, proposalID, templateID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.afterProposalCommit(proposal)
	return evaluations, nil
}

func (e *Engine) cloneSteps(ctx context.Context, tx store.Repository, proposalID, templateID string) (store.Proposal, []store.Evaluation, error) {
	proposal, err := tx.LockProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, nil, lookupErr(err, "proposal")
	}
	if proposal.Archived {
		return store.Proposal{}, nil, conflict(CodeProposalArchived, "proposal is archived")
	}
	if !proposal.Draft {
		return store.Proposal{}, nil, conflict(CodeAlreadyPublished, "workflow can only be replaced while the proposal is a draft")
	}
	tmpl, err := tx.GetWorkflowTemplate(ctx, templateID)
	if err != nil {
		return store.Proposal{}, nil, lookupErr(err, "workflow template")
	}
	if tmpl.Archived {
		return store.Proposal{}, nil, conflict(CodeTemplateArchived, "workflow template is archived")
	}
	if tmpl.WorkspaceID != proposal.WorkspaceID {
		return store.Proposal{}, nil, conflict(CodeWorkspaceMismatch, "workflow template belongs to another workspace")
	}

	if err := tx.DeleteEvaluations(ctx, proposal.ID); err != nil {
		return store.Proposal{}, nil, err
	}
	now := e.now()
	for index, step := range tmpl.Steps {
		evaluation := store.Evaluation{
			ID:              e.newID("eval"),
			ProposalID:      proposal.ID,
			Index:           index,
			TemplateStepID:  step.ID,
			Type:            step.Type,
			Title:           step.Title,
			Permissions:     append([]store.Permission{}, step.Permissions...),
			Reviewers:       append([]string{}, step.Reviewers...),
			RequiredReviews: max(step.RequiredReviews, 1),
			FinalStep:       step.FinalStep,
			Aggregation:     tmpl.Aggregation,
			Appeal: store.Appeal{
				Reviewers:       append([]string{}, step.AppealReviewers...),
				RequiredReviews: max(step.AppealRequiredReviews, 1),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, criterion := range step.RubricCriteria {
			criterion.ID = e.newID("crit")
			evaluation.Criteria = append(evaluation.Criteria, criterion)
		}
		if err := tx.InsertEvaluation(ctx, evaluation); err != nil {
			return store.Proposal{}, nil, err
		}
	}

	id := tmpl.ID
	proposal.WorkflowTemplateID = &id
	proposal.UpdatedAt = now
	if err := tx.UpdateProposal(ctx, proposal); err != nil {
		return store.Proposal{}, nil, err
	}
	evaluations, err := tx.ListEvaluations(ctx, proposal.ID)
	if err != nil {
		return store.Proposal{}, nil, err
	}
	return proposal, evaluations, nil
}

// PublishProposal moves a draft into its workflow.
func (e *Engine) PublishProposal(ctx context.Context, proposalID string) (proposal store.Proposal, err error) {
	defer func(started time.Time) { observe("publish_proposal", started, err) }(time.Now())

	err = e.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		proposal, err = tx.LockProposal(ctx, proposalID)
		if err != nil {
			return lookupErr(err, "proposal")
		}
		if proposal.Archived {
			return conflict(CodeProposalArchived, "proposal is archived")
		}
		if !proposal.Draft {
			return conflict(CodeAlreadyPublished, "proposal is already published")
		}
		proposal.Draft = false
		proposal.UpdatedAt = e.now()
		if err := tx.UpdateProposal(ctx, proposal); err != nil {
			return err
		}
		proposal, err = e.refreshStatus(ctx, tx, proposal)
		return err
	})
	if err != nil {
		return store.Proposal{}, err
	}
	e.logger.Info("proposal published", "proposal_id", proposal.ID, "status", proposal.Status)
	e.afterProposalCommit(proposal)
	return proposal, nil
}

// ArchiveProposal freezes a proposal. Archiving twice is a no-op.
func (e *Engine) ArchiveProposal(ctx context.Context, proposalID string) (proposal store.Proposal, err error) {
	defer func(started time.Time) { observe("archive_proposal", started, err) }(time.Now())

	err = e.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		proposal, err = tx.LockProposal(ctx, proposalID)
		if err != nil {
			return lookupErr(err, "proposal")
		}
		if proposal.Archived {
			return nil
		}
		proposal.Archived = true
		proposal.UpdatedAt = e.now()
		return tx.UpdateProposal(ctx, proposal)
	})
	if err != nil {
		return store.Proposal{}, err
	}
	e.afterProposalCommit(proposal)
	return proposal, nil
}

func (e *Engine) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	proposal, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, lookupErr(err, "proposal")
	}
	return proposal, nil
}

// GetProposalStatus resolves the status from the evaluations rather than the
// stored column.
func (e *Engine) GetProposalStatus(ctx context.Context, proposalID string) (Status, error) {
	proposal, err := e.GetProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	evaluations, err := e.store.ListEvaluations(ctx, proposal.ID)
	if err != nil {
		return "", err
	}
	return ResolveStatus(evaluations, proposal.Draft), nil
}

func (e *Engine) GetProposalEvaluations(ctx context.Context, proposalID string) ([]store.Evaluation, error) {
	if _, err := e.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return e.store.ListEvaluations(ctx, proposalID)
}

func (e *Engine) ListProposals(ctx context.Context, filter store.ProposalFilter) ([]store.Proposal, error) {
	if filter.Status != "" && !knownStatus(Status(filter.Status)) {
		return nil, invalidInput("unknown status filter", map[string]string{"Status": "oneof"})
	}
	return e.store.ListProposals(ctx, filter)
}

func knownStatus(status Status) bool {
	switch status {
	case StatusDraft, StatusDiscussion, StatusVoteActive, StatusVoteClosed,
		StatusEvaluationActive, StatusEvaluationClosed, StatusReviewed, StatusPublished:
		return true
	}
	return false
}
