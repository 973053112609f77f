package evaluation

import (
	"context"
	"errors"
	"strings"
	"time"

	"chronicle/governance/internal/store"
)

type gateTransition string

const (
	gatePassed    gateTransition = "passed"
	gateReopened  gateTransition = "reopened"
	gateUnchanged gateTransition = "unchanged"
)

// documentGate derives a sign_documents step's outcome from its documents.
// All documents completed passes the step; anything less reopens a step
// that had passed; otherwise the step is left alone.
func documentGate(evaluation store.Evaluation, now time.Time) (store.EvaluationOutcome, gateTransition) {
	allCompleted := len(evaluation.Documents) > 0
	for _, document := range evaluation.Documents {
		if document.Status != store.DocumentCompleted {
			allCompleted = false
			break
		}
	}
	passed := evaluation.Result != nil && *evaluation.Result == store.ResultPass

	if allCompleted {
		if passed {
			return store.EvaluationOutcome{}, gateUnchanged
		}
		pass := store.ResultPass
		return store.EvaluationOutcome{Result: &pass, CompletedAt: &now}, gatePassed
	}
	if passed {
		return store.EvaluationOutcome{}, gateReopened
	}
	return store.EvaluationOutcome{}, gateUnchanged
}

// applyDocumentGate re-reads the locked evaluation's documents and writes
// the gate's outcome within tx.
func (e *Engine) applyDocumentGate(ctx context.Context, tx store.Repository, proposal store.Proposal, evaluationID string) (store.Proposal, store.Evaluation, gateTransition, error) {
	evaluation, err := tx.LockEvaluation(ctx, evaluationID)
	if err != nil {
		return store.Proposal{}, store.Evaluation{}, "", lookupErr(err, "evaluation")
	}
	outcome, transition := documentGate(evaluation, e.now())
	if transition == gateUnchanged {
		return proposal, evaluation, transition, nil
	}
	if err := tx.UpdateEvaluationOutcome(ctx, evaluation.ID, outcome); err != nil {
		return store.Proposal{}, store.Evaluation{}, "", err
	}
	evaluation.Result = outcome.Result
	evaluation.CompletedAt = outcome.CompletedAt
	evaluation.DeclinedAt = outcome.DeclinedAt
	proposal, err = e.refreshStatus(ctx, tx, proposal)
	if err != nil {
		return store.Proposal{}, store.Evaluation{}, "", err
	}
	return proposal, evaluation, transition, nil
}

func (e *Engine) lockSignStep(ctx context.Context, tx store.Repository, evaluationID string) (store.Proposal, store.Evaluation, error) {
	proposal, evaluation, err := e.lockStep(ctx, tx, evaluationID)
	if err != nil {
		return store.Proposal{}, store.Evaluation{}, err
	}
	if evaluation.Type != store.StepSignDocuments {
		return store.Proposal{}, store.Evaluation{}, conflict(CodeNotSignStep, "step does not collect signatures")
	}
	if proposal.Archived {
		return store.Proposal{}, store.Evaluation{}, conflict(CodeProposalArchived, "proposal is archived")
	}
	return proposal, evaluation, nil
}

// UpdateDocumentStatus applies a signing provider's status change to one
// document and re-derives the step result. documentID may be the internal
// id or the provider's external id.
func (e *Engine) UpdateDocumentStatus(ctx context.Context, evaluationID, documentID string, status store.DocumentStatus) (evaluation store.Evaluation, err error) {
	defer func(started time.Time) { observe("update_document_status", started, err) }(time.Now())

	if status != store.DocumentPending && status != store.DocumentCompleted {
		return store.Evaluation{}, invalidInput("status must be pending or completed", map[string]string{"Status": "oneof"})
	}
	if strings.TrimSpace(documentID) == "" {
		return store.Evaluation{}, invalidInput("documentId is required", map[string]string{"DocumentID": "required"})
	}

	var proposal store.Proposal
	var transition gateTransition
	err = e.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		proposal, _, err = e.lockSignStep(ctx, tx, evaluationID)
		if err != nil {
			return err
		}
		var completedAt *time.Time
		if status == store.DocumentCompleted {
			now := e.now()
			completedAt = &now
		}
		found, err := tx.UpdateDocumentToSign(ctx, evaluationID, documentID, status, completedAt)
		if err != nil {
			return err
		}
		if !found {
			return notFound("document")
		}
		proposal, evaluation, transition, err = e.applyDocumentGate(ctx, tx, proposal, evaluationID)
		return err
	})
	if err != nil {
		return store.Evaluation{}, err
	}
	e.afterGate(proposal, evaluation, transition)
	return evaluation, nil
}

// AddDocumentToSign attaches a pending document to a sign_documents step.
// A step that had passed is reopened until the new document completes.
func (e *Engine) AddDocumentToSign(ctx context.Context, evaluationID, externalID string) (evaluation store.Evaluation, err error) {
	defer func(started time.Time) { observe("add_document_to_sign", started, err) }(time.Now())

	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return store.Evaluation{}, invalidInput("externalId is required", map[string]string{"ExternalID": "required"})
	}

	var proposal store.Proposal
	var transition gateTransition
	err = e.store.InTx(ctx, func(tx store.Repository) error {
		var err error
		proposal, _, err = e.lockSignStep(ctx, tx, evaluationID)
		if err != nil {
			return err
		}
		err = tx.InsertDocumentToSign(ctx, store.DocumentToSign{
			ID:           e.newID("doc"),
			EvaluationID: evaluationID,
			ExternalID:   externalID,
			Status:       store.DocumentPending,
			CreatedAt:    e.now(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return conflict(CodeDocumentExists, "document is already attached to this step")
		}
		if err != nil {
			return err
		}
		proposal, evaluation, transition, err = e.applyDocumentGate(ctx, tx, proposal, evaluationID)
		return err
	})
	if err != nil {
		return store.Evaluation{}, err
	}
	e.afterGate(proposal, evaluation, transition)
	return evaluation, nil
}

func (e *Engine) afterGate(proposal store.Proposal, evaluation store.Evaluation, transition gateTransition) {
	documentGateTransitions.WithLabelValues(string(transition)).Inc()
	if transition == gateUnchanged {
		return
	}
	if transition == gatePassed {
		stepsCompleted.WithLabelValues(string(evaluation.Type), string(store.ResultPass)).Inc()
	}
	e.logger.Info("document gate changed step result",
		"evaluation_id", evaluation.ID,
		"proposal_id", proposal.ID,
		"transition", string(transition),
	)
	e.afterProposalCommit(proposal)
}
