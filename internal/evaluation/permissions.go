package evaluation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"chronicle/governance/internal/store"
)

// SyncPermissionsFromWorkflow copies each template step's permissions onto
// the proposal's matching evaluation. Steps are matched by index and type;
// any structural drift between the template and the cloned steps aborts the
// whole sync. All writes share one transaction.
func (e *Engine) SyncPermissionsFromWorkflow(ctx context.Context, proposalID string) (err error) {
	defer func(started time.Time) { observe("sync_permissions", started, err) }(time.Now())

	updated := 0
	err = e.store.InTx(ctx, func(tx store.Repository) error {
		proposal, err := tx.LockProposal(ctx, proposalID)
		if err != nil {
			return lookupErr(err, "proposal")
		}
		if proposal.WorkflowTemplateID == nil || *proposal.WorkflowTemplateID == "" {
			return conflict(CodeNoWorkflow, "proposal has no source workflow")
		}
		tmpl, err := tx.GetWorkflowTemplate(ctx, *proposal.WorkflowTemplateID)
		if err != nil {
			if errors.Is(lookupErr(err, "workflow template"), ErrNotFound) {
				return conflict(CodeWorkflowMismatch, "source workflow no longer exists")
			}
			return err
		}
		evaluations, err := tx.ListEvaluations(ctx, proposal.ID)
		if err != nil {
			return err
		}
		if len(evaluations) != len(tmpl.Steps) {
			return mismatch(fmt.Sprintf("workflow has %d steps, proposal has %d", len(tmpl.Steps), len(evaluations)))
		}
		for i, evaluation := range evaluations {
			step := tmpl.Steps[i]
			if evaluation.Index != i || evaluation.Type != step.Type {
				return mismatch(fmt.Sprintf("step %d is %s in the workflow but %s on the proposal", i, step.Type, evaluation.Type))
			}
		}
		for i, evaluation := range evaluations {
			permissions := tmpl.Steps[i].Permissions
			if slices.Equal(evaluation.Permissions, permissions) {
				continue
			}
			if err := tx.UpdateEvaluationPermissions(ctx, evaluation.ID, permissions); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return err
	}

	permissionsSynced.Add(float64(updated))
	e.logger.Info("permissions synced from workflow", "proposal_id", proposalID, "updated_steps", updated)
	return nil
}

func mismatch(message string) *Error {
	return conflict(CodeWorkflowMismatch, "workflow was restructured after cloning: "+message)
}
