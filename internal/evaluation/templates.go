package evaluation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chronicle/governance/internal/store"
)

type PermissionInput struct {
	GranteeKind store.GranteeKind     `json:"granteeKind" validate:"required,grantee"`
	GranteeID   string                `json:"granteeId" validate:"required,max=200"`
	Level       store.PermissionLevel `json:"level" validate:"required,level"`
}

type CriterionInput struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description,omitempty" validate:"max=2000"`
	Min         int    `json:"min" validate:"gte=0"`
	Max         int    `json:"max" validate:"gtefield=Min"`
}

type StepInput struct {
	ID                    string            `json:"id,omitempty"`
	Title                 string            `json:"title" validate:"required,max=200"`
	Type                  store.StepType    `json:"type" validate:"required,steptype"`
	Permissions           []PermissionInput `json:"permissions" validate:"dive"`
	Reviewers             []string          `json:"reviewers" validate:"dive,required"`
	RequiredReviews       int               `json:"requiredReviews" validate:"gte=0,lte=100"`
	FinalStep             bool              `json:"finalStep"`
	AppealReviewers       []string          `json:"appealReviewers" validate:"dive,required"`
	AppealRequiredReviews int               `json:"appealRequiredReviews" validate:"gte=0,lte=100"`
	RubricCriteria        []CriterionInput  `json:"rubricCriteria" validate:"dive"`
}

type AggregationInput struct {
	Policy    store.PolicyName `json:"policy" validate:"policy"`
	Threshold float64          `json:"threshold" validate:"required_if=Policy average_threshold,gte=0"`
}

type CreateTemplateInput struct {
	WorkspaceID string           `json:"workspaceId" validate:"required,max=200"`
	Title       string           `json:"title" validate:"required,max=200"`
	Aggregation AggregationInput `json:"aggregation"`
	Steps       []StepInput      `json:"steps" validate:"dive"`
}

type UpdateTemplateInput struct {
	Title       string           `json:"title" validate:"required,max=200"`
	Aggregation AggregationInput `json:"aggregation"`
	Steps       []StepInput      `json:"steps" validate:"dive"`
}

func validateSteps(steps []StepInput) error {
	for i, step := range steps {
		if step.Type == store.StepRubric && len(step.RubricCriteria) == 0 {
			return invalidInput(fmt.Sprintf("step %d: rubric steps need at least one criterion", i), map[string]string{
				fmt.Sprintf("Steps[%d].RubricCriteria", i): "required",
			})
		}
		if step.Type != store.StepRubric && len(step.RubricCriteria) > 0 {
			return invalidInput(fmt.Sprintf("step %d: only rubric steps take criteria", i), map[string]string{
				fmt.Sprintf("Steps[%d].RubricCriteria", i): "excluded",
			})
		}
		if !appealable(step.Type) && (len(step.AppealReviewers) > 0 || step.AppealRequiredReviews > 0) {
			return invalidInput(fmt.Sprintf("step %d: %s steps cannot be appealed", i, step.Type), map[string]string{
				fmt.Sprintf("Steps[%d].AppealReviewers", i): "excluded",
			})
		}
	}
	return nil
}

// buildSteps converts step inputs into template steps. A supplied step id is
// kept only when it names a step of the template being edited (existing);
// other steps get fresh ids, since step ids are unique across templates.
func (e *Engine) buildSteps(inputs []StepInput, existing []store.StepTemplate) ([]store.StepTemplate, error) {
	known := make(map[string]struct{}, len(existing))
	for _, step := range existing {
		known[step.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(inputs))
	details := map[string]string{}
	steps := make([]store.StepTemplate, 0, len(inputs))
	for i, in := range inputs {
		if id := strings.TrimSpace(in.ID); id != "" {
			field := fmt.Sprintf("Steps[%d].ID", i)
			if _, ok := known[id]; !ok {
				details[field] = "unknown"
			} else if _, dup := seen[id]; dup {
				details[field] = "unique"
			}
			seen[id] = struct{}{}
		}
		step := store.StepTemplate{
			ID:                    strings.TrimSpace(in.ID),
			Title:                 strings.TrimSpace(in.Title),
			Type:                  in.Type,
			Permissions:           make([]store.Permission, 0, len(in.Permissions)),
			Reviewers:             dedupe(in.Reviewers),
			RequiredReviews:       max(in.RequiredReviews, 1),
			FinalStep:             in.FinalStep,
			AppealReviewers:       dedupe(in.AppealReviewers),
			AppealRequiredReviews: max(in.AppealRequiredReviews, 1),
		}
		if step.ID == "" {
			step.ID = e.newID("step")
		}
		for _, p := range in.Permissions {
			step.Permissions = append(step.Permissions, store.Permission{
				GranteeKind: p.GranteeKind,
				GranteeID:   strings.TrimSpace(p.GranteeID),
				Level:       p.Level,
			})
		}
		for _, c := range in.RubricCriteria {
			criterion := store.RubricCriterion{
				ID:          strings.TrimSpace(c.ID),
				Title:       strings.TrimSpace(c.Title),
				Description: c.Description,
				Min:         c.Min,
				Max:         c.Max,
			}
			if criterion.ID == "" {
				criterion.ID = e.newID("crit")
			}
			step.RubricCriteria = append(step.RubricCriteria, criterion)
		}
		steps = append(steps, step)
	}
	if len(details) > 0 {
		return nil, invalidInput("step ids must name distinct steps of this template", details)
	}
	return steps, nil
}

func aggregationFrom(in AggregationInput) store.Aggregation {
	policy := in.Policy
	if policy == "" {
		policy = store.PolicyRequiredReviews
	}
	return store.Aggregation{Policy: policy, Threshold: in.Threshold}
}

// CreateWorkflowTemplate stores a template and its steps in one transaction,
// appending it after the workspace's existing templates.
func (e *Engine) CreateWorkflowTemplate(ctx context.Context, in CreateTemplateInput) (tmpl store.WorkflowTemplate, err error) {
	defer func(started time.Time) { observe("create_workflow_template", started, err) }(time.Now())

	if err := validateInput(in); err != nil {
		return store.WorkflowTemplate{}, err
	}
	if err := validateSteps(in.Steps); err != nil {
		return store.WorkflowTemplate{}, err
	}

	steps, err := e.buildSteps(in.Steps, nil)
	if err != nil {
		return store.WorkflowTemplate{}, err
	}

	now := e.now()
	tmpl = store.WorkflowTemplate{
		ID:          e.newID("wf"),
		WorkspaceID: strings.TrimSpace(in.WorkspaceID),
		Title:       strings.TrimSpace(in.Title),
		Aggregation: aggregationFrom(in.Aggregation),
		CreatedBy:   actorFrom(ctx),
		Steps:       steps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.store.InTx(ctx, func(tx store.Repository) error {
		next, err := tx.NextTemplateSortIndex(ctx, tmpl.WorkspaceID)
		if err != nil {
			return err
		}
		tmpl.SortIndex = next
		return tx.InsertWorkflowTemplate(ctx, tmpl)
	})
	if err != nil {
		return store.WorkflowTemplate{}, err
	}

	e.logger.Info("workflow template created", "template_id", tmpl.ID, "workspace_id", tmpl.WorkspaceID, "steps", len(tmpl.Steps))
	e.afterTemplateCommit(ctx, tmpl, "create")
	return tmpl, nil
}

// UpdateWorkflowTemplate replaces a template's title, aggregation and steps.
// Proposals cloned earlier keep their own copies.
func (e *Engine) UpdateWorkflowTemplate(ctx context.Context, templateID string, in UpdateTemplateInput) (tmpl store.WorkflowTemplate, err error) {
	defer func(started time.Time) { observe("update_workflow_template", started, err) }(time.Now())

	if err := validateInput(in); err != nil {
		return store.WorkflowTemplate{}, err
	}
	if err := validateSteps(in.Steps); err != nil {
		return store.WorkflowTemplate{}, err
	}

	err = e.store.InTx(ctx, func(tx store.Repository) error {
		existing, err := tx.GetWorkflowTemplate(ctx, templateID)
		if err != nil {
			return lookupErr(err, "workflow template")
		}
		if existing.Archived {
			return conflict(CodeTemplateArchived, "archived templates cannot be edited")
		}
		steps, err := e.buildSteps(in.Steps, existing.Steps)
		if err != nil {
			return err
		}
		existing.Title = strings.TrimSpace(in.Title)
		existing.Aggregation = aggregationFrom(in.Aggregation)
		existing.Steps = steps
		existing.UpdatedAt = e.now()
		if err := tx.UpdateWorkflowTemplate(ctx, existing); err != nil {
			return err
		}
		tmpl = existing
		return nil
	})
	if err != nil {
		return store.WorkflowTemplate{}, err
	}

	e.afterTemplateCommit(ctx, tmpl, "update")
	return tmpl, nil
}

// ArchiveWorkflowTemplate hides a template from new clones. Proposals that
// already cloned it are unaffected.
func (e *Engine) ArchiveWorkflowTemplate(ctx context.Context, templateID string) (store.WorkflowTemplate, error) {
	return e.setArchived(ctx, templateID, true)
}

func (e *Engine) UnarchiveWorkflowTemplate(ctx context.Context, templateID string) (store.WorkflowTemplate, error) {
	return e.setArchived(ctx, templateID, false)
}

func (e *Engine) setArchived(ctx context.Context, templateID string, archived bool) (tmpl store.WorkflowTemplate, err error) {
	action := "unarchive"
	if archived {
		action = "archive"
	}
	defer func(started time.Time) { observe(action+"_workflow_template", started, err) }(time.Now())

	err = e.store.InTx(ctx, func(tx store.Repository) error {
		found, err := tx.SetWorkflowTemplateArchived(ctx, templateID, archived)
		if err != nil {
			return err
		}
		if !found {
			return notFound("workflow template")
		}
		tmpl, err = tx.GetWorkflowTemplate(ctx, templateID)
		if err != nil {
			return lookupErr(err, "workflow template")
		}
		return nil
	})
	if err != nil {
		return store.WorkflowTemplate{}, err
	}
	e.afterTemplateCommit(ctx, tmpl, action)
	return tmpl, nil
}

func (e *Engine) GetWorkflowTemplate(ctx context.Context, templateID string) (store.WorkflowTemplate, error) {
	tmpl, err := e.store.GetWorkflowTemplate(ctx, templateID)
	if err != nil {
		return store.WorkflowTemplate{}, lookupErr(err, "workflow template")
	}
	return tmpl, nil
}

func (e *Engine) ListWorkflowTemplates(ctx context.Context, workspaceID string, includeArchived bool) ([]store.WorkflowTemplate, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, invalidInput("workspaceId is required", map[string]string{"WorkspaceID": "required"})
	}
	return e.store.ListWorkflowTemplates(ctx, workspaceID, includeArchived)
}

// ObfuscateWorkflow returns the template's steps, redacted unless the viewer
// may see evaluation steps.
func (e *Engine) ObfuscateWorkflow(ctx context.Context, templateID string, viewerHasEvaluationAccess bool) ([]store.StepTemplate, error) {
	tmpl, err := e.GetWorkflowTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if viewerHasEvaluationAccess {
		return tmpl.Steps, nil
	}
	return ObfuscateSteps(tmpl.Steps), nil
}

func (e *Engine) TemplateHistory(ctx context.Context, templateID string, limit int) ([]store.TemplateRevision, error) {
	if _, err := e.GetWorkflowTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	if e.recorder == nil {
		return []store.TemplateRevision{}, nil
	}
	return e.recorder.TemplateHistory(ctx, templateID, limit)
}

// TemplateRevision returns the template as recorded at a history revision.
func (e *Engine) TemplateRevision(ctx context.Context, templateID, hash string) (store.WorkflowTemplate, error) {
	if _, err := e.GetWorkflowTemplate(ctx, templateID); err != nil {
		return store.WorkflowTemplate{}, err
	}
	if e.recorder == nil {
		return store.WorkflowTemplate{}, notFound("template revision")
	}
	return e.recorder.TemplateAt(ctx, templateID, hash)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
