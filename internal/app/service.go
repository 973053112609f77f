package app

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chronicle/governance/internal/auth"
	"chronicle/governance/internal/config"
	"chronicle/governance/internal/dedupe"
	"chronicle/governance/internal/evaluation"
	"chronicle/governance/internal/rbac"
	"chronicle/governance/internal/search"
	"chronicle/governance/internal/store"
)

type Session struct {
	UserID    string
	UserName  string
	Role      string
	Roles     []string
	ExpiresAt time.Time
}

// ProposalSearcher answers free-text proposal queries.
type ProposalSearcher interface {
	SearchProposals(ctx context.Context, q search.Query) search.Response
}

// DeliveryStore claims webhook delivery ids.
type DeliveryStore interface {
	Claim(ctx context.Context, deliveryID, source string, ttl time.Duration) (bool, error)
	Lookup(ctx context.Context, deliveryID string) (dedupe.Delivery, bool, error)
	Release(ctx context.Context, deliveryID string) error
}

type Service struct {
	cfg        config.Config
	engine     *evaluation.Engine
	search     ProposalSearcher
	deliveries DeliveryStore
	logger     *slog.Logger
}

func NewService(cfg config.Config, engine *evaluation.Engine, searcher ProposalSearcher, deliveries DeliveryStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		engine:     engine,
		search:     searcher,
		deliveries: deliveries,
		logger:     logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.engine.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		UserID:   claims.Sub,
		UserName: claims.Name,
		Role:     string(rbac.Normalize(claims.Role)),
		Roles:    claims.Roles,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// IssueSession signs an access token for the given identity.
func (s *Service) IssueSession(userID, userName, role string, roles []string) (string, error) {
	return auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   userID,
		Name:  userName,
		Role:  string(rbac.Normalize(role)),
		Roles: roles,
	}, s.cfg.AccessTTL)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) actor(ctx context.Context, session Session) context.Context {
	return evaluation.WithActor(ctx, session.UserID)
}

func (s *Service) ListWorkflowTemplates(ctx context.Context, workspaceID string, includeArchived bool) ([]store.WorkflowTemplate, error) {
	return s.engine.ListWorkflowTemplates(ctx, workspaceID, includeArchived)
}

func (s *Service) CreateWorkflowTemplate(ctx context.Context, session Session, in evaluation.CreateTemplateInput) (store.WorkflowTemplate, error) {
	return s.engine.CreateWorkflowTemplate(s.actor(ctx, session), in)
}

// GetWorkflowTemplate returns the template with its steps redacted for
// viewers without evaluation access.
func (s *Service) GetWorkflowTemplate(ctx context.Context, session Session, templateID string) (store.WorkflowTemplate, error) {
	tmpl, err := s.engine.GetWorkflowTemplate(ctx, templateID)
	if err != nil {
		return store.WorkflowTemplate{}, err
	}
	if !s.Can(session.Role, rbac.ActionViewEvaluations) {
		tmpl.Steps = evaluation.ObfuscateSteps(tmpl.Steps)
	}
	return tmpl, nil
}

func (s *Service) WorkflowSteps(ctx context.Context, session Session, templateID string) ([]store.StepTemplate, error) {
	return s.engine.ObfuscateWorkflow(ctx, templateID, s.Can(session.Role, rbac.ActionViewEvaluations))
}

func (s *Service) UpdateWorkflowTemplate(ctx context.Context, session Session, templateID string, in evaluation.UpdateTemplateInput) (store.WorkflowTemplate, error) {
	return s.engine.UpdateWorkflowTemplate(s.actor(ctx, session), templateID, in)
}

func (s *Service) SetWorkflowTemplateArchived(ctx context.Context, session Session, templateID string, archived bool) (store.WorkflowTemplate, error) {
	if archived {
		return s.engine.ArchiveWorkflowTemplate(s.actor(ctx, session), templateID)
	}
	return s.engine.UnarchiveWorkflowTemplate(s.actor(ctx, session), templateID)
}

func (s *Service) TemplateHistory(ctx context.Context, templateID string, limit int) ([]store.TemplateRevision, error) {
	return s.engine.TemplateHistory(ctx, templateID, limit)
}

func (s *Service) TemplateRevision(ctx context.Context, templateID, hash string) (store.WorkflowTemplate, error) {
	return s.engine.TemplateRevision(ctx, templateID, hash)
}

func (s *Service) CreateProposal(ctx context.Context, session Session, in evaluation.CreateProposalInput) (store.Proposal, error) {
	return s.engine.CreateProposal(s.actor(ctx, session), in)
}

func (s *Service) ListProposals(ctx context.Context, filter store.ProposalFilter) ([]store.Proposal, error) {
	return s.engine.ListProposals(ctx, filter)
}

func (s *Service) SearchProposals(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}
	}
	return s.search.SearchProposals(ctx, q)
}

func (s *Service) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	return s.engine.GetProposal(ctx, proposalID)
}

func (s *Service) GetProposalStatus(ctx context.Context, proposalID string) (evaluation.Status, error) {
	return s.engine.GetProposalStatus(ctx, proposalID)
}

func (s *Service) GetProposalEvaluations(ctx context.Context, proposalID string) ([]store.Evaluation, error) {
	return s.engine.GetProposalEvaluations(ctx, proposalID)
}

func (s *Service) CloneWorkflow(ctx context.Context, session Session, proposalID, templateID string) ([]store.Evaluation, error) {
	return s.engine.CloneStepsIntoProposal(s.actor(ctx, session), proposalID, templateID)
}

func (s *Service) PublishProposal(ctx context.Context, session Session, proposalID string) (store.Proposal, error) {
	return s.engine.PublishProposal(s.actor(ctx, session), proposalID)
}

func (s *Service) ArchiveProposal(ctx context.Context, session Session, proposalID string) (store.Proposal, error) {
	return s.engine.ArchiveProposal(s.actor(ctx, session), proposalID)
}

func (s *Service) SyncPermissions(ctx context.Context, session Session, proposalID string) error {
	return s.engine.SyncPermissionsFromWorkflow(s.actor(ctx, session), proposalID)
}

type ReviewInput struct {
	Result         store.Result                `json:"result"`
	DeclineReasons []string                    `json:"declineReasons"`
	Scores         []evaluation.CriterionScore `json:"scores"`
}

// SubmitReview records a review as the session user, acting through any of
// the user's reviewer roles.
func (s *Service) SubmitReview(ctx context.Context, session Session, evaluationID string, in ReviewInput) (store.Evaluation, error) {
	return s.engine.SubmitReview(s.actor(ctx, session), evaluation.SubmitReviewInput{
		EvaluationID:   evaluationID,
		ReviewerID:     session.UserID,
		ReviewerRoles:  session.Roles,
		Result:         in.Result,
		DeclineReasons: in.DeclineReasons,
		Scores:         in.Scores,
	})
}

func (s *Service) FileAppeal(ctx context.Context, session Session, evaluationID string) (evaluation.AppealLane, error) {
	return s.engine.FileAppeal(s.actor(ctx, session), evaluationID, session.UserID)
}

func (s *Service) AddDocumentToSign(ctx context.Context, session Session, evaluationID, externalID string) (store.Evaluation, error) {
	return s.engine.AddDocumentToSign(s.actor(ctx, session), evaluationID, externalID)
}

type DocumentWebhookInput struct {
	DeliveryID   string               `json:"deliveryId"`
	EvaluationID string               `json:"evaluationId"`
	DocumentID   string               `json:"documentId"`
	Status       store.DocumentStatus `json:"status"`
}

const webhookSourceDocuments = "documents"

// HandleDocumentWebhook applies a signing provider callback once per
// delivery id. A redelivery reports duplicate=true and changes nothing. A
// failed delivery releases its claim so the provider can retry it.
func (s *Service) HandleDocumentWebhook(ctx context.Context, token string, in DocumentWebhookInput) (updated store.Evaluation, duplicate bool, err error) {
	if s.cfg.WebhookToken == "" || subtle.ConstantTimeCompare([]byte(auth.HashToken(token)), []byte(auth.HashToken(s.cfg.WebhookToken))) != 1 {
		return store.Evaluation{}, false, auth.ErrInvalidToken
	}
	in.DeliveryID = strings.TrimSpace(in.DeliveryID)
	if in.DeliveryID == "" {
		return store.Evaluation{}, false, domainError(http.StatusUnprocessableEntity, evaluation.CodeValidation, "deliveryId is required", map[string]string{"DeliveryID": "required"})
	}

	claimed := true
	if s.deliveries != nil {
		claimed, err = s.deliveries.Claim(ctx, in.DeliveryID, webhookSourceDocuments, s.cfg.DedupeTTL)
		if err != nil {
			return store.Evaluation{}, false, fmt.Errorf("claim delivery: %w", err)
		}
	}
	if !claimed {
		attrs := []any{"delivery_id", in.DeliveryID}
		if first, ok, lookupErr := s.deliveries.Lookup(ctx, in.DeliveryID); lookupErr == nil && ok {
			attrs = append(attrs, "source", first.Source, "first_seen", first.ClaimedAt)
		}
		s.logger.Info("duplicate webhook delivery ignored", attrs...)
		return store.Evaluation{}, true, nil
	}

	updated, err = s.engine.UpdateDocumentStatus(ctx, in.EvaluationID, in.DocumentID, in.Status)
	if err != nil {
		if s.deliveries != nil {
			if releaseErr := s.deliveries.Release(ctx, in.DeliveryID); releaseErr != nil {
				s.logger.Warn("release webhook delivery failed", "delivery_id", in.DeliveryID, "error", releaseErr)
			}
		}
		return store.Evaluation{}, false, err
	}
	return updated, false, nil
}

// SeedWorkflows creates the seed's templates in its workspace. Templates
// whose title already exists there are skipped so a seed can be re-run.
func (s *Service) SeedWorkflows(ctx context.Context, seed config.WorkflowSeed) ([]store.WorkflowTemplate, error) {
	existing, err := s.engine.ListWorkflowTemplates(ctx, seed.Workspace, true)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]struct{}, len(existing))
	for _, tmpl := range existing {
		titles[tmpl.Title] = struct{}{}
	}

	created := make([]store.WorkflowTemplate, 0, len(seed.Templates))
	for _, ts := range seed.Templates {
		if _, ok := titles[strings.TrimSpace(ts.Title)]; ok {
			s.logger.Info("seed template exists, skipping", "workspace_id", seed.Workspace, "title", ts.Title)
			continue
		}
		tmpl, err := s.engine.CreateWorkflowTemplate(ctx, templateInputFromSeed(seed.Workspace, ts))
		if err != nil {
			return created, fmt.Errorf("seed template %q: %w", ts.Title, err)
		}
		created = append(created, tmpl)
	}
	return created, nil
}

func templateInputFromSeed(workspaceID string, ts config.TemplateSeed) evaluation.CreateTemplateInput {
	in := evaluation.CreateTemplateInput{
		WorkspaceID: workspaceID,
		Title:       ts.Title,
		Aggregation: evaluation.AggregationInput{Policy: ts.Aggregation.Policy, Threshold: ts.Aggregation.Threshold},
		Steps:       make([]evaluation.StepInput, 0, len(ts.Steps)),
	}
	for _, step := range ts.Steps {
		input := evaluation.StepInput{
			Title:                 step.Title,
			Type:                  step.Type,
			Reviewers:             step.Reviewers,
			RequiredReviews:       step.RequiredReviews,
			FinalStep:             step.FinalStep,
			AppealReviewers:       step.AppealReviewers,
			AppealRequiredReviews: step.AppealRequiredReviews,
		}
		for _, p := range step.Permissions {
			input.Permissions = append(input.Permissions, evaluation.PermissionInput{
				GranteeKind: p.GranteeKind,
				GranteeID:   p.GranteeID,
				Level:       p.Level,
			})
		}
		for _, c := range step.RubricCriteria {
			input.RubricCriteria = append(input.RubricCriteria, evaluation.CriterionInput{
				ID:          c.ID,
				Title:       c.Title,
				Description: c.Description,
				Min:         c.Min,
				Max:         c.Max,
			})
		}
		in.Steps = append(in.Steps, input)
	}
	return in
}
