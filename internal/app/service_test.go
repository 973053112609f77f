package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"chronicle/governance/internal/auth"
	"chronicle/governance/internal/config"
	"chronicle/governance/internal/evaluation"
	"chronicle/governance/internal/store"
	"chronicle/governance/internal/templatelog"
)

func TestSeedWorkflowsSkipsExistingTitles(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	seed := config.WorkflowSeed{
		Workspace: "ws-1",
		Templates: []config.TemplateSeed{
			{
				Title:       "Grant review",
				Aggregation: store.Aggregation{Policy: store.PolicyAverageThreshold, Threshold: 3},
				Steps: []config.StepSeed{
					{Title: "Discussion", Type: store.StepFeedback},
					{
						Title:     "Scoring",
						Type:      store.StepRubric,
						Reviewers: []string{"panel"},
						Permissions: []store.Permission{
							{GranteeKind: store.GranteeRole, GranteeID: "panel", Level: store.LevelComment},
						},
						RubricCriteria: []store.RubricCriterion{{Title: "Impact", Min: 1, Max: 5}},
					},
				},
			},
			{
				Title: "Fast track",
				Steps: []config.StepSeed{{Title: "Vote", Type: store.StepVote, Reviewers: []string{"board"}}},
			},
		},
	}

	created, err := env.service.SeedWorkflows(ctx, seed)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(created))
	}
	grant := created[0]
	if grant.Aggregation.Policy != store.PolicyAverageThreshold || grant.Aggregation.Threshold != 3 {
		t.Fatalf("unexpected aggregation %+v", grant.Aggregation)
	}
	if len(grant.Steps) != 2 || len(grant.Steps[1].RubricCriteria) != 1 || len(grant.Steps[1].Permissions) != 1 {
		t.Fatalf("unexpected seeded steps %+v", grant.Steps)
	}

	again, err := env.service.SeedWorkflows(ctx, seed)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected reseed to skip existing templates, got %d", len(again))
	}
}

func TestSeedWorkflowsReportsInvalidTemplate(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore())
	_, err := env.service.SeedWorkflows(context.Background(), config.WorkflowSeed{
		Workspace: "ws-1",
		Templates: []config.TemplateSeed{{Title: "Broken", Steps: []config.StepSeed{{Title: "Scoring", Type: store.StepRubric}}}},
	})
	if !errors.Is(err, evaluation.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "domain error", err: domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "bad", nil), status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "engine conflict", err: &evaluation.Error{Kind: evaluation.KindConflict, Code: evaluation.CodeStepClosed, Message: "closed"}, status: http.StatusConflict, code: evaluation.CodeStepClosed},
		{name: "wrapped engine not found", err: fmt.Errorf("load: %w", &evaluation.Error{Kind: evaluation.KindNotFound, Code: evaluation.CodeNotFound}), status: http.StatusNotFound, code: evaluation.CodeNotFound},
		{name: "engine unauthorized", err: &evaluation.Error{Kind: evaluation.KindUnauthorized, Code: evaluation.CodeNotReviewer}, status: http.StatusForbidden, code: evaluation.CodeNotReviewer},
		{name: "engine invalid input", err: &evaluation.Error{Kind: evaluation.KindInvalidInput, Code: evaluation.CodeValidation}, status: http.StatusUnprocessableEntity, code: evaluation.CodeValidation},
		{name: "revision not found", err: templatelog.ErrRevisionNotFound, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "no rows", err: sql.ErrNoRows, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "expired token", err: auth.ErrExpiredToken, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, code: "SERVER_ERROR"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.status || code != tc.code {
				t.Fatalf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}

func TestSessionFromTokenNormalizesRole(t *testing.T) {
	env := newTestEnv(t, store.NewMemoryStore())

	token := env.token(t, "u-1", "owner", "panel")
	session, err := env.service.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Role != "viewer" || len(session.Roles) != 1 || session.Roles[0] != "panel" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.ExpiresAt.IsZero() {
		t.Fatal("expected expiry to be set")
	}
}
