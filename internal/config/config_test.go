package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chronicle/governance/internal/store"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GOVERNANCE_STORAGE", "")
	t.Setenv("GOVERNANCE_LOG_LEVEL", "")
	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.Storage != "postgres" {
		t.Fatalf("expected postgres storage, got %q", cfg.Storage)
	}
	if cfg.DedupeTTL != 24*time.Hour {
		t.Fatalf("expected 24h dedupe ttl, got %v", cfg.DedupeTTL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GOVERNANCE_STORAGE", "Memory")
	t.Setenv("GOVERNANCE_LOG_LEVEL", "debug")
	t.Setenv("GOVERNANCE_WEBHOOK_DEDUPE_TTL_SECONDS", "60")
	t.Setenv("GOVERNANCE_ACCESS_TTL_SECONDS", "not-a-number")
	cfg := Load()
	if cfg.Storage != "memory" {
		t.Fatalf("expected memory storage, got %q", cfg.Storage)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.LogLevel)
	}
	if cfg.DedupeTTL != time.Minute {
		t.Fatalf("expected 1m dedupe ttl, got %v", cfg.DedupeTTL)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("expected fallback access ttl, got %v", cfg.AccessTTL)
	}
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoadWorkflowSeed(t *testing.T) {
	path := writeSeed(t, `
workspace: ws-1
templates:
  - title: Grants round
    aggregation:
      policy: average_threshold
      threshold: 3.5
    steps:
      - title: Discussion
        type: feedback
        permissions:
          - granteeKind: workspace
            granteeId: ws-1
            level: comment
      - title: Scoring
        type: rubric
        reviewers: [board]
        requiredReviews: 2
        appealReviewers: [panel]
        rubricCriteria:
          - id: impact
            title: Impact
            min: 1
            max: 5
`)
	seed, err := LoadWorkflowSeed(path)
	if err != nil {
		t.Fatalf("LoadWorkflowSeed() error = %v", err)
	}
	if seed.Workspace != "ws-1" || len(seed.Templates) != 1 {
		t.Fatalf("unexpected seed: %+v", seed)
	}
	tmpl := seed.Templates[0]
	if tmpl.Aggregation.Policy != store.PolicyAverageThreshold || tmpl.Aggregation.Threshold != 3.5 {
		t.Fatalf("unexpected aggregation: %+v", tmpl.Aggregation)
	}
	if len(tmpl.Steps) != 2 || tmpl.Steps[1].Type != store.StepRubric {
		t.Fatalf("unexpected steps: %+v", tmpl.Steps)
	}
	if tmpl.Steps[0].Permissions[0].Level != store.LevelComment {
		t.Fatalf("unexpected permissions: %+v", tmpl.Steps[0].Permissions)
	}
	if got := tmpl.Steps[1].RubricCriteria[0]; got.ID != "impact" || got.Max != 5 {
		t.Fatalf("unexpected criterion: %+v", got)
	}
}

func TestLoadWorkflowSeedRejectsUnknownFields(t *testing.T) {
	path := writeSeed(t, `
workspace: ws-1
templates:
  - title: Typo
    steps:
      - title: Vote
        typ: vote
`)
	if _, err := LoadWorkflowSeed(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadWorkflowSeedRequiresWorkspace(t *testing.T) {
	path := writeSeed(t, "templates: []\n")
	if _, err := LoadWorkflowSeed(path); err == nil {
		t.Fatal("expected missing workspace error")
	}
	if _, err := LoadWorkflowSeed(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}
