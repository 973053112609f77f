package templatelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chronicle/governance/internal/store"
)

func template(id, title string) store.WorkflowTemplate {
	return store.WorkflowTemplate{
		ID:          id,
		WorkspaceID: "ws-1",
		Title:       title,
		Steps: []store.StepTemplate{
			{ID: "step_1", Title: "Discussion", Type: store.StepFeedback},
			{ID: "step_2", Title: "Vote", Type: store.StepVote, Reviewers: []string{"board"}},
		},
	}
}

func TestTemplateHistoryLifecycle(t *testing.T) {
	dir := t.TempDir()
	svc := New(dir)
	ctx := context.Background()

	history, err := svc.TemplateHistory(ctx, "wf_1", 10)
	if err != nil {
		t.Fatalf("TemplateHistory() on empty repo error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}

	if err := svc.RecordTemplate(ctx, template("wf_1", "Grants"), "create", "Avery Admin"); err != nil {
		t.Fatalf("RecordTemplate(create) error = %v", err)
	}
	if err := svc.RecordTemplate(ctx, template("wf_2", "Other"), "create", "Avery Admin"); err != nil {
		t.Fatalf("RecordTemplate(other) error = %v", err)
	}
	renamed := template("wf_1", "Grants 2026")
	if err := svc.RecordTemplate(ctx, renamed, "update", "Blake"); err != nil {
		t.Fatalf("RecordTemplate(update) error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "templates", "wf_1.json")); err != nil {
		t.Fatalf("template file missing: %v", err)
	}

	history, err = svc.TemplateHistory(ctx, "wf_1", 10)
	if err != nil {
		t.Fatalf("TemplateHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions of wf_1, got %d", len(history))
	}
	if !strings.HasPrefix(history[0].Message, "update workflow template wf_1") {
		t.Fatalf("expected newest revision first, got %q", history[0].Message)
	}
	if history[0].Author != "Blake" || len(history[0].Hash) != 7 {
		t.Fatalf("unexpected revision %+v", history[0])
	}

	limited, err := svc.TemplateHistory(ctx, "wf_1", 1)
	if err != nil {
		t.Fatalf("TemplateHistory(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 revision, got %d", len(limited))
	}

	original, err := svc.TemplateAt(ctx, "wf_1", history[1].Hash)
	if err != nil {
		t.Fatalf("TemplateAt() error = %v", err)
	}
	if original.Title != "Grants" || len(original.Steps) != 2 {
		t.Fatalf("unexpected template at first revision: %+v", original)
	}
	if original.Steps[1].Reviewers[0] != "board" {
		t.Fatalf("expected reviewers to round trip, got %+v", original.Steps[1])
	}

	if _, err := svc.TemplateAt(ctx, "wf_2", history[1].Hash); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("expected ErrRevisionNotFound for template absent at revision, got %v", err)
	}
	if _, err := svc.TemplateAt(ctx, "wf_1", "zzzzzzz"); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("expected ErrRevisionNotFound for bad hash, got %v", err)
	}
}

func TestRecordTemplateReopensExistingRepo(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	if err := New(dir).RecordTemplate(ctx, template("wf_1", "Grants"), "create", "Avery"); err != nil {
		t.Fatalf("RecordTemplate() error = %v", err)
	}

	svc := New(dir)
	if err := svc.RecordTemplate(ctx, template("wf_1", "Grants"), "archive", "Avery"); err != nil {
		t.Fatalf("RecordTemplate() on reopened repo error = %v", err)
	}
	history, err := svc.TemplateHistory(ctx, "wf_1", 0)
	if err != nil {
		t.Fatalf("TemplateHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected unchanged content to still record a revision, got %d", len(history))
	}
}

func TestRecordTemplateConcurrent(t *testing.T) {
	svc := New(t.TempDir())
	svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tmpl := template("wf_1", "Grants")
			tmpl.SortIndex = i
			errs <- svc.RecordTemplate(ctx, tmpl, "update", "Avery")
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent RecordTemplate() error = %v", err)
		}
	}

	history, err := svc.TemplateHistory(ctx, "wf_1", 0)
	if err != nil {
		t.Fatalf("TemplateHistory() error = %v", err)
	}
	if len(history) != 8 {
		t.Fatalf("expected 8 revisions, got %d", len(history))
	}
}

func TestSanitizeEmail(t *testing.T) {
	cases := map[string]string{
		"Avery Admin": "Avery.Admin",
		"":            "user",
		"ops_bot-1":   "ops.bot.1",
		"å@!":         "user",
	}
	for in, want := range cases {
		if got := sanitizeEmail(in); got != want {
			t.Errorf("sanitizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
