// Package templatelog records every saved workflow template as a commit in
// a local git repository, giving templates a browsable revision history.
package templatelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chronicle/governance/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const branch = "main"

var ErrRevisionNotFound = errors.New("template revision not found")

type Service struct {
	dir  string
	mu   sync.Mutex
	repo *git.Repository
	now  func() time.Time
}

func New(dir string) *Service {
	return &Service{dir: dir, now: time.Now}
}

func templatePath(templateID string) string {
	return filepath.ToSlash(filepath.Join("templates", templateID+".json"))
}

// open initializes the repository on first use. Callers hold s.mu.
func (s *Service) open() (*git.Repository, error) {
	if s.repo != nil {
		return s.repo, nil
	}
	repo, err := git.PlainOpen(s.dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create repo dir: %w", err)
		}
		repo, err = git.PlainInit(s.dir, false)
		if err != nil {
			return nil, fmt.Errorf("init repo: %w", err)
		}
		head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
		if err := repo.Storer.SetReference(head); err != nil {
			return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	s.repo = repo
	return repo, nil
}

// RecordTemplate commits the template's current state. action names what
// happened to it (create, update, archive, unarchive, seed).
func (s *Service) RecordTemplate(_ context.Context, tmpl store.WorkflowTemplate, action, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	rel := templatePath(tmpl.ID)
	abs := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}
	if err := os.WriteFile(abs, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return fmt.Errorf("git add template: %w", err)
	}

	message := fmt.Sprintf("%s workflow template %s\n\nworkspace=%s title=%q steps=%d", action, tmpl.ID, tmpl.WorkspaceID, tmpl.Title, len(tmpl.Steps))
	_, err = worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  actor,
			Email: fmt.Sprintf("%s@governance.local", sanitizeEmail(actor)),
			When:  s.now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit template: %w", err)
	}
	return nil
}

// TemplateHistory lists the template's revisions, newest first.
func (s *Service) TemplateHistory(_ context.Context, templateID string, limit int) ([]store.TemplateRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []store.TemplateRevision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.TemplateRevision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if subjectTemplateID(commitObj.Message) != templateID {
			return nil
		}
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// TemplateAt returns the template as it was stored at revision hash. A
// short hash is resolved against the repository.
func (s *Service) TemplateAt(_ context.Context, templateID, hash string) (store.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return store.WorkflowTemplate{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return store.WorkflowTemplate{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return store.WorkflowTemplate{}, fmt.Errorf("read commit %s: %w", hash, ErrRevisionNotFound)
	}
	file, err := commitObj.File(templatePath(templateID))
	if err != nil {
		return store.WorkflowTemplate{}, fmt.Errorf("template %s at %s: %w", templateID, hash, ErrRevisionNotFound)
	}
	contents, err := file.Contents()
	if err != nil {
		return store.WorkflowTemplate{}, fmt.Errorf("read template contents: %w", err)
	}
	var tmpl store.WorkflowTemplate
	if err := json.Unmarshal([]byte(contents), &tmpl); err != nil {
		return store.WorkflowTemplate{}, fmt.Errorf("decode template: %w", err)
	}
	return tmpl, nil
}

// subjectTemplateID reads the template id from a commit subject. Revisions
// that leave the file unchanged still count, so history is keyed on the
// subject rather than on file changes.
func subjectTemplateID(message string) string {
	subject, _, _ := strings.Cut(message, "\n")
	fields := strings.Fields(subject)
	if len(fields) < 4 || fields[1] != "workflow" || fields[2] != "template" {
		return ""
	}
	return fields[3]
}

func toRevision(commitObj *object.Commit) store.TemplateRevision {
	return store.TemplateRevision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, ErrRevisionNotFound)
	}
	return *resolved, nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
