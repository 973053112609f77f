package search

import (
	"context"
	"strings"

	"chronicle/governance/internal/store"
)

// StoreScan matches titles by substring over the repository listing. It
// backs search for the in-memory storage mode.
type StoreScan struct {
	repo store.Repository
}

func NewStoreScan(repo store.Repository) *StoreScan {
	return &StoreScan{repo: repo}
}

func (s *StoreScan) Healthy() bool {
	return true
}

func (s *StoreScan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil, 0, nil
	}
	proposals, err := s.repo.ListProposals(ctx, store.ProposalFilter{
		WorkspaceID:     q.WorkspaceID,
		Status:          q.Status,
		IncludeArchived: q.IncludeArchived,
		Limit:           200,
	})
	if err != nil {
		return nil, 0, err
	}

	var matched []Result
	for _, proposal := range proposals {
		if !strings.Contains(strings.ToLower(proposal.Title), text) {
			continue
		}
		matched = append(matched, Result{
			ID:          proposal.ID,
			WorkspaceID: proposal.WorkspaceID,
			Title:       proposal.Title,
			Snippet:     proposal.Title,
			Status:      proposal.Status,
			Archived:    proposal.Archived,
		})
	}
	total := len(matched)
	start := min(max(q.Offset, 0), total)
	end := min(start+q.limit(), total)
	return matched[start:end], total, nil
}
