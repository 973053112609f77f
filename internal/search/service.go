package search

import (
	"context"
	"log/slog"

	"chronicle/governance/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// configured fallback searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

// SearchProposals tries Meilisearch if healthy, otherwise the fallback.
func (s *Service) SearchProposals(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "fallback"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "fallback"}
}

// IndexProposal pushes a proposal to Meilisearch without blocking the
// caller. The fallback reads the primary store directly and needs no push.
func (s *Service) IndexProposal(proposal store.Proposal) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFromProposal(proposal)
	go func() {
		if err := s.meili.IndexProposals([]ProposalRecord{record}); err != nil {
			s.logger.Warn("index proposal failed", "proposal_id", record.ID, "error", err)
		}
	}()
}

// ReindexAll pushes the most recently updated proposals, archived ones
// included, to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context, repo store.Repository) (int, error) {
	if s.meili == nil || !s.meili.Healthy() {
		return 0, nil
	}
	proposals, err := repo.ListProposals(ctx, store.ProposalFilter{IncludeArchived: true, Limit: 200})
	if err != nil {
		return 0, err
	}
	records := make([]ProposalRecord, 0, len(proposals))
	for _, proposal := range proposals {
		records = append(records, RecordFromProposal(proposal))
	}
	if err := s.meili.IndexProposals(records); err != nil {
		return 0, err
	}
	s.logger.Info("proposals reindexed", "count", len(records))
	return len(records), nil
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
