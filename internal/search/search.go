package search

import (
	"context"

	"chronicle/governance/internal/store"
)

// Result is a single proposal hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	Status      string `json:"status"`
	Archived    bool   `json:"archived"`
}

// Query describes a proposal search.
type Query struct {
	Text            string
	WorkspaceID     string
	Status          string
	IncludeArchived bool
	Limit           int
	Offset          int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a proposal search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ProposalRecord is the data we index for a proposal.
type ProposalRecord struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Authors     []string `json:"authors"`
	Draft       bool     `json:"draft"`
	Archived    bool     `json:"archived"`
	UpdatedAt   int64    `json:"updatedAt"`
}

func RecordFromProposal(proposal store.Proposal) ProposalRecord {
	authors := proposal.Authors
	if authors == nil {
		authors = []string{}
	}
	return ProposalRecord{
		ID:          proposal.ID,
		WorkspaceID: proposal.WorkspaceID,
		Title:       proposal.Title,
		Status:      proposal.Status,
		Authors:     authors,
		Draft:       proposal.Draft,
		Archived:    proposal.Archived,
		UpdatedAt:   proposal.UpdatedAt.Unix(),
	}
}
