package search

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/governance/internal/store"
)

func seedProposals(t *testing.T) *store.MemoryStore {
	t.Helper()
	repo := store.NewMemoryStore()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range []store.Proposal{
		{ID: "prop_1", WorkspaceID: "ws-1", Title: "Community Garden", Status: "discussion"},
		{ID: "prop_2", WorkspaceID: "ws-1", Title: "Garden tools", Status: "vote_active"},
		{ID: "prop_3", WorkspaceID: "ws-2", Title: "Garden shed", Status: "discussion"},
		{ID: "prop_4", WorkspaceID: "ws-1", Title: "Old garden", Status: "published", Archived: true},
	} {
		p.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.InsertProposal(context.Background(), p))
	}
	return repo
}

func TestSearchFallsBackToStoreScan(t *testing.T) {
	svc := NewService(nil, NewStoreScan(seedProposals(t)), nil)

	resp := svc.SearchProposals(context.Background(), Query{Text: "garden", WorkspaceID: "ws-1"})
	assert.Equal(t, "fallback", resp.Backend)
	assert.Equal(t, 2, resp.Total)
	ids := []string{resp.Results[0].ID, resp.Results[1].ID}
	assert.ElementsMatch(t, []string{"prop_1", "prop_2"}, ids)

	resp = svc.SearchProposals(context.Background(), Query{Text: "GARDEN", WorkspaceID: "ws-1", IncludeArchived: true, Status: "published"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "prop_4", resp.Results[0].ID)
	assert.True(t, resp.Results[0].Archived)
}

func TestStoreScanPaginates(t *testing.T) {
	scan := NewStoreScan(seedProposals(t))

	results, total, err := scan.Search(context.Background(), Query{Text: "garden", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, results, 1)

	results, total, err = scan.Search(context.Background(), Query{Text: "garden", Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, results)
}

func TestEmptyQueryReturnsNothing(t *testing.T) {
	svc := NewService(nil, NewStoreScan(seedProposals(t)), nil)
	resp := svc.SearchProposals(context.Background(), Query{Text: "   "})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestIndexProposalWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, nil, nil)
	svc.IndexProposal(store.Proposal{ID: "prop_1"})
	n, err := svc.ReindexAll(context.Background(), store.NewMemoryStore())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "none", svc.SearchProposals(context.Background(), Query{Text: "x"}).Backend)
}

func TestMeiliFilters(t *testing.T) {
	assert.Equal(t, []string{`workspaceId = "ws-1"`, `status = "vote_active"`, "archived = false"},
		meiliFilters(Query{WorkspaceID: "ws-1", Status: "vote_active"}))
	assert.Empty(t, meiliFilters(Query{IncludeArchived: true}))
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	hit := meili.Hit{
		"id":          raw("prop_1"),
		"workspaceId": raw("ws-1"),
		"title":       raw("Community Garden"),
		"status":      raw("discussion"),
		"archived":    raw(false),
		"_formatted":  raw(map[string]any{"title": "Community <mark>Garden</mark>", "draft": false}),
	}

	got := hitToResult(hit)
	assert.Equal(t, Result{
		ID:          "prop_1",
		WorkspaceID: "ws-1",
		Title:       "Community Garden",
		Snippet:     "Community <mark>Garden</mark>",
		Status:      "discussion",
	}, got)
}

func TestRecordFromProposal(t *testing.T) {
	updated := time.Unix(1700000000, 0)
	record := RecordFromProposal(store.Proposal{ID: "prop_1", WorkspaceID: "ws-1", Title: "T", Status: "draft", Draft: true, UpdatedAt: updated})
	assert.Equal(t, []string{}, record.Authors)
	assert.Equal(t, int64(1700000000), record.UpdatedAt)
	assert.True(t, record.Draft)
}
