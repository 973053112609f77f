package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches proposal titles with PostgreSQL full-text search. It is
// the fallback when Meilisearch is not configured or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	where := []string{"p.fts @@ " + tsQuery}
	args := []any{text}
	if q.WorkspaceID != "" {
		args = append(args, q.WorkspaceID)
		where = append(where, fmt.Sprintf("p.workspace_id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, fmt.Sprintf("p.status = $%d", len(args)))
	}
	if !q.IncludeArchived {
		where = append(where, "p.archived = FALSE")
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	countSQL := "SELECT count(*) FROM proposals p WHERE " + whereSQL
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT p.id, p.workspace_id, p.title,
			ts_headline('simple', p.title, %s, 'StartSel=<mark>,StopSel=</mark>') AS snippet,
			p.status, p.archived
		FROM proposals p
		WHERE %s
		ORDER BY ts_rank(p.fts, %s) DESC, p.updated_at DESC
		LIMIT %d OFFSET %d`,
		tsQuery, whereSQL, tsQuery, q.limit(), max(q.Offset, 0))

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Title, &r.Snippet, &r.Status, &r.Archived); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
