package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgLike is the Postgres fallback searcher: an escaped ILIKE scan over
// stream posts. Slower and rank-free, but always available.
type PgLike struct {
	db *sql.DB
}

func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

func (p *PgLike) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + escapeLike(q.Text) + "%"
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stream_posts p
		WHERE p.deleted = FALSE AND p.text ILIKE $1 ESCAPE '\'
	`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pglike count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT p.id, u.username, p.text
		FROM stream_posts p
		JOIN users u ON u.id = p.author_id
		WHERE p.deleted = FALSE AND p.text ILIKE $1 ESCAPE '\'
		ORDER BY p.id DESC
		LIMIT %d OFFSET %d
	`, limit, offset), pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("pglike query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.PostID, &r.Author, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pglike scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
