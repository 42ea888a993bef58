package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const snippetLen = 160

// Linear scans thread titles, thread bodies, and reply bodies for the
// query as a case-sensitive substring. Every matching thread comes back
// exactly once. This is the authoritative backend; ranked engines only
// mirror it.
type Linear struct {
	db *sql.DB
}

func NewLinear(db *sql.DB) *Linear {
	return &Linear{db: db}
}

func (l *Linear) Search(ctx context.Context, q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	const scan = `
		SELECT DISTINCT t.id, t.category_id, t.title, t.body, t.created_at
		FROM threads t
		LEFT JOIN replies r ON r.thread_id = t.id
		WHERE t.title LIKE '%' || $1 || '%'
			OR t.body LIKE '%' || $1 || '%'
			OR r.body LIKE '%' || $1 || '%'
		ORDER BY t.created_at DESC, t.id
		LIMIT $2
	`
	rows, err := l.db.QueryContext(ctx, scan, escapeLike(q.Text), limit)
	if err != nil {
		return nil, 0, fmt.Errorf("search threads: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			result    Result
			body      string
			createdAt sql.NullTime
		)
		if err := rows.Scan(&result.ThreadID, &result.CategoryID, &result.Title, &body, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		result.Snippet = snippet(body)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return results, len(results), nil
}

// escapeLike neutralizes LIKE metacharacters so the query matches as a
// literal substring. "100%" must not match "100 days".
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= snippetLen {
		return body
	}
	return string(runes[:snippetLen])
}
