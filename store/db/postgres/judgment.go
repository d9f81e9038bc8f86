package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/t0ken-ai/memoryx/store"
)

func (d *DB) CreateMemoryJudgment(ctx context.Context, create *store.MemoryJudgment) (*store.MemoryJudgment, error) {
	stmt := `INSERT INTO memory_judgment (trace_id, user_id, input_facts, neighbors, raw_response, operations, latency_ms, created_ts)
		VALUES (` + placeholders(8) + `)
		RETURNING id`
	err := d.db.QueryRowContext(ctx, stmt,
		create.TraceID, create.UserID, create.InputFacts, create.Neighbors, create.RawResponse, create.Operations, create.LatencyMs, create.CreatedTs,
	).Scan(&create.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory judgment: %w", err)
	}

	return create, nil
}

func (d *DB) ListMemoryJudgments(ctx context.Context, find *store.FindMemoryJudgment) ([]*store.MemoryJudgment, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.TraceID != nil {
		where, args = append(where, "j.trace_id = "+placeholder(len(args)+1)), append(args, *find.TraceID)
	}
	if find.UserID != nil {
		where, args = append(where, "j.user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}

	query := `SELECT j.id, j.trace_id, j.user_id, j.input_facts, j.neighbors, j.raw_response, j.operations, j.latency_ms, j.created_ts
		FROM memory_judgment j
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY j.created_ts DESC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory judgments: %w", err)
	}
	defer rows.Close()

	list := make([]*store.MemoryJudgment, 0)
	for rows.Next() {
		j := &store.MemoryJudgment{}
		if err := rows.Scan(&j.ID, &j.TraceID, &j.UserID, &j.InputFacts, &j.Neighbors, &j.RawResponse, &j.Operations, &j.LatencyMs, &j.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan memory judgment: %w", err)
		}
		list = append(list, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memory judgments: %w", err)
	}

	return list, nil
}
