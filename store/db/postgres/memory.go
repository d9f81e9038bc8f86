package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/t0ken-ai/memoryx/store"
)

func (d *DB) CreateMemory(ctx context.Context, create *store.Memory) (*store.Memory, error) {
	entities, err := json.Marshal(create.Entities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entities: %w", err)
	}
	if create.Version == 0 {
		create.Version = 1
	}

	fields := []string{"id", "version", "user_id", "project_id", "agent_id", "content", "category", "entities", "segment_id", "tombstone", "created_ts", "updated_ts"}
	args := []any{create.ID, create.Version, create.UserID, create.ProjectID, create.AgentID, create.Content, create.Category, string(entities), create.SegmentID, create.Tombstone, create.CreatedTs, create.UpdatedTs}
	stmt := `INSERT INTO memory (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to create memory: %w", err)
	}

	return create, nil
}

func (d *DB) AppendMemoryVersion(ctx context.Context, next *store.Memory) (*store.Memory, error) {
	entities, err := json.Marshal(next.Entities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entities: %w", err)
	}

	// The new version number is assigned here to keep concurrent appenders
	// from racing on a read-then-write.
	stmt := `INSERT INTO memory (id, version, user_id, project_id, agent_id, content, category, entities, segment_id, tombstone, created_ts, updated_ts)
		SELECT m.id, m.version + 1, m.user_id, m.project_id, m.agent_id, $2, $3, $4, $5, FALSE, m.created_ts, $6
		FROM memory m
		WHERE m.id = $1
		ORDER BY m.version DESC
		LIMIT 1
		RETURNING version`
	err = d.db.QueryRowContext(ctx, stmt,
		next.ID, next.Content, next.Category, string(entities), next.SegmentID, next.UpdatedTs,
	).Scan(&next.Version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("memory not found: %s", next.ID)
		}
		return nil, fmt.Errorf("failed to append memory version: %w", err)
	}

	return next, nil
}

func (d *DB) ListMemories(ctx context.Context, find *store.FindMemory) ([]*store.Memory, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "m.id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if len(find.IDs) > 0 {
		where, args = append(where, "m.id = ANY("+placeholder(len(args)+1)+")"), append(args, pq.Array(find.IDs))
	}
	if find.UserID != nil {
		where, args = append(where, "m.user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.ProjectID != nil {
		where, args = append(where, "m.project_id = "+placeholder(len(args)+1)), append(args, *find.ProjectID)
	}
	if find.AgentID != nil {
		where, args = append(where, "m.agent_id = "+placeholder(len(args)+1)), append(args, *find.AgentID)
	}
	if find.Category != nil {
		where, args = append(where, "m.category = "+placeholder(len(args)+1)), append(args, *find.Category)
	}

	from := "memory m"
	if !find.AllVersions {
		// Latest version of each memory only.
		from = `(SELECT DISTINCT ON (id) * FROM memory ORDER BY id, version DESC) m`
	}
	if !find.IncludeTombstoned {
		where = append(where, "m.tombstone = FALSE")
	}

	query := `SELECT m.id, m.version, m.user_id, m.project_id, m.agent_id, m.content, m.category, m.entities, m.segment_id, m.tombstone, m.created_ts, m.updated_ts
		FROM ` + from + `
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY m.updated_ts DESC, m.id`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
		if find.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Memory, 0)
	for rows.Next() {
		m := &store.Memory{}
		var entities string
		if err := rows.Scan(&m.ID, &m.Version, &m.UserID, &m.ProjectID, &m.AgentID, &m.Content, &m.Category, &entities, &m.SegmentID, &m.Tombstone, &m.CreatedTs, &m.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(entities), &m.Entities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entities: %w", err)
		}
		list = append(list, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memories: %w", err)
	}

	return list, nil
}

func (d *DB) CountMemories(ctx context.Context, find *store.FindMemory) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.UserID != nil {
		where, args = append(where, "m.user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.ProjectID != nil {
		where, args = append(where, "m.project_id = "+placeholder(len(args)+1)), append(args, *find.ProjectID)
	}
	if find.Category != nil {
		where, args = append(where, "m.category = "+placeholder(len(args)+1)), append(args, *find.Category)
	}
	if !find.IncludeTombstoned {
		where = append(where, "m.tombstone = FALSE")
	}

	query := `SELECT COUNT(*) FROM (SELECT DISTINCT ON (id) * FROM memory ORDER BY id, version DESC) m
		WHERE ` + strings.Join(where, " AND ")

	var count int64
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return count, nil
}

func (d *DB) TombstoneMemory(ctx context.Context, delete *store.DeleteMemory) error {
	// A tombstone is a new version so the deletion itself is auditable.
	stmt := `INSERT INTO memory (id, version, user_id, project_id, agent_id, content, category, entities, segment_id, tombstone, created_ts, updated_ts)
		SELECT m.id, m.version + 1, m.user_id, m.project_id, m.agent_id, m.content, m.category, m.entities, m.segment_id, TRUE, m.created_ts, (EXTRACT(EPOCH FROM NOW()))::BIGINT
		FROM memory m
		WHERE m.id = $1 AND m.user_id = $2
		ORDER BY m.version DESC
		LIMIT 1`
	result, err := d.db.ExecContext(ctx, stmt, delete.ID, delete.UserID)
	if err != nil {
		return fmt.Errorf("failed to tombstone memory: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("memory not found: %s", delete.ID)
	}
	return nil
}

func (d *DB) HardDeleteMemory(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM memory WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to hard delete memory: %w", err)
	}
	return nil
}

func (d *DB) ListMemoryOwners(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memory`)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory owners: %w", err)
	}
	defer rows.Close()

	owners := make([]string, 0)
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan memory owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memory owners: %w", err)
	}
	return owners, nil
}

func (d *DB) GetMemoryStats(ctx context.Context, userID string, projectID *string) (*store.MemoryStats, error) {
	where, args := []string{"m.user_id = $1", "m.tombstone = FALSE"}, []any{userID}
	if projectID != nil {
		where, args = append(where, "m.project_id = "+placeholder(len(args)+1)), append(args, *projectID)
	}

	query := `SELECT m.category, COUNT(*) FROM (SELECT DISTINCT ON (id) * FROM memory ORDER BY id, version DESC) m
		WHERE ` + strings.Join(where, " AND ") + `
		GROUP BY m.category`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory stats: %w", err)
	}
	defer rows.Close()

	stats := &store.MemoryStats{ByCategory: map[string]int64{}}
	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan memory stats: %w", err)
		}
		stats.ByCategory[category] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memory stats: %w", err)
	}
	return stats, nil
}
