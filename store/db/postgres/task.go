package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/t0ken-ai/memoryx/store"
)

func (d *DB) CreateTask(ctx context.Context, create *store.Task) (*store.Task, error) {
	if create.Status == "" {
		create.Status = store.TaskPending
	}

	fields := []string{"id", "kind", "user_id", "project_id", "status", "payload", "created_ts", "updated_ts"}
	args := []any{create.ID, create.Kind, create.UserID, create.ProjectID, create.Status, create.Payload, create.CreatedTs, create.UpdatedTs}
	stmt := `INSERT INTO task (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return create, nil
}

func (d *DB) GetTask(ctx context.Context, find *store.FindTask) (*store.Task, error) {
	list, err := d.ListTasks(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "t.id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "t.user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.Status != nil {
		where, args = append(where, "t.status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}
	if find.UpdatedBefore != nil {
		where, args = append(where, "t.updated_ts < "+placeholder(len(args)+1)), append(args, *find.UpdatedBefore)
	}

	query := `SELECT t.id, t.kind, t.user_id, t.project_id, t.status, t.payload, t.error, t.added, t.updated, t.deleted, t.noop, t.created_ts, t.updated_ts
		FROM task t
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY t.created_ts DESC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Task, 0)
	for rows.Next() {
		t := &store.Task{}
		if err := rows.Scan(&t.ID, &t.Kind, &t.UserID, &t.ProjectID, &t.Status, &t.Payload, &t.Error, &t.Added, &t.Updated, &t.Deleted, &t.Noop, &t.CreatedTs, &t.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateTask(ctx context.Context, update *store.UpdateTask) (*store.Task, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.Error != nil {
		set, args = append(set, "error = "+placeholder(len(args)+1)), append(args, *update.Error)
	}
	if update.Added != nil {
		set, args = append(set, "added = "+placeholder(len(args)+1)), append(args, *update.Added)
	}
	if update.Updated != nil {
		set, args = append(set, "updated = "+placeholder(len(args)+1)), append(args, *update.Updated)
	}
	if update.Deleted != nil {
		set, args = append(set, "deleted = "+placeholder(len(args)+1)), append(args, *update.Deleted)
	}
	if update.Noop != nil {
		set, args = append(set, "noop = "+placeholder(len(args)+1)), append(args, *update.Noop)
	}
	set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, update.UpdatedTs)

	args = append(args, update.ID)
	stmt := `UPDATE task SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, kind, user_id, project_id, status, payload, error, added, updated, deleted, noop, created_ts, updated_ts`

	t := &store.Task{}
	err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&t.ID, &t.Kind, &t.UserID, &t.ProjectID, &t.Status, &t.Payload, &t.Error, &t.Added, &t.Updated, &t.Deleted, &t.Noop, &t.CreatedTs, &t.UpdatedTs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task not found: %s", update.ID)
		}
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	return t, nil
}
