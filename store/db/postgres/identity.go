package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/t0ken-ai/memoryx/store"
)

func (d *DB) CreateUser(ctx context.Context, create *store.User) (*store.User, error) {
	if create.Tier == "" {
		create.Tier = store.TierFree
	}

	stmt := `INSERT INTO "user" (id, tier, fingerprint, created_ts, updated_ts)
		VALUES (` + placeholders(5) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, create.ID, create.Tier, create.Fingerprint, create.CreatedTs, create.UpdatedTs); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return create, nil
}

func (d *DB) GetUser(ctx context.Context, find *store.FindUser) (*store.User, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "u.id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.Fingerprint != nil {
		where, args = append(where, "u.fingerprint = "+placeholder(len(args)+1)), append(args, *find.Fingerprint)
	}

	query := `SELECT u.id, u.tier, u.fingerprint, u.created_ts, u.updated_ts
		FROM "user" u
		WHERE ` + strings.Join(where, " AND ") + `
		LIMIT 1`

	u := &store.User{}
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Tier, &u.Fingerprint, &u.CreatedTs, &u.UpdatedTs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return u, nil
}

func (d *DB) UpdateUser(ctx context.Context, update *store.UpdateUser) (*store.User, error) {
	set, args := []string{}, []any{}

	if update.Tier != nil {
		set, args = append(set, "tier = "+placeholder(len(args)+1)), append(args, *update.Tier)
	}
	set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, update.UpdatedTs)

	args = append(args, update.ID)
	stmt := `UPDATE "user" SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, tier, fingerprint, created_ts, updated_ts`

	u := &store.User{}
	err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&u.ID, &u.Tier, &u.Fingerprint, &u.CreatedTs, &u.UpdatedTs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user not found: %s", update.ID)
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	return u, nil
}

func (d *DB) CreateProject(ctx context.Context, create *store.Project) (*store.Project, error) {
	stmt := `INSERT INTO project (id, user_id, name, created_ts)
		VALUES (` + placeholders(4) + `)
		ON CONFLICT (user_id, name) DO NOTHING`
	if _, err := d.db.ExecContext(ctx, stmt, create.ID, create.UserID, create.Name, create.CreatedTs); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	// The insert may have been a no-op on conflict; read back the row
	// so callers always get the canonical id.
	return d.GetProject(ctx, &store.FindProject{UserID: &create.UserID, Name: &create.Name})
}

func (d *DB) GetProject(ctx context.Context, find *store.FindProject) (*store.Project, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "p.id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "p.user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.Name != nil {
		where, args = append(where, "p.name = "+placeholder(len(args)+1)), append(args, *find.Name)
	}

	query := `SELECT p.id, p.user_id, p.name, p.created_ts
		FROM project p
		WHERE ` + strings.Join(where, " AND ") + `
		LIMIT 1`

	p := &store.Project{}
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedTs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return p, nil
}

func (d *DB) CreateAPIKey(ctx context.Context, create *store.APIKey) (*store.APIKey, error) {
	stmt := `INSERT INTO api_key (user_id, key_hash, fingerprint, name, created_ts, last_used_ts)
		VALUES (` + placeholders(6) + `)
		RETURNING id`
	err := d.db.QueryRowContext(ctx, stmt,
		create.UserID, create.KeyHash, create.Fingerprint, create.Name, create.CreatedTs, create.LastUsedTs,
	).Scan(&create.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return create, nil
}

func (d *DB) GetAPIKey(ctx context.Context, find *store.FindAPIKey) (*store.APIKey, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "k.id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.KeyHash != nil {
		where, args = append(where, "k.key_hash = "+placeholder(len(args)+1)), append(args, *find.KeyHash)
	}
	if find.UserID != nil {
		where, args = append(where, "k.user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.Fingerprint != nil {
		where, args = append(where, "k.fingerprint = "+placeholder(len(args)+1)), append(args, *find.Fingerprint)
	}

	query := `SELECT k.id, k.user_id, k.key_hash, k.fingerprint, k.name, k.created_ts, k.last_used_ts
		FROM api_key k
		WHERE ` + strings.Join(where, " AND ") + `
		LIMIT 1`

	k := &store.APIKey{}
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Fingerprint, &k.Name, &k.CreatedTs, &k.LastUsedTs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return k, nil
}

func (d *DB) TouchAPIKey(ctx context.Context, id int64, ts int64) error {
	if _, err := d.db.ExecContext(ctx, `UPDATE api_key SET last_used_ts = $1 WHERE id = $2`, ts, id); err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}
