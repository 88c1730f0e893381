// Package state is a small per-source key/value store for watcher status
// and other bookkeeping that must survive restarts.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Napageneral/commsledger/internal/db"
)

func Get(ctx context.Context, q db.Execer, source string, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM source_state WHERE source = ? AND key = ?`, source, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get source state: %w", err)
	}
	return v, true, nil
}

func Set(ctx context.Context, q db.Execer, source string, key string, value string) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO source_state (source, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, source, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set source state: %w", err)
	}
	return nil
}

// All returns every key for source.
func All(ctx context.Context, q db.Execer, source string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM source_state WHERE source = ?`, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list source state: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan source state: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
