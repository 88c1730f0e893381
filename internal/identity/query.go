package identity

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Napageneral/commsledger/internal/db"
)

// Identity is a resolved contact with its alias set.
type Identity struct {
	ID                int64   `json:"id"`
	DisplayName       string  `json:"display_name,omitempty"`
	Email             string  `json:"email,omitempty"`
	Phone             string  `json:"phone,omitempty"`
	PrimaryPlatform   string  `json:"primary_platform"`
	PrimaryPlatformID string  `json:"primary_platform_id"`
	IsMe              bool    `json:"is_me"`
	MergedInto        *int64  `json:"merged_into,omitempty"`
	Aliases           []Alias `json:"aliases,omitempty"`
}

// Get loads one identity and its aliases.
func Get(ctx context.Context, q db.Execer, id int64) (Identity, error) {
	var out Identity
	var name, email, phone sql.NullString
	var merged sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT identity_id, display_name, email, phone, primary_platform, primary_platform_id, is_me, merged_into
		FROM identities WHERE identity_id = ?
	`, id).Scan(&out.ID, &name, &email, &phone, &out.PrimaryPlatform, &out.PrimaryPlatformID, &out.IsMe, &merged)
	if err != nil {
		return out, fmt.Errorf("failed to load identity %d: %w", id, err)
	}
	out.DisplayName = name.String
	out.Email = email.String
	out.Phone = phone.String
	if merged.Valid {
		v := merged.Int64
		out.MergedInto = &v
	}
	aliases, err := AliasesOf(ctx, q, id)
	if err != nil {
		return out, err
	}
	out.Aliases = aliases
	return out, nil
}

// AliasesOf lists the aliases attached to an identity, sorted by key.
func AliasesOf(ctx context.Context, q db.Execer, id int64) ([]Alias, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kind, value FROM identity_aliases
		WHERE identity_id = ?
		ORDER BY kind, value
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()

	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.Kind, &a.Value); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating aliases: %w", err)
	}
	return out, nil
}

// List returns surviving identities ordered by id.
func List(ctx context.Context, q db.Execer, limit int) ([]Identity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT identity_id FROM identities
		WHERE merged_into IS NULL
		ORDER BY identity_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed iterating identities: %w", err)
	}
	rows.Close()

	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		ident, err := Get(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, nil
}
