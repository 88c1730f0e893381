// Package identity maintains the durable alias index that folds every
// sighting of a contact (platform id, email, phone) into one identity.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/record"
)

// ErrNoIdentifier means the person carries no usable identifier. It is a
// normalization bug in the source that produced the person.
var ErrNoIdentifier = errors.New("person has no usable identifier")

// NameSource backfills display names for identities that lack one.
type NameSource interface {
	Lookup(ctx context.Context, alias Alias) (string, bool)
}

// Resolution is the outcome of resolving one person.
type Resolution struct {
	ID      int64
	Created bool
	// Merged lists identities folded into ID by this call, ascending.
	Merged []int64
}

// Resolver resolves persons against the alias index. All methods take the
// caller's transaction so a resolve and the writes that depend on it commit
// together.
type Resolver struct {
	names NameSource
	now   func() time.Time
}

// NewResolver returns a resolver. names may be nil.
func NewResolver(names NameSource) *Resolver {
	return &Resolver{names: names, now: time.Now}
}

// Resolve looks p up by platform id, then email, then phone. No match creates
// an identity; one match attaches the new aliases; matches under several
// identities merge them into the lowest id.
func (r *Resolver) Resolve(ctx context.Context, q db.Execer, p record.Person) (Resolution, error) {
	if p.PlatformID == "" {
		return Resolution{}, fmt.Errorf("%w: %+v", ErrNoIdentifier, p)
	}
	aliases := Aliases(p)
	if len(aliases) == 0 {
		return Resolution{}, fmt.Errorf("%w: %+v", ErrNoIdentifier, p)
	}

	found := map[int64]struct{}{}
	for _, a := range aliases {
		id, ok, err := lookupAlias(ctx, q, a)
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			found[id] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := r.now().Unix()
	var res Resolution
	if len(ids) == 0 {
		id, err := r.create(ctx, q, p, now)
		if err != nil {
			return Resolution{}, err
		}
		res = Resolution{ID: id, Created: true}
	} else {
		res.ID = ids[0]
		for _, loser := range ids[1:] {
			if err := merge(ctx, q, res.ID, loser, now); err != nil {
				return Resolution{}, err
			}
			res.Merged = append(res.Merged, loser)
		}
	}

	for _, a := range aliases {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO identity_aliases (kind, value, identity_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(kind, value) DO NOTHING
		`, a.Kind, a.Value, res.ID, now); err != nil {
			return Resolution{}, fmt.Errorf("failed to attach alias %s: %w", a.Key(), err)
		}
	}

	if err := r.backfill(ctx, q, res.ID, p, aliases, now); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

func (r *Resolver) create(ctx context.Context, q db.Execer, p record.Person, now int64) (int64, error) {
	email, phone := bestEmail(p), bestPhone(p)
	res, err := q.ExecContext(ctx, `
		INSERT INTO identities (display_name, email, phone, primary_platform, primary_platform_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nullIfEmpty(p.DisplayName), nullIfEmpty(email), nullIfEmpty(phone), string(p.Platform), p.PlatformID, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create identity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read identity id: %w", err)
	}
	return id, nil
}

// backfill fills fields the identity lacks. The display name comes from the
// person first, then from the name source.
func (r *Resolver) backfill(ctx context.Context, q db.Execer, id int64, p record.Person, aliases []Alias, now int64) error {
	name := p.DisplayName
	if name == "" && r.names != nil {
		var current sql.NullString
		if err := q.QueryRowContext(ctx, `SELECT display_name FROM identities WHERE identity_id = ?`, id).Scan(&current); err != nil {
			return fmt.Errorf("failed to read identity %d: %w", id, err)
		}
		if !current.Valid || current.String == "" {
			for _, a := range aliases {
				if n, ok := r.names.Lookup(ctx, a); ok && n != "" {
					name = n
					break
				}
			}
		}
	}
	_, err := q.ExecContext(ctx, `
		UPDATE identities SET
			display_name = COALESCE(NULLIF(display_name, ''), ?),
			email = COALESCE(NULLIF(email, ''), ?),
			phone = COALESCE(NULLIF(phone, ''), ?),
			updated_at = ?
		WHERE identity_id = ?
	`, nullIfEmpty(name), nullIfEmpty(bestEmail(p)), nullIfEmpty(bestPhone(p)), now, id)
	if err != nil {
		return fmt.Errorf("failed to backfill identity %d: %w", id, err)
	}
	return nil
}

// merge folds loser into survivor: aliases move, empty fields are backfilled,
// and the loser row stays behind pointing at the survivor.
func merge(ctx context.Context, q db.Execer, survivor, loser int64, now int64) error {
	if survivor == loser {
		return nil
	}
	if _, err := q.ExecContext(ctx, `UPDATE identity_aliases SET identity_id = ? WHERE identity_id = ?`, survivor, loser); err != nil {
		return fmt.Errorf("failed to move aliases %d -> %d: %w", loser, survivor, err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE identities SET
			display_name = COALESCE(NULLIF(display_name, ''), (SELECT display_name FROM identities WHERE identity_id = ?)),
			email = COALESCE(NULLIF(email, ''), (SELECT email FROM identities WHERE identity_id = ?)),
			phone = COALESCE(NULLIF(phone, ''), (SELECT phone FROM identities WHERE identity_id = ?)),
			is_me = MAX(is_me, (SELECT is_me FROM identities WHERE identity_id = ?)),
			updated_at = ?
		WHERE identity_id = ?
	`, loser, loser, loser, loser, now, survivor); err != nil {
		return fmt.Errorf("failed to backfill survivor %d: %w", survivor, err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE identities SET merged_into = ?, updated_at = ?
		WHERE identity_id = ? OR merged_into = ?
	`, survivor, now, loser, loser); err != nil {
		return fmt.Errorf("failed to mark identity %d merged: %w", loser, err)
	}
	return nil
}

// MarkMe resolves p and flags its identity as the local user.
func (r *Resolver) MarkMe(ctx context.Context, q db.Execer, p record.Person) (Resolution, error) {
	res, err := r.Resolve(ctx, q, p)
	if err != nil {
		return res, err
	}
	if _, err := q.ExecContext(ctx, `UPDATE identities SET is_me = 1 WHERE identity_id = ?`, res.ID); err != nil {
		return res, fmt.Errorf("failed to mark identity %d as me: %w", res.ID, err)
	}
	return res, nil
}

// Canonical follows merged_into to the surviving identity.
func Canonical(ctx context.Context, q db.Execer, id int64) (int64, error) {
	for range 64 {
		var next sql.NullInt64
		err := q.QueryRowContext(ctx, `SELECT merged_into FROM identities WHERE identity_id = ?`, id).Scan(&next)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("identity %d not found", id)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read identity %d: %w", id, err)
		}
		if !next.Valid {
			return id, nil
		}
		id = next.Int64
	}
	return 0, fmt.Errorf("identity %d: merge chain too long", id)
}

func lookupAlias(ctx context.Context, q db.Execer, a Alias) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT identity_id FROM identity_aliases WHERE kind = ? AND value = ?`, a.Kind, a.Value).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up alias %s: %w", a.Key(), err)
	}
	id, err = Canonical(ctx, q, id)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func bestEmail(p record.Person) string {
	if p.Email != "" {
		return NormalizeEmail(p.Email)
	}
	if record.IsValidEmail(p.PlatformID) {
		return NormalizeEmail(p.PlatformID)
	}
	return ""
}

func bestPhone(p record.Person) string {
	if p.Phone != "" {
		return NormalizePhone(p.Phone)
	}
	if looksLikePhone(p.PlatformID) {
		return NormalizePhone(p.PlatformID)
	}
	return ""
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
