package me

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/identity"
	"github.com/Napageneral/commsledger/internal/record"
)

// Default platforms for channel-only identities.
const (
	EmailPlatform = record.PlatformGmail
	PhonePlatform = record.PlatformIMessage
)

// Persons turns the configured identities into the persons the projector
// marks as the local user. Channel is "email", "phone", or a platform name.
func Persons(cfg config.MeConfig) ([]record.Person, error) {
	name := strings.TrimSpace(cfg.CanonicalName)
	out := make([]record.Person, 0, len(cfg.Identities))
	for i, ident := range cfg.Identities {
		value := strings.TrimSpace(ident.Identifier)
		if value == "" {
			return nil, fmt.Errorf("me identity %d: identifier is required", i)
		}
		p := record.Person{DisplayName: name}
		switch strings.ToLower(strings.TrimSpace(ident.Channel)) {
		case identity.KindEmail:
			email := identity.NormalizeEmail(value)
			if !record.IsValidEmail(email) {
				return nil, fmt.Errorf("me identity %d: malformed email %q", i, value)
			}
			p.Platform, p.PlatformID, p.Email = EmailPlatform, email, email
		case identity.KindPhone:
			phone := identity.NormalizePhone(value)
			if phone == "" {
				return nil, fmt.Errorf("me identity %d: malformed phone %q", i, value)
			}
			p.Platform, p.PlatformID, p.Phone = PhonePlatform, phone, phone
		default:
			platform, err := record.ParsePlatform(ident.Channel)
			if err != nil {
				return nil, fmt.Errorf("me identity %d: %w", i, err)
			}
			p.Platform, p.PlatformID = platform, value
		}
		out = append(out, p)
	}
	return out, nil
}

// Get returns the surviving identity flagged as the local user, or nil if
// none has been marked yet.
func Get(ctx context.Context, q db.Execer) (*identity.Identity, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT identity_id FROM identities
		WHERE is_me = 1 AND merged_into IS NULL
		ORDER BY identity_id
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get me identity: %w", err)
	}
	ident, err := identity.Get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &ident, nil
}
