// Package project writes committed records into the relational schema.
// Derived aggregates (message counts, first/last timestamps, participant
// counts, group flags) are maintained by triggers and never written here.
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/identity"
	"github.com/Napageneral/commsledger/internal/record"
)

// ErrInvalidEvent rejects calendar facts that end before they start.
var ErrInvalidEvent = errors.New("calendar event ends before it starts")

// DefaultGroupCeiling is the largest conversation kept in the projection.
const DefaultGroupCeiling = 7

// Outcome of projecting one record.
type Outcome string

const (
	OutcomeInserted   Outcome = "inserted"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSuppressed Outcome = "suppressed"
)

// Result describes what Project did.
type Result struct {
	Outcome        Outcome
	MessageID      int64
	ConversationID int64
	// Merged lists identities folded into others while resolving participants.
	Merged []int64
}

// Options configure projection policy.
type Options struct {
	// GroupCeiling drops conversations with more distinct participants.
	GroupCeiling int
}

// Projector writes records through a caller-owned transaction.
type Projector struct {
	resolver *identity.Resolver
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// New returns a projector. log may be nil.
func New(resolver *identity.Resolver, opts Options, log *zap.Logger) *Projector {
	if opts.GroupCeiling <= 0 {
		opts.GroupCeiling = DefaultGroupCeiling
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Projector{resolver: resolver, opts: opts, log: log, now: time.Now}
}

// Project writes rec. Re-projecting a record id is a silent no-op.
func (p *Projector) Project(ctx context.Context, q db.Execer, rec *record.Record) (Result, error) {
	if rec.EventStart != nil && rec.EventEnd != nil && rec.EventEnd.Before(*rec.EventStart) {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidEvent, rec.ID)
	}

	platform, localID := string(rec.Platform), rec.LocalID()
	if id, ok, err := messageID(ctx, q, platform, localID); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Outcome: OutcomeDuplicate, MessageID: id}, nil
	}

	// Resolve every participant. A later resolve can merge an identity an
	// earlier one returned, so ids are re-canonicalized afterwards.
	people := rec.Participants
	if len(people) == 0 {
		people = record.Participants(rec.Sender, rec.Recipients)
	}
	resolved := make(map[string]int64, len(people))
	var merged []int64
	for _, person := range people {
		res, err := p.resolver.Resolve(ctx, q, person)
		if err != nil {
			return Result{}, fmt.Errorf("failed to resolve %s: %w", person.Key(), err)
		}
		resolved[person.Key()] = res.ID
		merged = append(merged, res.Merged...)
	}
	for k, id := range resolved {
		c, err := identity.Canonical(ctx, q, id)
		if err != nil {
			return Result{}, err
		}
		resolved[k] = c
	}
	for _, loser := range merged {
		survivor, err := identity.Canonical(ctx, q, loser)
		if err != nil {
			return Result{}, err
		}
		if err := p.mergeContacts(ctx, q, survivor, loser); err != nil {
			return Result{}, err
		}
	}

	senderID, ok := resolved[rec.Sender.Key()]
	if !ok {
		return Result{}, fmt.Errorf("sender %s was not resolved", rec.Sender.Key())
	}
	ids := distinctIDs(resolved)

	threadKey := rec.ThreadID
	if threadKey == "" {
		threadKey = directKey(ids)
	}

	suppressed, err := p.checkCeiling(ctx, q, platform, threadKey, ids)
	if err != nil {
		return Result{}, err
	}
	if suppressed {
		p.log.Debug("record suppressed by group ceiling",
			zap.String("record", rec.ID), zap.String("thread", threadKey), zap.Int("ceiling", p.opts.GroupCeiling))
		return Result{Outcome: OutcomeSuppressed, Merged: merged}, nil
	}

	now := p.now().Unix()
	for _, id := range ids {
		if err := upsertContact(ctx, q, id, now); err != nil {
			return Result{}, err
		}
	}

	convID, err := p.ensureConversation(ctx, q, rec, threadKey, ids, now)
	if err != nil {
		return Result{}, err
	}

	msgID, inserted, err := insertMessage(ctx, q, rec, convID, senderID, now)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		return Result{Outcome: OutcomeDuplicate, ConversationID: convID, Merged: merged}, nil
	}

	if rec.HasEvent() {
		if err := insertEvent(ctx, q, rec, msgID); err != nil {
			return Result{}, err
		}
	}

	for _, id := range ids {
		role := "member"
		if isMe, err := contactIsMe(ctx, q, id); err != nil {
			return Result{}, err
		} else if isMe {
			role = "self"
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, contact_id, role, joined_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id, contact_id) DO NOTHING
		`, convID, id, role, now); err != nil {
			return Result{}, fmt.Errorf("failed to link participant %d: %w", id, err)
		}
	}

	for _, tag := range rec.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO message_tags (message_id, tag, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(message_id, tag) DO NOTHING
		`, msgID, tag, now); err != nil {
			return Result{}, fmt.Errorf("failed to tag message: %w", err)
		}
	}

	return Result{Outcome: OutcomeInserted, MessageID: msgID, ConversationID: convID, Merged: merged}, nil
}

// MarkMe resolves the local user's identifiers and flags the identity and
// its contact row.
func (p *Projector) MarkMe(ctx context.Context, q db.Execer, people []record.Person) error {
	for _, person := range people {
		res, err := p.resolver.MarkMe(ctx, q, person)
		if err != nil {
			return err
		}
		id, err := identity.Canonical(ctx, q, res.ID)
		if err != nil {
			return err
		}
		for _, loser := range res.Merged {
			if err := p.mergeContacts(ctx, q, id, loser); err != nil {
				return err
			}
		}
		if _, err := q.ExecContext(ctx, `UPDATE contacts SET is_me = 1 WHERE contact_id = ?`, id); err != nil {
			return fmt.Errorf("failed to flag contact %d: %w", id, err)
		}
	}
	return nil
}

func messageID(ctx context.Context, q db.Execer, platform, localID string) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT message_id FROM messages WHERE platform = ? AND platform_message_id = ?
	`, platform, localID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up message: %w", err)
	}
	return id, true, nil
}

func distinctIDs(resolved map[string]int64) []int64 {
	seen := make(map[int64]struct{}, len(resolved))
	out := make([]int64, 0, len(resolved))
	for _, id := range resolved {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// directKey synthesizes a thread key for records without a thread id.
func directKey(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "dm:" + strings.Join(parts, ",")
}

// checkCeiling reports whether the conversation must be dropped. The count is
// the union of participants already linked and the ones on this record. A
// conversation crossing the ceiling is purged and remembered.
func (p *Projector) checkCeiling(ctx context.Context, q db.Execer, platform, threadKey string, ids []int64) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM suppressed_conversations WHERE platform = ? AND thread_id = ?
	`, platform, threadKey).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check suppressed conversations: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	members := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}

	var convID int64
	err := q.QueryRowContext(ctx, `
		SELECT conversation_id FROM conversations WHERE platform = ? AND thread_id = ?
	`, platform, threadKey).Scan(&convID)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to look up conversation: %w", err)
	}
	if exists {
		rows, err := q.QueryContext(ctx, `SELECT contact_id FROM conversation_participants WHERE conversation_id = ?`, convID)
		if err != nil {
			return false, fmt.Errorf("failed to load participants: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return false, fmt.Errorf("failed to scan participant: %w", err)
			}
			members[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, fmt.Errorf("failed iterating participants: %w", err)
		}
		rows.Close()
	}

	if len(members) <= p.opts.GroupCeiling {
		return false, nil
	}

	if exists {
		if _, err := q.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, convID); err != nil {
			return false, fmt.Errorf("failed to purge conversation %d: %w", convID, err)
		}
		p.log.Info("purged conversation over group ceiling",
			zap.Int64("conversation_id", convID), zap.Int("participants", len(members)))
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO suppressed_conversations (platform, thread_id, participant_count, suppressed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform, thread_id) DO NOTHING
	`, platform, threadKey, len(members), p.now().Unix()); err != nil {
		return false, fmt.Errorf("failed to record suppressed conversation: %w", err)
	}
	return true, nil
}

// upsertContact projects an identity into contacts. Existing values win;
// empty columns are backfilled.
func upsertContact(ctx context.Context, q db.Execer, identityID int64, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO contacts (contact_id, display_name, email, phone, platform, platform_id, is_me, created_at, updated_at)
		SELECT identity_id, display_name, email, phone, primary_platform, primary_platform_id, is_me, ?, ?
		FROM identities WHERE identity_id = ?
		ON CONFLICT(contact_id) DO UPDATE SET
			display_name = COALESCE(contacts.display_name, excluded.display_name),
			email = COALESCE(contacts.email, excluded.email),
			phone = COALESCE(contacts.phone, excluded.phone),
			is_me = MAX(contacts.is_me, excluded.is_me),
			updated_at = excluded.updated_at
	`, now, now, identityID)
	if err != nil {
		return fmt.Errorf("failed to upsert contact %d: %w", identityID, err)
	}
	return nil
}

// mergeContacts moves every reference from the loser's contact row to the
// survivor's and removes the loser row. Triggers recompute the aggregates.
func (p *Projector) mergeContacts(ctx context.Context, q db.Execer, survivor, loser int64) error {
	if survivor == loser {
		return nil
	}
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE contact_id = ?`, loser).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check contact %d: %w", loser, err)
	}
	if exists == 0 {
		return nil
	}
	now := p.now().Unix()
	if err := upsertContact(ctx, q, survivor, now); err != nil {
		return err
	}

	stmts := []struct {
		sql  string
		args []any
	}{
		{`UPDATE messages SET sender_id = ? WHERE sender_id = ?`, []any{survivor, loser}},
		{`UPDATE OR IGNORE conversation_participants SET contact_id = ? WHERE contact_id = ?`, []any{survivor, loser}},
		{`DELETE FROM conversation_participants WHERE contact_id = ?`, []any{loser}},
		{`UPDATE contacts SET
			display_name = COALESCE(display_name, (SELECT display_name FROM contacts WHERE contact_id = ?)),
			email = COALESCE(email, (SELECT email FROM contacts WHERE contact_id = ?)),
			phone = COALESCE(phone, (SELECT phone FROM contacts WHERE contact_id = ?)),
			is_me = MAX(is_me, (SELECT is_me FROM contacts WHERE contact_id = ?)),
			updated_at = ?
		WHERE contact_id = ?`, []any{loser, loser, loser, loser, now, survivor}},
		{`DELETE FROM contacts WHERE contact_id = ?`, []any{loser}},
	}
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s.sql, s.args...); err != nil {
			return fmt.Errorf("failed to merge contact %d into %d: %w", loser, survivor, err)
		}
	}
	p.log.Debug("merged contacts", zap.Int64("survivor", survivor), zap.Int64("loser", loser))
	return nil
}

func (p *Projector) ensureConversation(ctx context.Context, q db.Execer, rec *record.Record, threadKey string, ids []int64, now int64) (int64, error) {
	name, err := conversationName(ctx, q, rec, ids)
	if err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO conversations (conversation_name, platform, thread_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform, thread_id) DO NOTHING
	`, name, string(rec.Platform), threadKey, now); err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	var id int64
	if err := q.QueryRowContext(ctx, `
		SELECT conversation_id FROM conversations WHERE platform = ? AND thread_id = ?
	`, string(rec.Platform), threadKey).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to load conversation: %w", err)
	}
	return id, nil
}

// conversationName uses the subject, else the names of the other participants.
func conversationName(ctx context.Context, q db.Execer, rec *record.Record, ids []int64) (string, error) {
	if rec.Subject != "" {
		return rec.Subject, nil
	}
	var names []string
	for _, id := range ids {
		var name, platformID sql.NullString
		var isMe bool
		if err := q.QueryRowContext(ctx, `
			SELECT display_name, platform_id, is_me FROM contacts WHERE contact_id = ?
		`, id).Scan(&name, &platformID, &isMe); err != nil {
			return "", fmt.Errorf("failed to load contact %d: %w", id, err)
		}
		if isMe {
			continue
		}
		if name.Valid && name.String != "" {
			names = append(names, name.String)
		} else {
			names = append(names, platformID.String)
		}
	}
	return strings.Join(names, ", "), nil
}

func contactIsMe(ctx context.Context, q db.Execer, id int64) (bool, error) {
	var isMe bool
	if err := q.QueryRowContext(ctx, `SELECT is_me FROM contacts WHERE contact_id = ?`, id).Scan(&isMe); err != nil {
		return false, fmt.Errorf("failed to load contact %d: %w", id, err)
	}
	return isMe, nil
}

func insertMessage(ctx context.Context, q db.Execer, rec *record.Record, convID, senderID int64, now int64) (int64, bool, error) {
	var replyTo any
	if rec.ReplyTo != "" {
		i := strings.IndexByte(rec.ReplyTo, ':')
		if i > 0 {
			if id, ok, err := messageID(ctx, q, rec.ReplyTo[:i], rec.ReplyTo[i+1:]); err != nil {
				return 0, false, err
			} else if ok {
				replyTo = id
			}
		}
	}

	isSent, err := contactIsMe(ctx, q, senderID)
	if err != nil {
		return 0, false, err
	}

	var attachments, raw any
	if len(rec.Attachments) > 0 {
		b, err := json.Marshal(rec.Attachments)
		if err != nil {
			return 0, false, fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachments = string(b)
	}
	if len(rec.RawData) > 0 {
		b, err := json.Marshal(rec.RawData)
		if err != nil {
			return 0, false, fmt.Errorf("failed to marshal raw data: %w", err)
		}
		raw = string(b)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO messages (
			platform, platform_message_id, conversation_id, sender_id, timestamp, body, subject,
			is_sent, is_read, is_starred, is_reply, reply_to_message_id, attachments_json, raw_data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, string(rec.Platform), rec.LocalID(), convID, senderID, record.FormatTime(rec.Timestamp), rec.Body,
		nullString(rec.Subject), isSent, nullBool(rec.IsRead), nullBool(rec.IsStarred), rec.Replying(),
		replyTo, attachments, raw, now)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert message %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read message id: %w", err)
	}
	return id, true, nil
}

func insertEvent(ctx context.Context, q db.Execer, rec *record.Record, msgID int64) error {
	var end any
	if rec.EventEnd != nil {
		end = record.FormatTime(*rec.EventEnd)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO calendar_events (message_id, event_start, event_end, event_location, event_status, is_recurring)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, msgID, record.FormatTime(*rec.EventStart), end, nullString(rec.EventLocation), nullString(rec.EventStatus), rec.EventRecurring)
	if err != nil {
		return fmt.Errorf("failed to insert calendar event for %s: %w", rec.ID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
