// Package publish mirrors the local projection into Postgres for reporting.
package publish

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/record"
)

//go:embed schema.sql
var schemaSQL string

type kind int

const (
	kindInt kind = iota
	kindText
	kindBool
	kindTime
)

type column struct {
	src  string
	dst  string
	kind kind
}

type table struct {
	src     string
	dst     string
	orderBy string
	columns []column
}

// Tables are copied parents first so a reader never sees a dangling id.
var tables = []table{
	{
		src: "contacts", dst: "ledger_contacts", orderBy: "contact_id",
		columns: []column{
			{"contact_id", "contact_id", kindInt},
			{"display_name", "display_name", kindText},
			{"email", "email", kindText},
			{"phone", "phone", kindText},
			{"platform", "platform", kindText},
			{"platform_id", "platform_id", kindText},
			{"first_seen", "first_seen", kindTime},
			{"last_seen", "last_seen", kindTime},
			{"message_count", "message_count", kindInt},
			{"is_me", "is_me", kindBool},
		},
	},
	{
		src: "conversations", dst: "ledger_conversations", orderBy: "conversation_id",
		columns: []column{
			{"conversation_id", "conversation_id", kindInt},
			{"conversation_name", "conversation_name", kindText},
			{"platform", "platform", kindText},
			{"thread_id", "thread_id", kindText},
			{"first_message_at", "first_message_at", kindTime},
			{"last_message_at", "last_message_at", kindTime},
			{"message_count", "message_count", kindInt},
			{"is_group", "is_group", kindBool},
			{"participant_count", "participant_count", kindInt},
		},
	},
	{
		src: "messages", dst: "ledger_messages", orderBy: "message_id",
		columns: []column{
			{"message_id", "message_id", kindInt},
			{"platform", "platform", kindText},
			{"platform_message_id", "platform_message_id", kindText},
			{"conversation_id", "conversation_id", kindInt},
			{"sender_id", "sender_id", kindInt},
			{"timestamp", "sent_at", kindTime},
			{"body", "body", kindText},
			{"subject", "subject", kindText},
			{"is_sent", "is_sent", kindBool},
			{"is_read", "is_read", kindBool},
			{"is_starred", "is_starred", kindBool},
			{"is_reply", "is_reply", kindBool},
			{"reply_to_message_id", "reply_to_message_id", kindInt},
		},
	},
	{
		src: "conversation_participants", dst: "ledger_conversation_participants", orderBy: "conversation_id, contact_id",
		columns: []column{
			{"conversation_id", "conversation_id", kindInt},
			{"contact_id", "contact_id", kindInt},
			{"role", "role", kindText},
		},
	},
	{
		src: "calendar_events", dst: "ledger_calendar_events", orderBy: "message_id",
		columns: []column{
			{"message_id", "message_id", kindInt},
			{"event_start", "event_start", kindTime},
			{"event_end", "event_end", kindTime},
			{"event_location", "event_location", kindText},
			{"event_status", "event_status", kindText},
			{"is_recurring", "is_recurring", kindBool},
		},
	},
	{
		src: "message_tags", dst: "ledger_message_tags", orderBy: "message_id, tag",
		columns: []column{
			{"message_id", "message_id", kindInt},
			{"tag", "tag", kindText},
		},
	},
}

// Stats counts the rows copied per destination table.
type Stats struct {
	Tables   map[string]int64 `json:"tables"`
	Duration time.Duration    `json:"duration"`
}

// Publisher owns a Postgres pool.
type Publisher struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Connect opens and pings a pool for url.
func Connect(ctx context.Context, url string, log *zap.Logger) (*Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Publisher{pool: pool, log: log}, nil
}

func (p *Publisher) Close() {
	p.pool.Close()
}

// EnsureSchema creates the mirror tables.
func (p *Publisher) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create mirror schema: %w", err)
	}
	return nil
}

// Publish replaces the mirror with the current contents of local. Readers
// see either the previous mirror or the new one, never a mix.
func (p *Publisher) Publish(ctx context.Context, local *sql.DB) (Stats, error) {
	start := time.Now()
	stats := Stats{Tables: map[string]int64{}}

	if err := db.CheckSchema(ctx, local); err != nil {
		return stats, err
	}
	if err := p.EnsureSchema(ctx); err != nil {
		return stats, err
	}

	data, err := snapshot(ctx, local)
	if err != nil {
		return stats, err
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		names := make([]string, 0, len(tables))
		for _, t := range tables {
			names = append(names, t.dst)
		}
		if _, err := tx.Exec(ctx, "TRUNCATE "+strings.Join(names, ", ")); err != nil {
			return fmt.Errorf("failed to truncate mirror: %w", err)
		}
		for i, t := range tables {
			n, err := tx.CopyFrom(ctx, pgx.Identifier{t.dst}, t.dstColumns(), pgx.CopyFromRows(data[i]))
			if err != nil {
				return fmt.Errorf("failed to copy %s: %w", t.dst, err)
			}
			stats.Tables[t.dst] = n
			p.log.Debug("table published", zap.String("table", t.dst), zap.Int64("rows", n))
		}
		return nil
	})
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, err
	}
	p.log.Info("publish completed", zap.Any("tables", stats.Tables), zap.Duration("duration", stats.Duration))
	return stats, nil
}

// Count returns the row count of a mirror table.
func (p *Publisher) Count(ctx context.Context, dst string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgx.Identifier{dst}.Sanitize()).Scan(&n)
	return n, err
}

// snapshot reads every mirrored table inside one local transaction, which is
// released before any Postgres work starts so ingestion is not held up.
func snapshot(ctx context.Context, local *sql.DB) ([][][]any, error) {
	out := make([][][]any, len(tables))
	err := db.RunTx(ctx, local, func(tx *sql.Tx) error {
		for i, t := range tables {
			rows, err := readTable(ctx, tx, t)
			if err != nil {
				return err
			}
			out[i] = rows
		}
		return nil
	})
	return out, err
}

func (t table) dstColumns() []string {
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.dst
	}
	return out
}

func (t table) selectSQL() string {
	cols := make([]string, len(t.columns))
	for i, c := range t.columns {
		cols[i] = `"` + c.src + `"`
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + t.src + " ORDER BY " + t.orderBy
}

func readTable(ctx context.Context, q db.Execer, t table) ([][]any, error) {
	rows, err := q.QueryContext(ctx, t.selectSQL())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.src, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		dest := make([]any, len(t.columns))
		for i, c := range t.columns {
			switch c.kind {
			case kindInt:
				dest[i] = new(sql.NullInt64)
			case kindBool:
				dest[i] = new(sql.NullBool)
			default:
				dest[i] = new(sql.NullString)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.src, err)
		}
		row, err := convertRow(t, dest)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating %s: %w", t.src, err)
	}
	return out, nil
}

func convertRow(t table, dest []any) ([]any, error) {
	row := make([]any, len(dest))
	for i, c := range t.columns {
		switch v := dest[i].(type) {
		case *sql.NullInt64:
			if v.Valid {
				row[i] = v.Int64
			}
		case *sql.NullBool:
			if v.Valid {
				row[i] = v.Bool
			}
		case *sql.NullString:
			if !v.Valid {
				continue
			}
			if c.kind != kindTime {
				row[i] = v.String
				continue
			}
			ts, err := record.ParseTime(v.String)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.src, c.src, err)
			}
			row[i] = ts
		}
	}
	return row, nil
}
