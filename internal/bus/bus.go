// Package bus is the append-only event log that downstream consumers tail
// by sequence number.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/commsledger/internal/db"
)

// Event types emitted by ingestion.
const (
	TypeRunStarted     = "run.started"
	TypeRunCompleted   = "run.completed"
	TypeRunInterrupted = "run.interrupted"
	TypeRunFailed      = "run.failed"
	TypeChunkCommitted = "chunk.committed"
	TypeIdentityMerged = "identity.merged"
)

type Event struct {
	Seq       int64   `json:"seq"`
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Source    *string `json:"source,omitempty"`
	SubjectID *string `json:"subject_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
	Payload   *string `json:"payload_json,omitempty"`
}

// Emit appends an event. Passing the chunk transaction as q makes the event
// commit or roll back with the writes it describes.
func Emit(ctx context.Context, q db.Execer, typ string, source string, subjectID string, payload any) error {
	if typ == "" {
		return fmt.Errorf("type is required")
	}
	now := time.Now().Unix()
	id := uuid.New().String()

	var sourceVal any
	if source != "" {
		sourceVal = source
	}
	var subjectVal any
	if subjectID != "" {
		subjectVal = subjectID
	}
	var payloadVal any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadVal = string(b)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO bus_events (id, type, source, subject_id, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, typ, sourceVal, subjectVal, now, payloadVal)
	if err != nil {
		return fmt.Errorf("failed to insert bus event: %w", err)
	}
	return nil
}

func List(ctx context.Context, q db.Execer, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, type, source, subject_id, created_at, payload_json
		FROM bus_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bus events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var source sql.NullString
		var subject sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &source, &subject, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan bus event: %w", err)
		}
		if source.Valid {
			e.Source = &source.String
		}
		if subject.Valid {
			e.SubjectID = &subject.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating bus events: %w", err)
	}
	return out, nil
}
