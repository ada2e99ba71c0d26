package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies an event record.
type EventKind string

const (
	EventGrabbed EventKind = "grabbed"
	EventLinked  EventKind = "linked"
	EventCleaned EventKind = "cleaned"
	EventError   EventKind = "error"
	EventTick    EventKind = "tick"
)

// EventRecord is one append-only entry in the event log. Payload carries
// kind-specific detail and is never interpreted by the store.
type EventRecord struct {
	ID          string
	CreatedAt   time.Time
	Kind        EventKind
	SubjectHash string
	MamID       int64
	Payload     map[string]any
}

// NewEvent builds an event record with a fresh id and timestamp.
func NewEvent(kind EventKind, subjectHash string, mamID int64, payload map[string]any) EventRecord {
	return EventRecord{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Kind:        kind,
		SubjectHash: subjectHash,
		MamID:       mamID,
		Payload:     payload,
	}
}

// AppendEvent persists one event record.
func (s *Store) AppendEvent(ctx context.Context, event EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// sortableTime is RFC 3339 with a fixed nine-digit fraction, so stored
// timestamps order correctly as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func appendEventTx(ctx context.Context, tx *sql.Tx, event EventRecord) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO events (id, created_at, kind, subject_hash, mam_id, payload_json)
         VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.CreatedAt.UTC().Format(sortableTime),
		string(event.Kind),
		event.SubjectHash,
		event.MamID,
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the most recent events, newest first, filtered by kind when
// kinds are given.
func (s *Store) Events(ctx context.Context, limit int, kinds ...EventKind) ([]EventRecord, error) {
	query := `SELECT id, created_at, kind, subject_hash, mam_id, payload_json FROM events`
	var args []any
	if len(kinds) > 0 {
		query += ` WHERE kind IN (` + makePlaceholders(len(kinds)) + `)`
		for _, kind := range kinds {
			args = append(args, string(kind))
		}
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var (
			event       EventRecord
			createdRaw  string
			kind        string
			payloadJSON string
		)
		if err := rows.Scan(&event.ID, &createdRaw, &kind, &event.SubjectHash, &event.MamID, &payloadJSON); err != nil {
			return nil, err
		}
		event.Kind = EventKind(kind)
		if created, err := parseTimeString(createdRaw); err == nil {
			event.CreatedAt = created
		}
		unmarshalJSON(payloadJSON, &event.Payload)
		events = append(events, event)
	}
	return events, rows.Err()
}
