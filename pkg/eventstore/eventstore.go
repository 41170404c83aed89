// Package eventstore is an append-only, versioned event log on PostgreSQL.
// Each stream (one aggregate) carries a gapless version sequence; appends
// check the expected version and the UNIQUE(stream_id, version) constraint
// turns racing writers into ErrConcurrencyConflict.
package eventstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrNoEvents            = errors.New("no events to append")
)

//go:embed schema.sql
var schema string

// Migrate creates the events table if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create events schema: %w", err)
	}
	return nil
}

// Event is one entry of a stream.
type Event struct {
	ID         int64           `json:"id"`
	StreamID   uuid.UUID       `json:"stream_id"`
	StreamType string          `json:"stream_type"`
	Type       string          `json:"event_type"`
	Data       json.RawMessage `json:"event_data"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Version    int             `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

func New(db *sql.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("bookwise/eventstore"),
	}
}

// Append writes events in their own serializable transaction.
func (es *EventStore) Append(ctx context.Context, streamID uuid.UUID, streamType string, expectedVersion int, events ...Event) error {
	tx, err := es.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := es.AppendTx(ctx, tx, streamID, streamType, expectedVersion, events...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AppendTx writes events inside the caller's transaction so they commit or
// roll back together with the caller's own state change. Event versions
// continue from expectedVersion.
func (es *EventStore) AppendTx(ctx context.Context, q Querier, streamID uuid.UUID, streamType string, expectedVersion int, events ...Event) error {
	if len(events) == 0 {
		return ErrNoEvents
	}

	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("stream.id", streamID.String()),
			attribute.String("stream.type", streamType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	var current int
	if err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE stream_id = $1
	`, streamID).Scan(&current); err != nil {
		return fmt.Errorf("query current version: %w", err)
	}
	if current != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", current),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	for i, event := range events {
		version := expectedVersion + i + 1
		occurredAt := event.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}
		var metadata []byte
		if len(event.Metadata) > 0 {
			var err error
			if metadata, err = json.Marshal(event.Metadata); err != nil {
				return fmt.Errorf("encode metadata for event %d: %w", i, err)
			}
		}

		var id int64
		err := q.QueryRowContext(ctx, `
			INSERT INTO events (stream_id, stream_type, event_type, event_data, metadata, version, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, streamID, streamType, event.Type, []byte(event.Data), metadata, version, occurredAt).Scan(&id)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.Type),
		))
	}
	return nil
}

// Load returns a stream's events with version >= fromVersion, and
// <= toVersion when toVersion is positive, in version order.
func (es *EventStore) Load(ctx context.Context, streamID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("stream.id", streamID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `
		SELECT id, stream_id, stream_type, event_type, event_data, metadata, version, occurred_at, recorded_at
		FROM events
		WHERE stream_id = $1
		AND version >= $2
	`
	args := []any{streamID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	rows, err := es.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event    Event
			data     []byte
			metadata []byte
		)
		if err := rows.Scan(
			&event.ID,
			&event.StreamID,
			&event.StreamType,
			&event.Type,
			&data,
			&metadata,
			&event.Version,
			&event.OccurredAt,
			&event.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Data = data
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}
