package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/migrations"
)

// sqlStore holds the event log queries shared by the SQLite and PostgreSQL
// repositories. Queries are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db *sqlx.DB
}

type eventRow struct {
	Sequence       int64          `db:"sequence"`
	Kind           string         `db:"kind"`
	Topic          string         `db:"topic"`
	Payload        string         `db:"payload"`
	OccurredAtNs   int64          `db:"occurred_at_ns"`
	RecordedAtNs   int64          `db:"recorded_at_ns"`
	ProducerID     string         `db:"producer_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Critical       bool           `db:"critical"`
}

func (r *eventRow) toModel() *models.Event {
	return &models.Event{
		Sequence:       uint64(r.Sequence),
		Kind:           models.EventKind(r.Kind),
		Topic:          r.Topic,
		Payload:        []byte(r.Payload),
		OccurredAt:     time.Unix(0, r.OccurredAtNs).UTC(),
		RecordedAt:     time.Unix(0, r.RecordedAtNs).UTC(),
		ProducerID:     r.ProducerID,
		IdempotencyKey: r.IdempotencyKey.String,
		Critical:       r.Critical,
	}
}

const eventColumns = `sequence, kind, topic, payload, occurred_at_ns, recorded_at_ns, producer_id, idempotency_key, critical`

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity (readiness probe).
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations runs a raw migration script
func (s *sqlStore) RunMigrations(migrationSQL string) error {
	_, err := s.db.Exec(migrationSQL)
	return err
}

// Migrate applies every embedded migration in lexical order. Scripts are
// idempotent; applied versions are recorded for operators.
func (s *sqlStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		script, err := fs.ReadFile(migrations.FS, entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		query := s.db.Rebind(`INSERT INTO schema_versions (version, applied_at_ns) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`)
		if _, err := s.db.ExecContext(ctx, query, entry.Name(), time.Now().UnixNano()); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// InsertEvent stores ev and indexes every topic it is delivered under, in one
// transaction.
func (s *sqlStore) InsertEvent(ctx context.Context, ev *models.Event) error {
	var key sql.NullString
	if ev.IdempotencyKey != "" {
		key = sql.NullString{String: ev.IdempotencyKey, Valid: true}
	}
	insertEvent := s.db.Rebind(`INSERT INTO events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	insertTopic := s.db.Rebind(`INSERT INTO event_topics (sequence, topic) VALUES (?, ?) ON CONFLICT DO NOTHING`)
	return instrumentQuery("insert_event", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, insertEvent,
			int64(ev.Sequence),
			string(ev.Kind),
			ev.Topic,
			string(ev.Payload),
			ev.OccurredAt.UnixNano(),
			ev.RecordedAt.UnixNano(),
			ev.ProducerID,
			key,
			ev.Critical,
		); err != nil {
			return err
		}
		for _, topic := range ev.Audiences() {
			if _, err := tx.ExecContext(ctx, insertTopic, int64(ev.Sequence), topic); err != nil {
				return fmt.Errorf("index topic %s: %w", topic, err)
			}
		}
		return tx.Commit()
	})
}

// FindByIdempotencyKey returns the earliest event recorded with key at or
// after since, or nil when there is none.
func (s *sqlStore) FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.Event, error) {
	var row eventRow
	query := s.db.Rebind(`SELECT ` + eventColumns + ` FROM events
		WHERE idempotency_key = ? AND recorded_at_ns >= ?
		ORDER BY sequence ASC LIMIT 1`)
	err := instrumentQuery("find_idempotency_key", func() error {
		return s.db.GetContext(ctx, &row, query, key, since.UnixNano())
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListEvents returns up to limit events with sequence >= from in sequence
// order. A topic filter matches any topic the event is delivered under.
func (s *sqlStore) ListEvents(ctx context.Context, from uint64, filter models.EventFilter, limit int) ([]*models.Event, error) {
	var (
		where = []string{"sequence >= ?"}
		args  = []interface{}{int64(from)}
	)
	if prefix := strings.ToLower(strings.TrimSuffix(filter.TopicPrefix, ".*")); prefix != "" && prefix != "*" {
		where = append(where, `EXISTS (SELECT 1 FROM event_topics t WHERE t.sequence = events.sequence AND (t.topic = ? OR t.topic LIKE ? ESCAPE '\'))`)
		args = append(args, prefix, escapeLike(prefix)+".%")
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind IN (?)")
		args = append(args, kinds)
	}
	args = append(args, limit)

	query, args, err := sqlx.In(`SELECT `+eventColumns+` FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY sequence ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	query = s.db.Rebind(query)

	var rows []eventRow
	if err := instrumentQuery("list_events", func() error {
		return s.db.SelectContext(ctx, &rows, query, args...)
	}); err != nil {
		return nil, err
	}
	out := make([]*models.Event, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (s *sqlStore) LastSequence(ctx context.Context) (uint64, error) {
	var last int64
	err := instrumentQuery("last_sequence", func() error {
		return s.db.GetContext(ctx, &last, `SELECT COALESCE(MAX(sequence), 0) FROM events`)
	})
	if err != nil {
		return 0, err
	}
	return uint64(last), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
