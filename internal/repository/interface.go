package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sahyog/sahyog-backend/internal/models"
)

// EventRepository defines event log data access methods. Implementations do
// not assign sequences; the event store writer does.
type EventRepository interface {
	InsertEvent(ctx context.Context, ev *models.Event) error
	FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.Event, error)
	ListEvents(ctx context.Context, from uint64, filter models.EventFilter, limit int) ([]*models.Event, error)
	LastSequence(ctx context.Context) (uint64, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open picks the backing from the connection string: postgres:// and
// postgresql:// URLs use PostgreSQL, anything else is a SQLite path
// (an optional sqlite:// prefix is stripped).
func Open(databaseURL string) (EventRepository, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresRepository(databaseURL)
	case databaseURL == "":
		return nil, fmt.Errorf("database url is empty")
	default:
		return NewSQLiteRepository(strings.TrimPrefix(databaseURL, "sqlite://"))
	}
}
