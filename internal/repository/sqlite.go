package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// SQLiteRepository implements the event log on SQLite
type SQLiteRepository struct {
	sqlStore
}

// NewSQLiteRepository opens (or creates) a SQLite database at dbPath. Pass
// ":memory:" for an in-memory log.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	// One connection: writes are serialized by the event store anyway and an
	// in-memory database only exists on a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	if dbPath != ":memory:" {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &SQLiteRepository{sqlStore{db: db}}, nil
}
