package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"tracedeck/config"
)

// NewDB opens the configured database: sqlite (default, file path DSN)
// or postgres via the pgx stdlib driver.
func NewDB(cfg *config.AppConfig, logger zerolog.Logger) (*sql.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if dir := filepath.Dir(cfg.DBURL); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite", cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// Single writer; avoids SQLITE_BUSY under concurrent trace finishes.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragmas: %w", err)
		}
		return db, nil
	case "postgres", "pgx":
		db, err := sql.Open("pgx", cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
}

var requiredTables = []string{
	"traces",
	"trace_events",
	"record_links",
	"error_links",
	"summaries",
}

var incidentTables = []string{
	"incidents",
	"incident_events",
}

// SchemaReady reports whether the trace tables exist. The tracer
// degrades to a no-op when they do not, so a host application keeps
// working before the observability schema is migrated. Computed once
// at startup and refreshed on demand rather than probed per call.
func SchemaReady(ctx context.Context, db *sql.DB) bool {
	return tablesExist(ctx, db, requiredTables)
}

// IncidentSchemaReady reports whether the incident tables exist.
func IncidentSchemaReady(ctx context.Context, db *sql.DB) bool {
	return tablesExist(ctx, db, incidentTables)
}

func tablesExist(ctx context.Context, db *sql.DB, tables []string) bool {
	if db == nil {
		return false
	}
	for _, table := range tables {
		rows, err := db.QueryContext(ctx, `SELECT 1 FROM `+table+` LIMIT 1`)
		if err != nil {
			return false
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false
		}
	}
	return true
}

// ApplyMigrations creates all tracedeck tables. Statements are
// idempotent so repeated runs are safe.
func ApplyMigrations(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	logger.Debug().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
