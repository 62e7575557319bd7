// Package vectorindex is a derived, rebuildable nearest-neighbor cache
// for semantic memory embeddings (spec §3 "SemanticMemoryItem.embedding?",
// §4.7 "optional vector index"). The JSON files under memory/semantic/
// remain the source of truth; this package only speeds up retrieval, so
// losing the sqlite file is never data loss — it is rebuilt from Rebuild.
//
// Adapted from the teacher's internal/store/db.go WAL setup, simplified
// to a single small table and pared down to the pragmas that matter for
// a local, single-process cache.
package vectorindex

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeoutMS = 5000

// Open opens (creating if needed) the sqlite-backed vector cache at path
// and runs pending migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", normalizeSQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeoutMS),
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate vector index: %w", err)
	}
	return db, nil
}

// Close runs PRAGMA optimize then closes the connection.
func Close(db *sql.DB) error {
	_, _ = db.ExecContext(context.Background(), "PRAGMA optimize")
	return db.Close()
}

func normalizeSQLiteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return "file:" + path + "?mode=rwc&_txlock=immediate"
}
