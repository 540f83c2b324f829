package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/commrelay/commrelay/internal/database"
	"github.com/commrelay/commrelay/internal/models"
)

// SQLBackend stores the snapshot in the high_water_marks and delivery_digests tables.
// Every Save rewrites both tables inside one transaction.
type SQLBackend struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLBackend migrates the schema and returns a backend over db.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect database.Dialect, logger *slog.Logger) (*SQLBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if err := database.RunMigrations(ctx, db, dialect, logger); err != nil {
		return nil, fmt.Errorf("migrate state schema: %w", err)
	}
	return &SQLBackend{db: db, dialect: dialect}, nil
}

// OpenSQLiteBackend opens the SQLite file at path and wraps it in a backend.
func OpenSQLiteBackend(ctx context.Context, path string, logger *slog.Logger) (*SQLBackend, error) {
	db, err := database.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	backend, err := NewSQLBackend(ctx, db, database.SQLite, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

// OpenPostgresBackend connects to url and wraps the connection in a backend.
func OpenPostgresBackend(ctx context.Context, url string, logger *slog.Logger) (*SQLBackend, error) {
	cfg := database.DefaultConfig()
	cfg.URL = url

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	backend, err := NewSQLBackend(ctx, db, database.Postgres, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

// Load reads marks and digests. Empty tables yield a nil snapshot.
func (b *SQLBackend) Load(ctx context.Context) (*Snapshot, error) {
	snapshot := NewSnapshot()

	rows, err := b.db.QueryContext(ctx, "SELECT source_id, ts, item_id FROM high_water_marks")
	if err != nil {
		return nil, fmt.Errorf("query marks: %w", err)
	}
	for rows.Next() {
		var (
			sourceID string
			mark     models.HighWaterMark
		)
		if err := rows.Scan(&sourceID, &mark.Timestamp, &mark.ItemID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan mark: %w", err)
		}
		snapshot.Marks[sourceID] = mark
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate marks: %w", err)
	}
	rows.Close()

	rows, err = b.db.QueryContext(ctx, "SELECT digest_key, recorded_at, occurred_at FROM delivery_digests ORDER BY recorded_at, digest_key")
	if err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d models.Digest
		if err := rows.Scan(&d.Key, &d.Timestamp, &d.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		snapshot.Digests = append(snapshot.Digests, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digests: %w", err)
	}

	if len(snapshot.Marks) == 0 && len(snapshot.Digests) == 0 {
		return nil, nil
	}
	return snapshot, nil
}

// Save replaces the stored state with snapshot.
func (b *SQLBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM high_water_marks"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear marks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM delivery_digests"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear digests: %w", err)
	}

	insertMark := b.dialect.Rebind("INSERT INTO high_water_marks (source_id, ts, item_id) VALUES (?, ?, ?)")
	for sourceID, mark := range snapshot.Marks {
		if _, err := tx.ExecContext(ctx, insertMark, sourceID, mark.Timestamp, mark.ItemID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert mark %s: %w", sourceID, err)
		}
	}

	insertDigest := b.dialect.Rebind(`
		INSERT INTO delivery_digests (digest_key, recorded_at, occurred_at) VALUES (?, ?, ?)
		ON CONFLICT (digest_key) DO UPDATE SET
			recorded_at = excluded.recorded_at,
			occurred_at = excluded.occurred_at
	`)
	for _, d := range snapshot.Digests {
		if _, err := tx.ExecContext(ctx, insertDigest, d.Key, d.Timestamp, d.OccurredAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert digest %s: %w", d.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (b *SQLBackend) Ping(ctx context.Context) error {
	return database.HealthCheck(ctx, b.db)
}

// Close closes the underlying database.
func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

var _ Backend = (*SQLBackend)(nil)
