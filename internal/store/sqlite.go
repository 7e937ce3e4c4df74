package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chrissnell/insituqc/internal/climatology"
	"github.com/chrissnell/insituqc/internal/log"
)

// sqliteBusyTimeout is how long, in milliseconds, a locked database is retried.
const sqliteBusyTimeout = 5000

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS climatology_artifacts (
	platform   TEXT NOT NULL,
	variable   TEXT NOT NULL,
	id         TEXT NOT NULL,
	depths     BLOB NOT NULL,
	start_year INTEGER NOT NULL,
	mean_year  INTEGER NOT NULL,
	end_year   INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (platform, variable)
);
CREATE TABLE IF NOT EXISTS climatology_fields (
	platform TEXT NOT NULL,
	variable TEXT NOT NULL,
	name     TEXT NOT NULL,
	payload  BLOB NOT NULL,
	PRIMARY KEY (platform, variable, name)
);
`

// SQLiteStore keeps artifacts in an embedded SQLite database, one row per
// key plus one row per persisted field.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	logger *zap.SugaredLogger
}

// NewSQLiteStore opens the database at dbPath and creates the schema.
func NewSQLiteStore(dbPath string, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite store requires a path")
	}
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite allows a single writer; units saving concurrently queue on the
	// one connection instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create climatology schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath, logger: log.OrNop(logger)}, nil
}

// sqliteDSN adds a busy timeout so that writers from other processes are
// waited for.
func sqliteDSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(" + strconv.Itoa(sqliteBusyTimeout) + ")"
}

// Load reads the artifact of key.
func (s *SQLiteStore) Load(ctx context.Context, key Key) (*climatology.Artifact, error) {
	var r record
	var depths []byte
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, variable, depths, start_year, mean_year, end_year, created_at
		FROM climatology_artifacts
		WHERE platform = ? AND variable = ?`,
		key.Platform, key.Variable,
	).Scan(&r.ID, &r.Variable, &depths, &r.StartYear, &r.MeanYear, &r.EndYear, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(depths, &r.Depths); err != nil {
		return nil, fmt.Errorf("failed to decode depths of %s: %w", key, err)
	}
	r.CreatedAt = time.Unix(created, 0).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, payload
		FROM climatology_fields
		WHERE platform = ? AND variable = ?`,
		key.Platform, key.Variable,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fields of %s: %w", key, err)
	}
	defer rows.Close()

	r.Fields = make(map[string][]byte)
	for rows.Next() {
		var name string
		var payload []byte
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan field row: %w", err)
		}
		r.Fields[name] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fields of %s: %w", key, err)
	}
	return r.artifact()
}

// Save replaces the artifact of key in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, key Key, a *climatology.Artifact) error {
	if err := key.Validate(); err != nil {
		return err
	}
	r, err := newRecord(a)
	if err != nil {
		return err
	}
	depths, err := msgpack.Marshal(r.Depths)
	if err != nil {
		return fmt.Errorf("failed to encode depths: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO climatology_artifacts
			(platform, variable, id, depths, start_year, mean_year, end_year, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Platform, key.Variable, r.ID, depths, r.StartYear, r.MeanYear, r.EndYear, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM climatology_fields WHERE platform = ? AND variable = ?`,
		key.Platform, key.Variable,
	); err != nil {
		return fmt.Errorf("failed to clear fields of %s: %w", key, err)
	}
	for name, payload := range r.Fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO climatology_fields (platform, variable, name, payload) VALUES (?, ?, ?, ?)`,
			key.Platform, key.Variable, name, payload,
		); err != nil {
			return fmt.Errorf("failed to insert field %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifact %s: %w", key, err)
	}
	s.logger.Debugf("saved climatology artifact %s to %s", key, s.dbPath)
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
