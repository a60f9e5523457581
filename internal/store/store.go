package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"
)

// Snapshot is the persisted state of one document.
type Snapshot struct {
	DocumentID string
	Data       []byte
	Version    int64
	UpdatedAt  time.Time
}

// Store loads and saves document snapshots keyed by document id.
type Store interface {
	// Load returns nil, nil when nothing is stored for documentID.
	Load(ctx context.Context, documentID string) (*Snapshot, error)
	// Upsert overwrites the snapshot stored for documentID.
	Upsert(ctx context.Context, documentID string, data []byte, version int64) error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type SQLStore struct {
	db          *sql.DB
	driver      string
	compression Compression
}

// Open connects to the database and creates the schema. For sqlite the dsn
// is a file path; its directory is created if needed.
func Open(driver, dsn string, compression Compression) (*SQLStore, error) {
	var system attribute.KeyValue
	switch driver {
	case DriverSQLite:
		system = semconv.DBSystemSqlite
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, err
			}
		}
	case DriverPostgres:
		system = semconv.DBSystemPostgreSQL
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := otelsql.Open(driver, dsn, otelsql.WithAttributes(system))
	if err != nil {
		return nil, err
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))

	if driver == DriverSQLite {
		// One writer at a time; also keeps ":memory:" on a single database.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &SQLStore{db: db, driver: driver, compression: compression}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	blob := "BLOB"
	if s.driver == DriverPostgres {
		blob = "BYTEA"
	}
	schema := `
	CREATE TABLE IF NOT EXISTS docs (
		room_id TEXT PRIMARY KEY,
		data ` + blob + ` NOT NULL,
		encoding TEXT NOT NULL DEFAULT 'raw',
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	_, err := s.db.Exec(schema)
	return err
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT data, encoding, version, updated_at FROM docs WHERE room_id = ?"),
		documentID,
	)

	var (
		data     []byte
		encoding string
		snapshot = Snapshot{DocumentID: documentID}
	)
	err := row.Scan(&data, &encoding, &snapshot.Version, &snapshot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", documentID, err)
	}

	snapshot.Data, err = decode(data, encoding)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", documentID, err)
	}
	return &snapshot, nil
}

func (s *SQLStore) Upsert(ctx context.Context, documentID string, data []byte, version int64) error {
	encoded, encoding := encode(data, s.compression)
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO docs (room_id, data, encoding, version, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			data = excluded.data,
			encoding = excluded.encoding,
			version = excluded.version,
			updated_at = CURRENT_TIMESTAMP
	`), documentID, encoded, encoding, version)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", documentID, err)
	}
	return nil
}

// Count returns the number of stored documents.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM docs").Scan(&count)
	return count, err
}
