package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	path   string
	config Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path:   cfg.Path,
		config: cfg,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// connPragmas apply to every pooled connection. modernc.org/sqlite only
// honours _pragma parameters, one per pragma.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// dsn builds the driver connection string for path.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", dsn(s.path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// Save inserts or replaces a blueprint document.
func (s *SQLiteStore) Save(ctx context.Context, doc *engine.Document) error {
	query := `
		INSERT INTO blueprints (
			id, type, status, detailed_status, current_operation,
			labels, state, pending, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			detailed_status = excluded.detailed_status,
			current_operation = excluded.current_operation,
			labels = excluded.labels,
			state = excluded.state,
			pending = excluded.pending,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`

	labels, err := encodeLabels(doc.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	var state *string
	if len(doc.State) > 0 {
		v := string(doc.State)
		state = &v
	}

	var pending *string
	if doc.Pending != nil {
		data, err := json.Marshal(doc.Pending)
		if err != nil {
			return fmt.Errorf("failed to encode pending callback: %w", err)
		}
		v := string(data)
		pending = &v
	}

	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.ExecContext(ctx, query,
		doc.ID,
		doc.Type,
		string(doc.Status),
		doc.DetailedStatus,
		doc.CurrentOperation,
		labels,
		state,
		pending,
		doc.LastError,
		createdAt.UTC(),
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save blueprint: %w", err)
	}

	return nil
}

// Load retrieves a blueprint document by instance ID.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*engine.Document, error) {
	query := `
		SELECT id, type, status, detailed_status, current_operation,
			   labels, state, pending, last_error, created_at, updated_at
		FROM blueprints
		WHERE id = ?
	`

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("blueprint", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	}

	return doc, nil
}

// Delete deletes a blueprint document by instance ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM blueprints WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete blueprint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("blueprint", id)
	}

	return nil
}

// List returns the documents matching the filter, ordered by ID.
// Type and status are filtered in SQL; labels and IDs in memory.
func (s *SQLiteStore) List(ctx context.Context, filter engine.Filter) ([]*engine.Document, error) {
	query := `
		SELECT id, type, status, detailed_status, current_operation,
			   labels, state, pending, last_error, created_at, updated_at
		FROM blueprints
		WHERE (? = '' OR type = ?)
		  AND (? = '' OR status = ?)
		ORDER BY id ASC
	`

	status := string(filter.Status)
	rows, err := s.db.QueryContext(ctx, query, filter.Type, filter.Type, status, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list blueprints: %w", err)
	}
	defer rows.Close()

	docs := []*engine.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blueprint: %w", err)
		}
		if filter.Matches(doc) {
			docs = append(docs, doc)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blueprints: %w", err)
	}

	return docs, nil
}

// LoadLayout returns the persisted network layout, or nil when none was saved.
func (s *SQLiteStore) LoadLayout(ctx context.Context) (*netres.Layout, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT layout FROM network_layout WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get network layout: %w", err)
	}

	layout := &netres.Layout{}
	if err := json.Unmarshal([]byte(data), layout); err != nil {
		return nil, fmt.Errorf("failed to decode network layout: %w", err)
	}

	return layout, nil
}

// SaveLayout replaces the persisted network layout.
func (s *SQLiteStore) SaveLayout(ctx context.Context, layout *netres.Layout) error {
	query := `
		INSERT INTO network_layout (id, layout, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			layout = excluded.layout,
			updated_at = excluded.updated_at
	`

	data, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("failed to encode network layout: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save network layout: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*engine.Document, error) {
	var (
		doc     engine.Document
		status  string
		labels  string
		state   sql.NullString
		pending sql.NullString
	)

	err := row.Scan(
		&doc.ID,
		&doc.Type,
		&status,
		&doc.DetailedStatus,
		&doc.CurrentOperation,
		&labels,
		&state,
		&pending,
		&doc.LastError,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Status = engine.InstanceStatus(status)
	if err := doc.Status.Validate(); err != nil {
		return nil, err
	}

	if labels != "" && labels != "{}" {
		if err := json.Unmarshal([]byte(labels), &doc.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels: %w", err)
		}
	}
	if state.Valid {
		doc.State = json.RawMessage(state.String)
	}
	if pending.Valid {
		doc.Pending = &engine.PendingCallback{}
		if err := json.Unmarshal([]byte(pending.String), doc.Pending); err != nil {
			return nil, fmt.Errorf("failed to decode pending callback: %w", err)
		}
	}

	return &doc, nil
}

func encodeLabels(labels map[string]string) (string, error) {
	if len(labels) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}
