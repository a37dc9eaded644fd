package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/nhle/flow/internal/model"
)

// ErrClosed is returned by a SQLiteStore after Close.
var ErrClosed = errors.New("store is closed")

const issueColumns = `id, issue_number, title, description, status, priority,
	assignee, created_at, updated_at`

// Option configures a repository backend.
type Option func(*options)

type options struct {
	now Clock
	log *slog.Logger
}

// WithClock overrides the time source used for created_at/updated_at.
func WithClock(c Clock) Option {
	return func(o *options) { o.now = c }
}

// WithLogger attaches a structured logger. Without one, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{
		now: systemClock,
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SQLiteStore implements Repository using a SQLite database.
//
// The connection is opened lazily on first use and kept for the lifetime
// of the store. It is limited to a single open connection, which
// serializes access and keeps ":memory:" databases coherent. Schema
// readiness is latched per store; concurrent first calls share one run of
// the schema statements.
type SQLiteStore struct {
	path string
	opts options

	mu     sync.Mutex
	db     *sqlx.DB
	closed bool

	schemaReady atomic.Bool
	schemaGroup singleflight.Group
}

// NewSQLiteStore returns a store backed by the database at dbPath. Nothing
// is opened until the first operation.
func NewSQLiteStore(dbPath string, opts ...Option) *SQLiteStore {
	return &SQLiteStore{
		path: dbPath,
		opts: buildOptions(opts),
	}
}

// Close closes the underlying database connection, if one was opened.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn returns the memoized connection pool, opening it on first use.
func (s *SQLiteStore) conn() (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	if s.path != ":memory:" && !strings.HasPrefix(s.path, "file:") {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s.opts.log.Info("opened database", "path", s.path)
	s.db = db
	return db, nil
}

// EnsureSchema creates the issues table and counter if they are absent.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}

	_, err, _ := s.schemaGroup.Do("schema", func() (any, error) {
		if s.schemaReady.Load() {
			return nil, nil
		}
		db, err := s.conn()
		if err != nil {
			return nil, &SchemaError{Err: err}
		}
		if err := applySchema(ctx, db); err != nil {
			s.opts.log.Error("schema creation failed", "err", err)
			return nil, &SchemaError{Err: err}
		}
		s.schemaReady.Store(true)
		s.opts.log.Info("schema ready")
		return nil, nil
	})
	return err
}

func applySchema(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// ready returns a connection with the schema in place.
func (s *SQLiteStore) ready(ctx context.Context) (*sqlx.DB, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	db, err := s.conn()
	if err != nil {
		return nil, &StoreError{Op: "connecting", Err: err}
	}
	return db, nil
}

// GetAll returns every issue, newest first.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]model.Issue, error) {
	db, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	issues := []model.Issue{}
	err = db.SelectContext(ctx, &issues,
		"SELECT "+issueColumns+" FROM issues ORDER BY created_at DESC, issue_number DESC")
	if err != nil {
		return nil, wrap("querying issues", err)
	}
	for i := range issues {
		normalizeTimes(&issues[i])
	}

	s.opts.log.Debug("retrieved issues", "count", len(issues))
	return issues, nil
}

// Get retrieves a single issue by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Issue, error) {
	db, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	var issue model.Issue
	err = db.GetContext(ctx, &issue, "SELECT "+issueColumns+" FROM issues WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, wrap(fmt.Sprintf("getting issue %s", id), err)
	}
	normalizeTimes(&issue)
	return &issue, nil
}

// Create inserts a new issue. The next issue number is taken from the
// counter row inside the same transaction as the insert. An id that is in
// use or belonged to a deleted issue is a ConflictError.
func (s *SQLiteStore) Create(ctx context.Context, id string, data model.CreateIssueData) error {
	data, err := normalizeCreate(data)
	if err != nil {
		return err
	}
	db, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := s.opts.now()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("beginning transaction", err)
	}
	defer tx.Rollback()

	var live, deleted bool
	if err := tx.GetContext(ctx, &live,
		"SELECT EXISTS(SELECT 1 FROM issues WHERE id = ?)", id); err != nil {
		return wrap("checking issue id", err)
	}
	if err := tx.GetContext(ctx, &deleted,
		"SELECT EXISTS(SELECT 1 FROM deleted_issue_ids WHERE id = ?)", id); err != nil {
		return wrap("checking deleted ids", err)
	}
	if live || deleted {
		return &ConflictError{ID: id, Deleted: deleted}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE issue_counter SET value = value + 1 WHERE name = 'issues'"); err != nil {
		return wrap("advancing issue counter", err)
	}
	var number int64
	if err := tx.GetContext(ctx, &number,
		"SELECT value FROM issue_counter WHERE name = 'issues'"); err != nil {
		return wrap("reading issue counter", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO issues (
			id, issue_number, title, description, status, priority,
			assignee, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, number, data.Title, data.Description, string(data.Status), string(data.Priority),
		data.Assignee, now, now,
	)
	if err != nil {
		return wrap("creating issue", err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("committing issue", err)
	}

	s.opts.log.Info("issue created", "id", id, "issue_number", number)
	return nil
}

// Update applies only the fields present in data. An empty update is a
// no-op; a missing issue is a NotFoundError.
func (s *SQLiteStore) Update(ctx context.Context, id string, data model.UpdateIssueData) error {
	if err := validateUpdate(data); err != nil {
		return err
	}
	if data.IsEmpty() {
		return nil
	}
	db, err := s.ready(ctx)
	if err != nil {
		return err
	}

	var (
		sets []string
		args []interface{}
	)
	if data.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *data.Title)
	}
	if data.Description.Set {
		sets = append(sets, "description = ?")
		args = append(args, data.Description.Ptr())
	}
	if data.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*data.Status))
	}
	if data.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*data.Priority))
	}
	if data.Assignee.Set {
		sets = append(sets, "assignee = ?")
		args = append(args, data.Assignee.Ptr())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.opts.now(), id)

	result, err := db.ExecContext(ctx,
		"UPDATE issues SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return wrap(fmt.Sprintf("updating issue %s", id), err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &NotFoundError{ID: id}
	}

	s.opts.log.Info("issue updated", "id", id, "fields", data.Fields())
	return nil
}

// Delete removes an issue and records its id as used. Deleting a missing
// id succeeds.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	db, err := s.ready(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("beginning transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id)
	if err != nil {
		return wrap(fmt.Sprintf("deleting issue %s", id), err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO deleted_issue_ids (id, deleted_at) VALUES (?, ?)",
			id, s.opts.now()); err != nil {
			return wrap(fmt.Sprintf("recording deleted issue %s", id), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("committing delete", err)
	}

	s.opts.log.Info("issue deleted", "id", id, "existed", rows > 0)
	return nil
}

func normalizeTimes(issue *model.Issue) {
	issue.CreatedAt = issue.CreatedAt.UTC()
	issue.UpdatedAt = issue.UpdatedAt.UTC()
}
