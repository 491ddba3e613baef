// Package storage persists experiments and their transcripts in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/tabarochristian/loop-to-result/internal/logging"
	"github.com/tabarochristian/loop-to-result/internal/models"
)

// StoreError reports a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrExperimentNotActive) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Options configures the connection pool.
type Options struct {
	Path string

	// MaxOpenConns bounds the pool; zero means unbounded. Every running
	// experiment pins one connection through a Session.
	MaxOpenConns int

	BusyTimeoutMs int
}

// Storage is the pooled handle used by request-handling code.
type Storage struct {
	store
	db *sql.DB
}

// Session is a dedicated connection owned by a single experiment worker.
type Session struct {
	store
	conn *sql.Conn
}

type store struct {
	q      querier
	logger zerolog.Logger
}

func New(dbPath string) (*Storage, error) {
	return Open(Options{Path: dbPath, BusyTimeoutMs: 5000})
}

func Open(opts Options) (*Storage, error) {
	if opts.Path == "" {
		return nil, errors.New("database path is required")
	}
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = 5000
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_txlock=immediate&_time_format=sqlite",
		opts.Path, opts.BusyTimeoutMs)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &Storage{
		store: store{q: db, logger: logging.Component("storage")},
		db:    db,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Session checks out a dedicated connection. The caller must Close it.
func (s *Storage) Session(ctx context.Context) (*Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, wrap("open session", err)
	}
	return &Session{
		store: store{q: conn, logger: s.logger},
		conn:  conn,
	}, nil
}

// Close returns the connection to the pool. Safe to call more than once.
func (s *Session) Close() error {
	err := s.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		backend TEXT NOT NULL,
		model TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		experiment_id TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (experiment_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
	CREATE INDEX IF NOT EXISTS idx_experiments_created ON experiments(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

// transaction runs fn inside a transaction, rolling back on error.
func (s store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.q.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateExperiment inserts exp with status pending and returns its id. An
// empty exp.ID is filled with a fresh UUID.
func (s store) CreateExperiment(ctx context.Context, exp *models.Experiment) (string, error) {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	exp.Status = models.StatusPending
	exp.CreatedAt = now
	exp.UpdatedAt = now

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO experiments (id, prompt, backend, model, language, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Prompt, exp.Backend, exp.Model, exp.Language, exp.Status, exp.CreatedAt, exp.UpdatedAt,
	)
	if err != nil {
		return "", wrap("create experiment", err)
	}
	return exp.ID, nil
}

const experimentColumns = `id, prompt, backend, model, language, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*models.Experiment, error) {
	var exp models.Experiment
	err := row.Scan(
		&exp.ID, &exp.Prompt, &exp.Backend, &exp.Model, &exp.Language,
		&exp.Status, &exp.CreatedAt, &exp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

func (s store) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	exp, err := scanExperiment(row)
	return exp, wrap("get experiment", err)
}

// ListExperiments returns up to limit experiments, newest first.
func (s store) ListExperiments(ctx context.Context, limit int) ([]*models.Experiment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list experiments", err)
	}
	defer rows.Close()

	var exps []*models.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, wrap("list experiments", err)
		}
		exps = append(exps, exp)
	}
	return exps, wrap("list experiments", rows.Err())
}

// SetStatus writes status unconditionally.
func (s store) SetStatus(ctx context.Context, id string, status models.Status) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE experiments SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return wrap("set status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetStatusIf moves the experiment to status only when its current status is
// one of from. It reports whether the transition happened.
func (s store) SetStatusIf(ctx context.Context, id string, status models.Status, from ...models.Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("SetStatusIf requires at least one source status")
	}

	args := []any{status, time.Now().UTC(), id}
	placeholders := make([]string, len(from))
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, f)
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE experiments SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return false, wrap("set status", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Distinguish "wrong state" from "no such experiment".
	if _, err := s.GetExperiment(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// AppendMessage adds a message at the end of the transcript and returns it
// with its sequence number and timestamp assigned.
func (s store) AppendMessage(ctx context.Context, id string, sender models.Role, content string) (*models.Message, error) {
	var msg *models.Message
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := statusTx(ctx, tx, id); err != nil {
			return err
		}
		var err error
		msg, err = appendTx(ctx, tx, id, sender, content)
		return err
	})
	return msg, wrap("append message", err)
}

// AppendMessageIfActive appends only while the experiment is non-terminal.
func (s store) AppendMessageIfActive(ctx context.Context, id string, sender models.Role, content string) (*models.Message, error) {
	var msg *models.Message
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		status, err := statusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return models.ErrExperimentNotActive
		}
		msg, err = appendTx(ctx, tx, id, sender, content)
		return err
	})
	return msg, wrap("append message", err)
}

func statusTx(ctx context.Context, tx *sql.Tx, id string) (models.Status, error) {
	var status models.Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM experiments WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	}
	return status, err
}

func appendTx(ctx context.Context, tx *sql.Tx, id string, sender models.Role, content string) (*models.Message, error) {
	var last int64
	var lastAt time.Time
	err := tx.QueryRowContext(ctx,
		`SELECT seq, created_at FROM messages WHERE experiment_id = ? ORDER BY seq DESC LIMIT 1`, id,
	).Scan(&last, &lastAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Keep timestamps non-decreasing along the sequence even if the clock
	// steps backwards between appends.
	now := time.Now().UTC()
	if now.Before(lastAt) {
		now = lastAt
	}

	msg := &models.Message{
		ExperimentID: id,
		Seq:          last + 1,
		Sender:       sender,
		Content:      content,
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (experiment_id, seq, sender, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ExperimentID, msg.Seq, msg.Sender, msg.Content, msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE experiments SET updated_at = ? WHERE id = ?`, now, id,
	); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns the transcript in sequence order, starting after
// afterSeq (zero for the full transcript).
func (s store) ListMessages(ctx context.Context, id string, afterSeq int64) ([]*models.Message, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT experiment_id, seq, sender, content, created_at
		 FROM messages WHERE experiment_id = ? AND seq > ? ORDER BY seq`, id, afterSeq)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ExperimentID, &msg.Seq, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, wrap("list messages", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, wrap("list messages", rows.Err())
}

// DeleteExperiment removes the experiment and its transcript atomically.
func (s store) DeleteExperiment(ctx context.Context, id string) error {
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE experiment_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrNotFound
		}
		return nil
	})
	return wrap("delete experiment", err)
}

// FormatTimeAgo renders t relative to now for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
