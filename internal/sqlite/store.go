// Package sqlite is a single-file durable task store for deployments that
// do not run PostgreSQL.
package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ramiqadoumi/crosslink/internal/domain"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    prompt       TEXT NOT NULL,
    from_machine TEXT NOT NULL,
    to_machine   TEXT NOT NULL,
    context      TEXT,
    status       TEXT NOT NULL DEFAULT 'pending',
    result       TEXT,
    error        TEXT,
    created_at   TEXT NOT NULL,
    completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks (to_machine, status, created_at);
`

const taskColumns = `id, prompt, from_machine, to_machine, context, status, result, error, created_at, completed_at`

// Config holds the parameters for opening the store.
type Config struct {
	// Path is the database file. It is created if missing.
	Path string
	// PoolSize defaults to 4. SQLite serialises writers regardless.
	PoolSize int
	Logger   *slog.Logger
}

// Store is the SQLite-backed task store.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool, applies pragmas to every connection and ensures
// the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, logger: logger, path: cfg.Path}
	if err := s.migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	logger.Info("sqlite task store opened", slog.String("path", cfg.Path), slog.Int("pool_size", poolSize))
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, task *domain.Task) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				task.ID,
				task.Prompt,
				string(task.FromMachine),
				string(task.ToMachine),
				nullable(domain.EncodeContext(task.Context)),
				string(task.Status),
				nullable(task.Result),
				nullable(task.Error),
				formatTime(task.CreatedAt),
				nullableTime(task.CompletedAt),
			},
		})
	if err != nil {
		switch sqlite.ErrCode(err) {
		case sqlite.ResultConstraintPrimaryKey, sqlite.ResultConstraintUnique:
			return &domain.DuplicateTaskError{TaskID: task.ID}
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)
	return getTask(conn, id)
}

func (s *Store) ListPending(ctx context.Context, machine domain.Role) ([]*domain.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE to_machine = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC`,
		string(machine), string(domain.StatusPending))
}

// Complete runs inside an immediate transaction so the status check, the
// update and the read-back see one consistent row.
func (s *Store) Complete(ctx context.Context, id string, result, errMsg *string, completedAt time.Time) (task *domain.Task, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `UPDATE tasks
		SET status = ?, result = ?, error = ?, completed_at = MAX(?, created_at)
		WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(domain.StatusCompleted),
				nullable(result),
				nullable(errMsg),
				formatTime(completedAt),
				id,
				string(domain.StatusPending),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}

	changed := conn.Changes()
	task, err = getTask(conn, id)
	if err != nil {
		return nil, err
	}
	if changed == 0 {
		return nil, &domain.TaskAlreadyCompletedError{TaskID: id}
	}
	return task, nil
}

func (s *Store) ListAll(ctx context.Context) ([]*domain.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, rowid DESC`)
}

func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite task store closed", slog.String("path", s.path))
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	tasks := make([]*domain.Task, 0)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			task, err := scanTask(stmt)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, nil
}

func getTask(conn *sqlite.Conn, id string) (*domain.Task, error) {
	var task *domain.Task
	err := sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			task, err = scanTask(stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if task == nil {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, nil
}

func scanTask(stmt *sqlite.Stmt) (*domain.Task, error) {
	created, err := parseTime(stmt.ColumnText(8))
	if err != nil {
		return nil, fmt.Errorf("scan task %s: created_at: %w", stmt.ColumnText(0), err)
	}
	task := &domain.Task{
		ID:          stmt.ColumnText(0),
		Prompt:      stmt.ColumnText(1),
		FromMachine: domain.Role(stmt.ColumnText(2)),
		ToMachine:   domain.Role(stmt.ColumnText(3)),
		Context:     domain.DecodeContext(columnString(stmt, 4)),
		Status:      domain.Status(stmt.ColumnText(5)),
		Result:      columnString(stmt, 6),
		Error:       columnString(stmt, 7),
		CreatedAt:   created,
	}
	if !stmt.ColumnIsNull(9) {
		at, err := parseTime(stmt.ColumnText(9))
		if err != nil {
			return nil, fmt.Errorf("scan task %s: completed_at: %w", task.ID, err)
		}
		task.CompletedAt = &at
	}
	return task, nil
}

func columnString(stmt *sqlite.Stmt, col int) *string {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	s := stmt.ColumnText(col)
	return &s
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may use plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), err
}
