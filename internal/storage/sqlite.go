package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectCols = `id, priority, status, type, created_at, retry_count, schedule, user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(r rowScanner) (task.Descriptor, error) {
	var (
		d         task.Descriptor
		prio      int
		status    string
		typ       string
		createdMS int64
		schedule  string
		userID    sql.NullString
	)
	if err := r.Scan(&d.ID, &prio, &status, &typ, &createdMS, &d.RetryCount, &schedule, &userID); err != nil {
		return task.Descriptor{}, err
	}
	d.Priority = task.Priority(prio)
	d.Status = task.Status(status)
	d.Type = task.Type(typ)
	d.CreatedAt = time.UnixMilli(createdMS).UTC()
	d.UserID = userID.String
	if schedule != "" {
		if err := json.Unmarshal([]byte(schedule), &d.Schedule); err != nil {
			return task.Descriptor{}, fmt.Errorf("task %s: decode schedule: %w", d.ID, err)
		}
	}
	return d, nil
}

func (s *sqliteStore) Create(ctx context.Context, d task.Descriptor) (task.Descriptor, error) {
	d, err := prepare(d, s.now())
	if err != nil {
		return task.Descriptor{}, err
	}
	sched, err := json.Marshal(d.Schedule)
	if err != nil {
		return task.Descriptor{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+selectCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		d.ID, int(d.Priority), string(d.Status), string(d.Type), d.CreatedAt.UnixMilli(),
		d.RetryCount, string(sched), nullStr(d.UserID),
	)
	if err != nil {
		return task.Descriptor{}, fmt.Errorf("create task %s: %w", d.ID, err)
	}
	d.CreatedAt = time.UnixMilli(d.CreatedAt.UnixMilli()).UTC()
	return d, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (task.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM tasks WHERE id = ?`, id)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Descriptor{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return d, err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) ListPending(ctx context.Context, f task.Filter) ([]task.Descriptor, error) {
	q := `SELECT ` + selectCols + ` FROM tasks WHERE status = ?`
	args := []any{string(task.StatusPending)}
	if len(f.Types) > 0 {
		q += ` AND type IN (?` + strings.Repeat(",?", len(f.Types)-1) + `)`
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	q += ` ORDER BY priority DESC, created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetStatus(ctx context.Context, id string) (task.Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return task.Status(st), nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	from := task.Status(cur)
	if err := task.CheckTransition(id, from, status); err != nil {
		return err
	}
	bump := 0
	if task.IsReadmission(from, status) {
		bump = 1
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, retry_count = retry_count + ? WHERE id = ?`,
		string(status), bump, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Counts(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[task.Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[task.Status(st)] = n
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
