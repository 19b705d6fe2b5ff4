package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/johndauphine/sqlconv/internal/dialect"
	"github.com/johndauphine/sqlconv/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported ledger drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Ensure SQLStore implements Store
var _ Store = (*SQLStore)(nil)

// SQLStore is the Store implementation over database/sql. SQLite is the
// default for single-host runs; PostgreSQL lets several hosts share a ledger.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// Open connects to the ledger and applies pending schema migrations.
// For SQLite, dsn is a file path (parent directories are created) or ":memory:".
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return openSQLite(dsn)
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening postgres ledger: %w", err)
		}
		return newSQLStore(db, true, "postgres")
	}
	return nil, fmt.Errorf("unsupported ledger driver %q (valid: sqlite, postgres)", driver)
}

func openSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger: %w", err)
	}
	// One connection serializes read-modify-write per unit and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, false, "sqlite3")
}

func newSQLStore(db *sql.DB, postgres bool, gooseDialect string) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to ledger: %w", err)
	}
	if err := migrate(db, gooseDialect); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, postgres: postgres, now: time.Now}, nil
}

func migrate(db *sql.DB, gooseDialect string) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// NewWithDB wraps an already-migrated database handle. Used by tests that
// substitute the driver.
func NewWithDB(db *sql.DB, postgres bool) *SQLStore {
	return &SQLStore{db: db, postgres: postgres, now: time.Now}
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind converts '?' placeholders to PostgreSQL's $n form.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (s *SQLStore) stamp() int64 {
	return s.now().UnixMilli()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// CreateRun records a new run.
func (s *SQLStore) CreateRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, name, dialect, fingerprint, config, status, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?)`),
		run.ID, run.Name, string(run.Dialect), run.Fingerprint, run.Config, string(RunRunning), s.stamp())
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, name, dialect, fingerprint, config, status, error, started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		r           Run
		d, status   string
		started     int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Name, &d, &r.Fingerprint, &r.Config, &status, &r.Error, &started, &completedAt); err != nil {
		return nil, err
	}
	r.Dialect = dialect.Dialect(d)
	r.Status = RunStatus(status)
	r.StartedAt = time.UnixMilli(started)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		r.CompletedAt = &t
	}
	return &r, nil
}

func (s *SQLStore) queryRun(ctx context.Context, query string, args ...any) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading run: %w", err)
	}
	return r, nil
}

// GetRun returns a run by id.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.queryRun(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
}

// LatestRun returns the most recently started run.
func (s *SQLStore) LatestRun(ctx context.Context) (*Run, error) {
	return s.queryRun(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
}

// LastIncompleteRun returns the most recent run that is still running or
// stopped early (aborted or failed).
func (s *SQLStore) LastIncompleteRun(ctx context.Context) (*Run, error) {
	return s.queryRun(ctx, `SELECT `+runColumns+` FROM runs WHERE status IN (?, ?, ?) ORDER BY started_at DESC, id DESC LIMIT 1`,
		string(RunRunning), string(RunAborted), string(RunFailed))
}

// ListRuns returns all runs, newest first.
func (s *SQLStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CompleteRun marks a run finished with the given status.
func (s *SQLStore) CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`),
		string(status), errMsg, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	return expectOne(res, ErrNotFound)
}

// ReopenRun marks a finished run as running again so its units can be
// processed further.
func (s *SQLStore) ReopenRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE runs SET status = ?, error = '', completed_at = NULL WHERE id = ?`),
		string(RunRunning), id)
	if err != nil {
		return fmt.Errorf("reopening run %s: %w", id, err)
	}
	return expectOne(res, ErrNotFound)
}

// Insert adds units in one transaction.
func (s *SQLStore) Insert(ctx context.Context, units ...Unit) error {
	if len(units) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO units (run_id, id, source_path, ordinal, dialect, raw_text, token_count,
			status, generated_text, attempt_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, '', ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := s.stamp()
	for _, u := range units {
		status := u.Status
		if status == "" {
			status = StatusPending
		}
		if _, err := stmt.ExecContext(ctx, u.RunID, u.ID, u.SourcePath, u.Ordinal, string(u.Dialect),
			u.RawText, u.TokenCount, string(status), now, now); err != nil {
			return fmt.Errorf("inserting unit %s: %w", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert: %w", err)
	}
	return nil
}

const unitColumns = `run_id, id, source_path, ordinal, dialect, raw_text, token_count,
	status, generated_text, attempt_count, last_error, created_at, updated_at`

func scanUnit(row interface{ Scan(...any) error }) (*Unit, error) {
	var (
		u                Unit
		d, status        string
		generated        sql.NullString
		created, updated int64
	)
	if err := row.Scan(&u.RunID, &u.ID, &u.SourcePath, &u.Ordinal, &d, &u.RawText, &u.TokenCount,
		&status, &generated, &u.AttemptCount, &u.LastError, &created, &updated); err != nil {
		return nil, err
	}
	u.Dialect = dialect.Dialect(d)
	u.Status = Status(status)
	u.GeneratedText = generated.String
	u.CreatedAt = time.UnixMilli(created)
	u.UpdatedAt = time.UnixMilli(updated)
	return &u, nil
}

func (s *SQLStore) queryUnits(ctx context.Context, query string, args ...any) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning unit: %w", err)
		}
		units = append(units, *u)
	}
	return units, rows.Err()
}

// Get returns one unit.
func (s *SQLStore) Get(ctx context.Context, runID, id string) (*Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+unitColumns+` FROM units WHERE run_id = ? AND id = ?`), runID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading unit %s: %w", id, err)
	}
	return u, nil
}

// Query returns the run's units in the given statuses (all units when none
// are given), ordered by source path and ordinal.
func (s *SQLStore) Query(ctx context.Context, runID string, statuses ...Status) ([]Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units WHERE run_id = ?`
	args := []any{runID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY source_path, ordinal`
	return s.queryUnits(ctx, query, args...)
}

// QuerySource returns one source file's units in ordinal order.
func (s *SQLStore) QuerySource(ctx context.Context, runID, sourcePath string) ([]Unit, error) {
	return s.queryUnits(ctx, `SELECT `+unitColumns+` FROM units WHERE run_id = ? AND source_path = ? ORDER BY ordinal`,
		runID, sourcePath)
}

// Sources lists the distinct source paths of a run in path order.
func (s *SQLStore) Sources(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT DISTINCT source_path FROM units WHERE run_id = ? ORDER BY source_path`), runID)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		sources = append(sources, p)
	}
	return sources, rows.Err()
}

// HasSource reports whether a source file already has units in the run.
func (s *SQLStore) HasSource(ctx context.Context, runID, sourcePath string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM units WHERE run_id = ? AND source_path = ?`),
		runID, sourcePath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking source %s: %w", sourcePath, err)
	}
	return n > 0, nil
}

// Counts returns per-status unit totals for a run.
func (s *SQLStore) Counts(ctx context.Context, runID string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT status, COUNT(*) FROM units WHERE run_id = ? GROUP BY status`), runID)
	if err != nil {
		return nil, fmt.Errorf("counting units: %w", err)
	}
	defer rows.Close()

	counts := make(Counts)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Claim flips a unit to IN_PROGRESS if it passes the gate. The check and the
// write are a single statement, so two workers can never own the same unit.
func (s *SQLStore) Claim(ctx context.Context, runID, id string, c Claim) (bool, error) {
	query := `UPDATE units SET status = ?, updated_at = ?`
	args := []any{string(StatusInProgress), s.stamp()}
	if c.countAttempt {
		query += `, attempt_count = attempt_count + 1`
	}
	query += ` WHERE run_id = ? AND id = ? AND status IN (` + placeholders(len(c.from)) + `)`
	args = append(args, runID, id)
	for _, st := range c.from {
		args = append(args, string(st))
	}
	if c.limited {
		query += ` AND attempt_count < ?`
		args = append(args, c.maxAttempts)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("claiming unit %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming unit %s: %w", id, err)
	}
	return n == 1, nil
}

// Update applies a partial update to one unit. With a From guard, a unit in
// any other status yields ErrConflict.
func (s *SQLStore) Update(ctx context.Context, runID, id string, f Fields) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.stamp()}
	if f.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.GeneratedText != nil {
		sets = append(sets, "generated_text = ?")
		args = append(args, *f.GeneratedText)
	}
	if f.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *f.LastError)
	}

	query := `UPDATE units SET ` + strings.Join(sets, ", ") + ` WHERE run_id = ? AND id = ?`
	args = append(args, runID, id)
	if len(f.From) > 0 {
		query += ` AND status IN (` + placeholders(len(f.From)) + `)`
		for _, st := range f.From {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("updating unit %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating unit %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, runID, id); err != nil {
		return err
	}
	return fmt.Errorf("updating unit %s: %w", id, ErrConflict)
}

// Supersede moves a source file's units to unit_history so a forced
// re-analysis can insert a fresh split. Returns the number of units moved.
func (s *SQLStore) Supersede(ctx context.Context, runID, sourcePath string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning supersede: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO unit_history (`+unitColumns+`, superseded_at)
		SELECT `+unitColumns+`, CAST(? AS BIGINT) FROM units WHERE run_id = ? AND source_path = ?`),
		s.stamp(), runID, sourcePath); err != nil {
		return 0, fmt.Errorf("archiving units of %s: %w", sourcePath, err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM units WHERE run_id = ? AND source_path = ?`), runID, sourcePath)
	if err != nil {
		return 0, fmt.Errorf("removing superseded units of %s: %w", sourcePath, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing supersede: %w", err)
	}
	return int(n), nil
}

// Recover re-evaluates IN_PROGRESS units last touched before staleBefore.
// A unit never attempted and without error goes back to PENDING; anything
// else becomes ERROR so the fixer picks it up within its budget.
func (s *SQLStore) Recover(ctx context.Context, runID string, staleBefore time.Time) (int, error) {
	stale, err := s.queryUnits(ctx, `SELECT `+unitColumns+` FROM units
		WHERE run_id = ? AND status = ? AND updated_at < ? ORDER BY source_path, ordinal`,
		runID, string(StatusInProgress), staleBefore.UnixMilli())
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, u := range stale {
		var f Fields
		if u.AttemptCount == 0 && u.LastError == "" {
			f = Set(StatusPending)
		} else {
			f = Set(StatusError).Error(InterruptedError)
		}
		f = f.When(StatusInProgress)
		if err := s.Update(ctx, runID, u.ID, f); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return recovered, err
		}
		logging.Debug("Recovered unit %s from IN_PROGRESS to %s", u.ID, *f.Status)
		recovered++
	}
	return recovered, nil
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
