package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Journal is a SQLite-backed history of playbook runs and command results.
type Journal struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

var _ engine.Observer = (*Journal)(nil)

// NewJournal creates a journal. Call Init and Migrate before use.
func NewJournal(cfg Config, logger zerolog.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &Journal{
		cfg:    cfg,
		logger: logger.With().Str("component", "journal").Logger(),
	}, nil
}

// Open creates, initializes and migrates a journal.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Journal, error) {
	j, err := NewJournal(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx); err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// Init opens the database connection and enables WAL mode for file databases.
func (j *Journal) Init(ctx context.Context) error {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if j.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	dsn := j.cfg.Path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(j.cfg.MaxOpenConns)
	db.SetMaxIdleConns(j.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(j.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	j.db = db
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (j *Journal) Migrate(_ context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
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

// HealthCheck verifies the database connection is healthy.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := j.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// PlaybookStateChanged implements engine.Observer.
func (j *Journal) PlaybookStateChanged(t engine.PlaybookTransition) {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
	defer cancel()

	if err := j.RecordTransition(ctx, t); err != nil {
		j.logger.Error().Err(err).
			Str("playbook_id", string(t.PlaybookID)).
			Str("state", string(t.To)).
			Msg("Failed to journal playbook transition")
	}
}

// CommandCompleted implements engine.Observer.
func (j *Journal) CommandCompleted(r engine.CommandExecutionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
	defer cancel()

	if _, err := j.RecordResult(ctx, r); err != nil {
		j.logger.Error().Err(err).
			Str("command_id", string(r.CommandID())).
			Str("host", r.Host.String()).
			Msg("Failed to journal command result")
	}
}

// RecordTransition upserts the run row and appends the transition.
func (j *Journal) RecordTransition(ctx context.Context, t engine.PlaybookTransition) error {
	at := t.At.UTC()
	if t.At.IsZero() {
		at = time.Now().UTC()
	}
	var finishedAt *time.Time
	if t.To.IsTerminal() {
		finishedAt = &at
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO playbook_runs (id, name, state, scheduled_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`, string(t.PlaybookID), t.Name, string(t.To), at, at, finishedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO playbook_transitions (playbook_id, from_state, to_state, at)
		VALUES (?, ?, ?, ?)
	`, string(t.PlaybookID), string(t.From), string(t.To), at)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// RecordResult stores a command result and returns its row ID.
func (j *Journal) RecordResult(ctx context.Context, r engine.CommandExecutionResult) (int64, error) {
	var (
		kind, description string
		ignoreFailure     bool
	)
	if r.Command != nil {
		kind = engine.KindOf(r.Command)
		description = r.Command.String()
		ignoreFailure = r.Command.IgnoreFailure()
	}

	var exception *string
	if r.Exception != nil {
		msg := r.Exception.Error()
		exception = &msg
	}

	var playbookID *string
	if r.PlaybookID != "" {
		id := string(r.PlaybookID)
		playbookID = &id
	}

	failed := r.Failed()
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO command_results (
			playbook_id, command_id, kind, description, host, return_code,
			stdout, stderr, exception, started_at, duration_ns, retries, failed, ignored
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		playbookID,
		string(r.CommandID()),
		kind,
		description,
		r.Host.String(),
		r.Output.ReturnCode,
		truncate(r.Output.Stdout, j.cfg.MaxOutputBytes),
		truncate(r.Output.Stderr, j.cfg.MaxOutputBytes),
		exception,
		r.StartedAt.UTC(),
		int64(r.Duration),
		r.Retries,
		failed,
		failed && ignoreFailure,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get result id: %w", err)
	}
	return id, nil
}

const runColumns = `id, name, state, scheduled_at, updated_at, finished_at`

// GetRun retrieves a run by playbook ID.
func (j *Journal) GetRun(ctx context.Context, id string) (*Run, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM playbook_runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (j *Journal) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM playbook_runs
		ORDER BY scheduled_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListTransitions returns a run's transitions in the order they happened.
func (j *Journal) ListTransitions(ctx context.Context, playbookID string) ([]*Transition, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, playbook_id, from_state, to_state, at
		FROM playbook_transitions
		WHERE playbook_id = ?
		ORDER BY id ASC
	`, playbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []*Transition{}
	for rows.Next() {
		var (
			t        Transition
			from, to string
		)
		if err := rows.Scan(&t.ID, &t.PlaybookID, &from, &to, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = engine.PlaybookRunState(from)
		t.To = engine.PlaybookRunState(to)
		transitions = append(transitions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return transitions, nil
}

// ListResults lists command results matching the filter in insertion order.
func (j *Journal) ListResults(ctx context.Context, filter ResultFilter) ([]*CommandResult, error) {
	query := `
		SELECT id, playbook_id, command_id, kind, description, host, return_code,
			   stdout, stderr, exception, started_at, duration_ns, retries, failed, ignored
		FROM command_results
		WHERE 1=1
	`
	var args []interface{}

	if filter.PlaybookID != "" {
		query += " AND playbook_id = ?"
		args = append(args, filter.PlaybookID)
	}
	if filter.Host != "" {
		query += " AND host = ?"
		args = append(args, filter.Host)
	}
	if filter.FailedOnly {
		query += " AND failed = 1"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	results := []*CommandResult{}
	for rows.Next() {
		var (
			r          CommandResult
			playbookID sql.NullString
			exception  sql.NullString
			durationNs int64
		)
		err := rows.Scan(
			&r.ID,
			&playbookID,
			&r.CommandID,
			&r.Kind,
			&r.Description,
			&r.Host,
			&r.ReturnCode,
			&r.Stdout,
			&r.Stderr,
			&exception,
			&r.StartedAt,
			&durationNs,
			&r.Retries,
			&r.Failed,
			&r.Ignored,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.PlaybookID = playbookID.String
		if exception.Valid {
			r.Exception = &exception.String
		}
		r.Duration = time.Duration(durationNs)
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// DeleteRun deletes a run, its transitions and its results.
func (j *Journal) DeleteRun(ctx context.Context, id string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM command_results WHERE playbook_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM playbook_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// Prune deletes finished runs older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC()
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM command_results WHERE playbook_id IN (
			SELECT id FROM playbook_runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune results: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM playbook_runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		state      string
		finishedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.Name, &state, &run.ScheduledAt, &run.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.State = engine.PlaybookRunState(state)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

func truncate(b []byte, limit int) []byte {
	if len(b) > limit {
		return b[:limit]
	}
	return b
}
