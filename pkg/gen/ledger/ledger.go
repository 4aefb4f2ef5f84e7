// Package ledger persists generation fingerprints and run history in SQLite.
// It implements gen.Cache so repeated runs skip unchanged pipelines without reading their files.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/andrewh/tracewrap/internal/sqlitedb"
	"github.com/andrewh/tracewrap/pkg/gen"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Ledger is a gen.Cache backed by SQLite.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

var _ gen.Cache = (*Ledger)(nil)

// Open opens or creates the ledger at path. Use ":memory:" for a private
// in-memory ledger.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sqlitedb.Open(ctx, path, migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Lookup returns the fingerprint last stored for path.
func (l *Ledger) Lookup(ctx context.Context, path string) (string, bool, error) {
	var fp string
	err := l.db.QueryRowContext(ctx, `SELECT fingerprint FROM pipelines WHERE path = ?`, path).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fp, true, nil
}

// Store records fingerprint for path.
func (l *Ledger) Store(ctx context.Context, path, fingerprint string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipelines (path, fingerprint, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET fingerprint = excluded.fingerprint, updated_at = excluded.updated_at`,
		path, fingerprint, l.now().UnixNano())
	return err
}

// Forget drops path.
func (l *Ledger) Forget(ctx context.Context, path string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM pipelines WHERE path = ?`, path)
	return err
}

// Entry is one tracked pipeline file.
type Entry struct {
	Path        string
	Fingerprint string
	UpdatedAt   time.Time
}

// Entries lists tracked files ordered by path.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT path, fingerprint, updated_at FROM pipelines ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ns int64
		)
		if err := rows.Scan(&e.Path, &e.Fingerprint, &ns); err != nil {
			return nil, err
		}
		e.UpdatedAt = time.Unix(0, ns)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run summarizes one recorded generation run.
type Run struct {
	ID        int64
	StartedAt time.Time
	Generated int
	Unchanged int
	Removed   int
	Errors    int
	Warnings  int
}

// RecordRun appends a run summary built from report.
func (l *Ledger) RecordRun(ctx context.Context, startedAt time.Time, report *gen.Report) error {
	var errs, warns int
	for _, d := range report.Diagnostics {
		if d.Severity == gen.SeverityError {
			errs++
		} else {
			warns++
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (started_at, generated, unchanged, removed, errors, warnings)
		VALUES (?, ?, ?, ?, ?, ?)`,
		startedAt.UnixNano(), len(report.Generated), len(report.Unchanged), len(report.Removed), errs, warns)
	return err
}

// Runs returns the most recent runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, started_at, generated, unchanged, removed, errors, warnings
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r  Run
			ns int64
		)
		if err := rows.Scan(&r.ID, &ns, &r.Generated, &r.Unchanged, &r.Removed, &r.Errors, &r.Warnings); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}
