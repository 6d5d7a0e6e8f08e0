// Package store persists reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"netconverge/internal/domain"
)

// SQLiteReportStore implements domain.ReportStore. Reports are written once;
// delivery status lives in a separate table.
type SQLiteReportStore struct {
	db *sql.DB
}

// NewSQLiteReportStore opens (or creates) the database at dbPath and runs
// the schema migration.
func NewSQLiteReportStore(dbPath string) (*SQLiteReportStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, storeError("store.Open", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storeError("store.Open", fmt.Errorf("open report db: %w", err))
	}
	db.SetMaxOpenConns(1)
	// WAL mode for concurrent readers while a run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, storeError("store.Open", fmt.Errorf("set WAL mode: %w", err))
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, storeError("store.Open", fmt.Errorf("migrate report db: %w", err))
	}
	return &SQLiteReportStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reports (
			id          TEXT PRIMARY KEY,
			request_id  TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			description TEXT NOT NULL,
			ticket      TEXT NOT NULL DEFAULT '',
			finished_at TEXT NOT NULL,
			body        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS reports_finished ON reports (finished_at);
		CREATE TABLE IF NOT EXISTS deliveries (
			report_id    TEXT PRIMARY KEY REFERENCES reports (id),
			notified     INTEGER NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			delivered_at TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteReportStore) Close() error {
	return s.db.Close()
}

// Save inserts a report. Saving the same id twice is an error.
func (s *SQLiteReportStore) Save(ctx context.Context, r domain.Report) error {
	const op = "store.Save"
	body, err := json.Marshal(r)
	if err != nil {
		return storeError(op, fmt.Errorf("marshal report: %w", err))
	}
	ticket := ""
	if r.Incident != nil {
		ticket = r.Incident.Ticket.Display()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO reports (id, request_id, outcome, description, ticket, finished_at, body) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.RequestID, string(r.Outcome), r.Description, ticket, r.FinishedAt.UTC().Format(time.RFC3339Nano), string(body),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.NewSubSystemError("store", op, domain.ErrDuplicate, r.ID)
		}
		return storeError(op, err)
	}
	return nil
}

// Get returns the report with the given id.
func (s *SQLiteReportStore) Get(ctx context.Context, id string) (domain.Report, error) {
	const op = "store.Get"
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM reports WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, domain.NewSubSystemError("store", op, domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Report{}, storeError(op, err)
	}
	var r domain.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return domain.Report{}, storeError(op, fmt.Errorf("unmarshal report %s: %w", id, err))
	}
	return r, nil
}

// List returns the most recent reports first.
func (s *SQLiteReportStore) List(ctx context.Context, limit int) ([]domain.ReportSummary, error) {
	const op = "store.List"
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.request_id, r.outcome, r.description, r.ticket, r.finished_at,
		       COALESCE(d.notified, 0), COALESCE(d.error, '')
		FROM reports r LEFT JOIN deliveries d ON d.report_id = r.id
		ORDER BY r.finished_at DESC, r.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var out []domain.ReportSummary
	for rows.Next() {
		var (
			rs       domain.ReportSummary
			outcome  string
			finished string
			notified int
		)
		if err := rows.Scan(&rs.ID, &rs.RequestID, &outcome, &rs.Description, &rs.Ticket, &finished, &notified, &rs.NotifyError); err != nil {
			return nil, storeError(op, err)
		}
		rs.Outcome = domain.Outcome(outcome)
		rs.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		rs.Notified = notified == 1
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

// MarkNotified records the delivery outcome of a report.
func (s *SQLiteReportStore) MarkNotified(ctx context.Context, id string, notifyErr error) error {
	const op = "store.MarkNotified"
	notified, msg := 1, ""
	if notifyErr != nil {
		notified, msg = 0, notifyErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (report_id, notified, error, delivered_at)
		SELECT id, ?, ?, ? FROM reports WHERE id = ?
		ON CONFLICT (report_id) DO UPDATE SET notified = excluded.notified, error = excluded.error, delivered_at = excluded.delivered_at`,
		notified, msg, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return storeError(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("store", op, domain.ErrNotFound, id)
	}
	return nil
}

func storeError(op string, err error) error {
	return domain.NewSubSystemError("store", op, domain.ErrStore, err.Error())
}

var _ domain.ReportStore = (*SQLiteReportStore)(nil)
