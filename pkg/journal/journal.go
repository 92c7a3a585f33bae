package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Config holds configuration for the session journal
type Config struct {
	DatabasePath  string `json:"database_path"`
	RetentionDays int    `json:"retention_days"`
	MaxEntries    int    `json:"max_entries"`
}

func DefaultConfig() *Config {
	return &Config{
		DatabasePath:  "/var/lib/locationd/journal.db",
		RetentionDays: 14,
		MaxEntries:    50000,
	}
}

// Entry is one recorded coordinator event
type Entry struct {
	ID        int64     `json:"id"`
	Session   string    `json:"session"`
	Type      string    `json:"type"`
	Provider  string    `json:"provider"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary describes one acquisition session from its journal rows
type SessionSummary struct {
	Session  string    `json:"session"`
	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended"`
	Events   int       `json:"events"`
	Outcome  string    `json:"outcome"`
	Provider string    `json:"provider"`
}

// Journal appends coordinator events to a SQLite database so sessions can
// be inspected after the fact
type Journal struct {
	db     *sql.DB
	config *Config
	logger *logx.Logger
}

func Open(config *Config, logger *logx.Logger) (*Journal, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, config: config, logger: logger}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	logger.Info("journal_initialized",
		"database_path", config.DatabasePath,
		"retention_days", config.RetentionDays,
	)
	return j, nil
}

func (j *Journal) initialize() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		type TEXT NOT NULL,
		provider TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		accuracy REAL,
		reason TEXT,
		ts INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	`)
	return err
}

// Append stores one event. GNSS status events are not journaled.
func (j *Journal) Append(ev gps.Event) error {
	if ev.Type == gps.EventGnssStatus {
		return nil
	}

	var lat, lon, acc sql.NullFloat64
	if ev.Fix != nil {
		lat = sql.NullFloat64{Float64: ev.Fix.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: ev.Fix.Longitude, Valid: true}
		acc = sql.NullFloat64{Float64: ev.Fix.Accuracy, Valid: true}
	}
	reason := ev.Reason
	if ev.Err != nil && reason == "" {
		reason = ev.Err.Error()
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := j.db.Exec(
		`INSERT INTO events (session, type, provider, latitude, longitude, accuracy, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Session, ev.Type.String(), ev.Provider.String(), lat, lon, acc, reason, ts.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Record journals events until the channel closes, pruning old rows
// whenever a session ends
func (j *Journal) Record(events <-chan gps.Event) {
	for ev := range events {
		if err := j.Append(ev); err != nil {
			j.logger.Warn("journal_append_failed", "error", err, "session", ev.Session)
			continue
		}
		switch ev.Type {
		case gps.EventServiceCompleted, gps.EventFailed, gps.EventTrackingStopped:
			if _, err := j.Prune(time.Now()); err != nil {
				j.logger.Warn("journal_prune_failed", "error", err)
			}
		}
	}
}

// Session returns every journaled event of a session in order
func (j *Journal) Session(id string) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, session, type, provider, latitude, longitude, accuracy, reason, ts
		FROM events WHERE session = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			lat, lon, acc sql.NullFloat64
			reason        sql.NullString
			ts            int64
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.Type, &e.Provider, &lat, &lon, &acc, &reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if lat.Valid {
			e.Latitude = &lat.Float64
		}
		if lon.Valid {
			e.Longitude = &lon.Float64
		}
		if acc.Valid {
			e.Accuracy = &acc.Float64
		}
		e.Reason = reason.String
		e.Timestamp = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions summarizes the most recent sessions, newest first
func (j *Journal) Sessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(`
	SELECT session, MIN(ts), MAX(ts), COUNT(*),
		(SELECT type FROM events e2 WHERE e2.session = e.session ORDER BY id DESC LIMIT 1),
		(SELECT provider FROM events e3 WHERE e3.session = e.session ORDER BY id DESC LIMIT 1)
	FROM events e
	GROUP BY session
	ORDER BY MAX(id) DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			s          SessionSummary
			start, end int64
		)
		if err := rows.Scan(&s.Session, &start, &end, &s.Events, &s.Outcome, &s.Provider); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.Started = time.UnixMilli(start).UTC()
		s.Ended = time.UnixMilli(end).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes rows past the retention window and trims the table to
// MaxEntries. It returns the number of rows removed.
func (j *Journal) Prune(now time.Time) (int64, error) {
	var removed int64
	if j.config.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -j.config.RetentionDays).UnixMilli()
		res, err := j.db.Exec("DELETE FROM events WHERE ts < ?", cutoff)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if j.config.MaxEntries > 0 {
		res, err := j.db.Exec(
			`DELETE FROM events WHERE id <= (SELECT id FROM events ORDER BY id DESC LIMIT 1 OFFSET ?)`,
			j.config.MaxEntries)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if removed > 0 {
		j.logger.Debug("journal_pruned", "rows", removed)
	}
	return removed, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
