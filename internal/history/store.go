// Package history keeps the audit log of detections and restart
// attempts in SQLite. Writes go through a buffered queue so the hot
// path never blocks on disk; when the queue is full the write falls
// back to synchronous.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/domain"
	_ "modernc.org/sqlite"
)

// Restart reasons
const (
	ReasonCooldownExpired = "cooldown_expired"
	ReasonCrash           = "crash"
	ReasonManual          = "manual"
)

// RestartAttempt is one relaunch try, successful or not
type RestartAttempt struct {
	SessionID   string    `json:"session_id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Attempt     int       `json:"attempt"`
	Reason      string    `json:"reason"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	PID         int       `json:"pid,omitempty"`
}

const writeQueueSize = 100

type dbOp struct {
	event   *domain.DetectionEvent
	restart *RestartAttempt
	flush   chan struct{}
}

// Store provides SQLite-backed history persistence
type Store struct {
	logger     *slog.Logger
	db         *sql.DB
	writeChan  chan dbOp
	writerDone chan struct{}
}

// New creates a new Store with the given database path
func New(logger *slog.Logger, dbPath string) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a second pooled connection would also
	// see a different database for :memory: paths
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &Store{
		logger:     logger,
		db:         db,
		writeChan:  make(chan dbOp, writeQueueSize),
		writerDone: make(chan struct{}),
	}
	go s.dbWriter()
	return s, nil
}

// Close drains pending writes and closes the database. No writes may
// be issued after Close.
func (s *Store) Close() error {
	close(s.writeChan)
	<-s.writerDone
	return s.db.Close()
}

// dbWriter applies queued operations in order
func (s *Store) dbWriter() {
	defer close(s.writerDone)
	for op := range s.writeChan {
		s.apply(op)
	}
}

// queue hands an op to the writer, applying it synchronously when the
// queue is full so nothing is dropped.
func (s *Store) queue(op dbOp) {
	select {
	case s.writeChan <- op:
	default:
		s.apply(op)
	}
}

func (s *Store) apply(op dbOp) {
	switch {
	case op.flush != nil:
		close(op.flush)
	case op.event != nil:
		if err := s.insertEvent(op.event); err != nil {
			s.logger.Warn("record detection event",
				slog.String("event_id", op.event.ID),
				slog.String("error", err.Error()))
		}
	case op.restart != nil:
		if err := s.insertRestart(op.restart); err != nil {
			s.logger.Warn("record restart attempt",
				slog.String("session_id", op.restart.SessionID),
				slog.String("error", err.Error()))
		}
	}
}

// RecordEvent queues a detection event write. Re-recording the same
// event updates its cooldown columns.
func (s *Store) RecordEvent(ev *domain.DetectionEvent) {
	cp := *ev
	s.queue(dbOp{event: &cp})
}

// RecordRestart queues a restart attempt write
func (s *Store) RecordRestart(att *RestartAttempt) {
	cp := *att
	s.queue(dbOp{restart: &cp})
}

// Flush blocks until every write queued before it has been applied
func (s *Store) Flush() {
	done := make(chan struct{})
	s.writeChan <- dbOp{flush: done}
	<-done
}

func (s *Store) insertEvent(ev *domain.DetectionEvent) error {
	beforeJSON, err := json.Marshal(ev.ContextBefore)
	if err != nil {
		return err
	}
	afterJSON, err := json.Marshal(ev.ContextAfter)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO detection_events (id, session_id, detected_at, pattern, matched_text, confidence, line_number, context_before, context_after, cooldown_start, cooldown_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			matched_text = excluded.matched_text,
			confidence = excluded.confidence,
			context_after = excluded.context_after,
			cooldown_start = excluded.cooldown_start,
			cooldown_end = excluded.cooldown_end
	`,
		ev.ID,
		ev.SessionID,
		ev.DetectedAt,
		ev.Pattern,
		ev.MatchedText,
		ev.Confidence,
		ev.LineNumber,
		string(beforeJSON),
		string(afterJSON),
		ev.CooldownStart,
		ev.CooldownEnd,
	)
	return err
}

func (s *Store) insertRestart(att *RestartAttempt) error {
	_, err := s.db.Exec(`
		INSERT INTO restart_attempts (session_id, attempted_at, attempt, reason, success, error, pid)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		att.SessionID,
		att.AttemptedAt,
		att.Attempt,
		att.Reason,
		att.Success,
		att.Error,
		att.PID,
	)
	return err
}

// EventListOptions specifies filters for listing detection events
type EventListOptions struct {
	SessionID     string
	Since         time.Time
	MinConfidence float64
	Limit         int
}

// ListEvents returns detection events matching the options, newest
// first.
func (s *Store) ListEvents(opts EventListOptions) ([]*domain.DetectionEvent, error) {
	query := `SELECT id, session_id, detected_at, pattern, matched_text, confidence, line_number, context_before, context_after, cooldown_start, cooldown_end FROM detection_events WHERE 1=1`
	var args []interface{}

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if !opts.Since.IsZero() {
		query += " AND detected_at >= ?"
		args = append(args, opts.Since)
	}
	if opts.MinConfidence > 0 {
		query += " AND confidence >= ?"
		args = append(args, opts.MinConfidence)
	}
	query += " ORDER BY detected_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.DetectionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RestartListOptions specifies filters for listing restart attempts
type RestartListOptions struct {
	SessionID string
	Since     time.Time
	Limit     int
}

// ListRestarts returns restart attempts matching the options, newest
// first.
func (s *Store) ListRestarts(opts RestartListOptions) ([]*RestartAttempt, error) {
	query := `SELECT session_id, attempted_at, attempt, reason, success, error, pid FROM restart_attempts WHERE 1=1`
	var args []interface{}

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if !opts.Since.IsZero() {
		query += " AND attempted_at >= ?"
		args = append(args, opts.Since)
	}
	query += " ORDER BY attempted_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*RestartAttempt
	for rows.Next() {
		att, err := scanRestart(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, att)
	}
	return attempts, rows.Err()
}

// CountEvents returns how many detection events a session has
func (s *Store) CountEvents(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM detection_events WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// Prune deletes rows older than the cutoff from both tables and
// returns how many were removed.
func (s *Store) Prune(olderThan time.Time) (events int64, restarts int64, err error) {
	res, err := s.db.Exec(`DELETE FROM detection_events WHERE detected_at < ?`, olderThan)
	if err != nil {
		return 0, 0, err
	}
	events, _ = res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM restart_attempts WHERE attempted_at < ?`, olderThan)
	if err != nil {
		return events, 0, err
	}
	restarts, _ = res.RowsAffected()
	return events, restarts, nil
}

func scanEvent(rows *sql.Rows) (*domain.DetectionEvent, error) {
	var ev domain.DetectionEvent
	var matchedText, beforeJSON, afterJSON sql.NullString
	var cooldownStart, cooldownEnd sql.NullTime

	err := rows.Scan(&ev.ID, &ev.SessionID, &ev.DetectedAt, &ev.Pattern, &matchedText, &ev.Confidence, &ev.LineNumber, &beforeJSON, &afterJSON, &cooldownStart, &cooldownEnd)
	if err != nil {
		return nil, err
	}

	if matchedText.Valid {
		ev.MatchedText = matchedText.String
	}
	if cooldownStart.Valid {
		ev.CooldownStart = cooldownStart.Time
	}
	if cooldownEnd.Valid {
		ev.CooldownEnd = cooldownEnd.Time
	}
	if beforeJSON.Valid && beforeJSON.String != "" && beforeJSON.String != "null" {
		if err := json.Unmarshal([]byte(beforeJSON.String), &ev.ContextBefore); err != nil {
			return nil, err
		}
	}
	if afterJSON.Valid && afterJSON.String != "" && afterJSON.String != "null" {
		if err := json.Unmarshal([]byte(afterJSON.String), &ev.ContextAfter); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}

func scanRestart(rows *sql.Rows) (*RestartAttempt, error) {
	var att RestartAttempt
	var errMsg sql.NullString
	var pid sql.NullInt64

	err := rows.Scan(&att.SessionID, &att.AttemptedAt, &att.Attempt, &att.Reason, &att.Success, &errMsg, &pid)
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		att.Error = errMsg.String
	}
	if pid.Valid {
		att.PID = int(pid.Int64)
	}
	return &att, nil
}
