// Package archive persists task lifecycle events and match results to a
// local sqlite database for post-hoc inspection of a run.
package archive

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hypatia-ai/hypatia/internal/bus"
)

// Service writes the run archive. It is optional: a nil *Service is safe
// to call.
type Service struct {
	db *sql.DB
}

// New opens (or creates) the archive database at dbPath.
func New(dbPath string) (*Service, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Service{db: db}, nil
}

// NewWithDB wraps an already-open database. The caller owns the schema.
func NewWithDB(db *sql.DB) *Service {
	return &Service{db: db}
}

// Close releases the database handle.
func (s *Service) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordTaskEvent stores one task lifecycle transition. Safe to use as a
// bus subscriber.
func (s *Service) RecordTaskEvent(evt bus.TaskEvent) {
	if s == nil || s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO task_events (task_id, kind, state, agent_id, attempt, error_text, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.TaskID, evt.Kind, evt.State, evt.AgentID, evt.Attempt, evt.Error, evt.Timestamp,
	)
	if err != nil {
		// Archive writes are best-effort; losing one never blocks scheduling.
		return
	}
}

// RecordMatch stores one completed comparison with the post-update ratings.
func (s *Service) RecordMatch(idA, idB, outcome string, ratingA, ratingB float64) {
	if s == nil || s.db == nil {
		return
	}
	_, _ = s.db.Exec(
		`INSERT INTO matches (hypothesis_a, hypothesis_b, outcome, rating_a, rating_b) VALUES (?, ?, ?, ?, ?)`,
		idA, idB, outcome, ratingA, ratingB,
	)
}

// TaskEventCount returns the number of recorded events for a task.
func (s *Service) TaskEventCount(taskID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM task_events WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

// MatchCount returns the number of recorded matches involving the id, or
// all matches when id is empty.
func (s *Service) MatchCount(id string) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var n int
	var err error
	if id == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM matches`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM matches WHERE hypothesis_a = ? OR hypothesis_b = ?`, id, id).Scan(&n)
	}
	return n, err
}
