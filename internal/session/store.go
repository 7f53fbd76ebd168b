package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manash/archrefine/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    original_prompt TEXT NOT NULL,
    current_prompt TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    auto_refine INTEGER NOT NULL DEFAULT 0,
    target_score INTEGER NOT NULL,
    max_iterations INTEGER NOT NULL,
    persona TEXT,
    settings_json TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    accepted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS iterations (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    iteration_number INTEGER NOT NULL,
    prompt_used TEXT NOT NULL,
    image_refs_json TEXT NOT NULL,
    scores_json TEXT,
    overall_score INTEGER,
    strengths_json TEXT NOT NULL,
    issues_json TEXT NOT NULL,
    improvements_json TEXT NOT NULL,
    evaluation_error TEXT,
    user_feedback TEXT,
    user_score INTEGER,
    refinement_reasoning TEXT,
    settings_json TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (session_id, iteration_number),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_iterations_session_id ON iterations(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// StoredSession is a persisted session row. Iterations are loaded
// separately with ListIterations.
type StoredSession struct {
	Session
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	Accepted bool       `json:"accepted"`
}

// Store records sessions and their iterations in sqlite.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// writes arrive from many session goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func DefaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".archrefine", "runs.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts or updates the session row. Iterations are not
// touched.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	settings, err := json.Marshal(sess.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, original_prompt, current_prompt, status, error, auto_refine,
		     target_score, max_iterations, persona, settings_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     current_prompt = excluded.current_prompt,
		     status = excluded.status,
		     error = excluded.error,
		     auto_refine = excluded.auto_refine,
		     target_score = excluded.target_score,
		     max_iterations = excluded.max_iterations,
		     settings_json = excluded.settings_json,
		     updated_at = excluded.updated_at`,
		sess.ID, sess.OriginalPrompt, sess.CurrentPrompt, string(sess.Status), nullString(sess.Error),
		sess.AutoRefine, sess.TargetScore, sess.MaxIterations, nullString(string(sess.Persona)),
		string(settings), sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *Store) MarkClosed(ctx context.Context, id string, accepted bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ?, accepted = ?, updated_at = ? WHERE id = ?`,
		at, accepted, at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// SaveIteration inserts the iteration or, when it was annotated by a later
// refine, updates it in place.
func (s *Store) SaveIteration(ctx context.Context, sessionID string, it *models.Iteration) error {
	refs, err := json.Marshal(it.ImageRefs)
	if err != nil {
		return fmt.Errorf("failed to encode image refs: %w", err)
	}
	var scores sql.NullString
	if it.Scores != nil {
		b, err := json.Marshal(it.Scores)
		if err != nil {
			return fmt.Errorf("failed to encode scores: %w", err)
		}
		scores = nullString(string(b))
	}
	strengths, err := encodeList(it.Strengths)
	if err != nil {
		return err
	}
	issues, err := encodeList(it.Issues)
	if err != nil {
		return err
	}
	improvements, err := encodeList(it.Improvements)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(it.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO iterations (id, session_id, iteration_number, prompt_used, image_refs_json,
		     scores_json, overall_score, strengths_json, issues_json, improvements_json,
		     evaluation_error, user_feedback, user_score, refinement_reasoning, settings_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     user_feedback = excluded.user_feedback,
		     user_score = excluded.user_score`,
		it.ID, sessionID, it.Number, it.PromptUsed, string(refs),
		scores, nullInt(it.OverallScore), strengths, issues, improvements,
		nullString(it.EvaluationError), nullStringPtr(it.UserFeedback), nullInt(it.UserScore),
		nullString(it.RefinementReasoning), string(settings), it.CreatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*StoredSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return sess, err
}

// ListSessions returns persisted sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*StoredSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*StoredSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) ListIterations(ctx context.Context, sessionID string) ([]*models.Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, iteration_number, prompt_used, image_refs_json, scores_json, overall_score,
		     strengths_json, issues_json, improvements_json, evaluation_error, user_feedback,
		     user_score, refinement_reasoning, settings_json, created_at
		 FROM iterations WHERE session_id = ? ORDER BY iteration_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	iterations := []*models.Iteration{}
	for rows.Next() {
		it := &models.Iteration{}
		var (
			refs, strengths, issues, improvements, settings string
			scores, evalErr, feedback, reasoning            sql.NullString
			overall, userScore                              sql.NullInt64
		)
		if err := rows.Scan(&it.ID, &it.Number, &it.PromptUsed, &refs, &scores, &overall,
			&strengths, &issues, &improvements, &evalErr, &feedback,
			&userScore, &reasoning, &settings, &it.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeIteration(it, refs, scores, strengths, issues, improvements, settings); err != nil {
			return nil, fmt.Errorf("iteration %s: %w", it.ID, err)
		}
		it.OverallScore = intPtr(overall)
		it.UserScore = intPtr(userScore)
		it.EvaluationError = evalErr.String
		it.RefinementReasoning = reasoning.String
		if feedback.Valid {
			v := feedback.String
			it.UserFeedback = &v
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}

const sessionColumns = `id, original_prompt, current_prompt, status, error, auto_refine,
    target_score, max_iterations, persona, settings_json, created_at, updated_at, closed_at, accepted,
    (SELECT COUNT(*) FROM iterations i WHERE i.session_id = sessions.id)`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*StoredSession, error) {
	sess := &StoredSession{}
	var (
		status, settings string
		errMsg, persona  sql.NullString
		closedAt         sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.OriginalPrompt, &sess.CurrentPrompt, &status, &errMsg,
		&sess.AutoRefine, &sess.TargetScore, &sess.MaxIterations, &persona, &settings,
		&sess.CreatedAt, &sess.UpdatedAt, &closedAt, &sess.Accepted, &sess.IterationCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &sess.Settings); err != nil {
		return nil, fmt.Errorf("session %s: failed to decode settings: %w", sess.ID, err)
	}
	sess.Status = Status(status)
	sess.Error = errMsg.String
	sess.Persona = models.Persona(persona.String)
	sess.Iterations = []*models.Iteration{}
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	return sess, nil
}

func decodeIteration(it *models.Iteration, refs string, scores sql.NullString, strengths, issues, improvements, settings string) error {
	if err := json.Unmarshal([]byte(refs), &it.ImageRefs); err != nil {
		return fmt.Errorf("failed to decode image refs: %w", err)
	}
	if scores.Valid {
		it.Scores = &models.EvaluationScores{}
		if err := json.Unmarshal([]byte(scores.String), it.Scores); err != nil {
			return fmt.Errorf("failed to decode scores: %w", err)
		}
	}
	for _, l := range []struct {
		raw string
		dst *[]string
	}{{strengths, &it.Strengths}, {issues, &it.Issues}, {improvements, &it.Improvements}} {
		if err := json.Unmarshal([]byte(l.raw), l.dst); err != nil {
			return fmt.Errorf("failed to decode feedback list: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(settings), &it.Settings); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return nil
}

func encodeList(l []string) (string, error) {
	if l == nil {
		l = []string{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
