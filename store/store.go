// Package store keeps the history of tuning sessions in SQLite so runs can be
// listed, inspected and plotted after the fact.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/thalesfsp/greenguard"
	"github.com/thalesfsp/greenguard/blocks"
)

//////
// Const, vars, types.
//////

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	template    TEXT NOT NULL,
	metric      TEXT NOT NULL,
	cost        INTEGER NOT NULL,
	best_score  TEXT NOT NULL,
	iterations  INTEGER NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trials (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	template         TEXT NOT NULL,
	best_template    TEXT NOT NULL,
	iteration        INTEGER NOT NULL,
	phase            TEXT NOT NULL,
	hyperparameters  TEXT NOT NULL,
	score            TEXT NOT NULL,
	best_score       TEXT NOT NULL,
	improved         INTEGER NOT NULL,
	failed           INTEGER NOT NULL,
	duration_ns      INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS trials_by_session ON trials(session_id, iteration);
`

// Fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Session summarises one tuning session. Template is the template holding
// the best score.
type Session struct {
	ID         string
	Template   string
	Metric     string
	Cost       bool
	BestScore  float64
	Iterations int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store records trials in a SQLite database.
type Store struct {
	db *sql.DB
}

// Compile-time check.
var _ greenguard.TrialRecorder = (*Store)(nil)

//////
// Methods.
//////

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTrial stores a trial and upserts its session summary in a single
// transaction.
func (s *Store) RecordTrial(ctx context.Context, t greenguard.Trial) error {
	params, err := json.Marshal(t.Hyperparameters)
	if err != nil {
		return fmt.Errorf("marshal hyperparameters: %w", err)
	}

	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	stamp := created.UTC().Format(timeLayout)

	best := t.BestTemplate
	if best == "" {
		best = t.Template
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, template, metric, cost, best_score, iterations, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			template = excluded.template,
			best_score = excluded.best_score,
			iterations = MAX(sessions.iterations, excluded.iterations),
			updated_at = excluded.updated_at`,
		t.SessionID, best, t.Metric, t.Cost, formatScore(t.BestScore), t.Iteration, stamp, stamp,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trials (id, session_id, template, best_template, iteration, phase, hyperparameters, score, best_score, improved, failed, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), t.SessionID, t.Template, best, t.Iteration, t.Phase, string(params),
		formatScore(t.Score), formatScore(t.BestScore), t.Improved, t.Failed,
		t.Duration.Nanoseconds(), stamp,
	)
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// ListSessions returns every recorded session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, template, metric, cost, best_score, iterations, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session

	for rows.Next() {
		var (
			sess             Session
			best             string
			created, updated string
		)

		if err := rows.Scan(
			&sess.ID, &sess.Template, &sess.Metric, &sess.Cost,
			&best, &sess.Iterations, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		if sess.BestScore, err = parseScore(best); err != nil {
			return nil, err
		}

		sess.CreatedAt, _ = time.Parse(timeLayout, created)
		sess.UpdatedAt, _ = time.Parse(timeLayout, updated)

		out = append(out, sess)
	}

	return out, rows.Err()
}

// GetSession returns one session summary. Unknown ids return sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var (
		sess             Session
		best             string
		created, updated string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, template, metric, cost, best_score, iterations, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(
		&sess.ID, &sess.Template, &sess.Metric, &sess.Cost,
		&best, &sess.Iterations, &created, &updated,
	)
	if err != nil {
		return Session{}, fmt.Errorf("session %q: %w", id, err)
	}

	if sess.BestScore, err = parseScore(best); err != nil {
		return Session{}, err
	}

	sess.CreatedAt, _ = time.Parse(timeLayout, created)
	sess.UpdatedAt, _ = time.Parse(timeLayout, updated)

	return sess, nil
}

// ListTrials returns the trials of a session in the order they were
// recorded.
func (s *Store) ListTrials(ctx context.Context, sessionID string) ([]greenguard.Trial, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.template, t.best_template, t.iteration, t.phase, t.hyperparameters,
			t.score, t.best_score, t.improved, t.failed, t.duration_ns, t.created_at,
			s.metric, s.cost
		 FROM trials t JOIN sessions s ON s.id = t.session_id
		 WHERE t.session_id = ?
		 ORDER BY t.iteration, t.created_at`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var out []greenguard.Trial

	for rows.Next() {
		var (
			t                 = greenguard.Trial{SessionID: sessionID}
			params            string
			score, best, when string
			duration          int64
		)

		if err := rows.Scan(
			&t.Template, &t.BestTemplate, &t.Iteration, &t.Phase, &params,
			&score, &best, &t.Improved, &t.Failed, &duration, &when,
			&t.Metric, &t.Cost,
		); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}

		if err := json.Unmarshal([]byte(params), &t.Hyperparameters); err != nil {
			return nil, fmt.Errorf("decode hyperparameters: %w", err)
		}

		if t.Hyperparameters == nil {
			t.Hyperparameters = blocks.Assignment{}
		}

		if t.Score, err = parseScore(score); err != nil {
			return nil, err
		}

		if t.BestScore, err = parseScore(best); err != nil {
			return nil, err
		}

		t.Duration = time.Duration(duration)
		t.CreatedAt, _ = time.Parse(timeLayout, when)

		out = append(out, t)
	}

	return out, rows.Err()
}

//////
// Factory.
//////

// NewStore opens (or creates) a SQLite database and runs migrations.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()

			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

//////
// Helper functions.
//////

// Scores are kept as text so NaN and the infinities of failed trials survive.
func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func parseScore(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", s, err)
	}

	return f, nil
}
