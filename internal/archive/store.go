package archive

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		outcome TEXT NOT NULL,
		report TEXT NOT NULL DEFAULT '',
		sources TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		startedAt REAL NOT NULL,
		finishedAt REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS turns_finished ON turns(finishedAt);
`

// Store is a handle on the archive database.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the conventional archive location under the user's
// config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "deepfanar", "turns.sqlite")
}

// Open opens or creates the archive at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTurn inserts t, assigning an id when it has none, and returns the id.
func (s *Store) SaveTurn(t Turn) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	switch t.Outcome {
	case OutcomeCompleted, OutcomeFailed:
	default:
		return "", fmt.Errorf("save turn: unknown outcome %q", t.Outcome)
	}

	sources := t.Sources
	if sources == nil {
		sources = []string{}
	}
	encoded, err := json.Marshal(sources)
	if err != nil {
		return "", fmt.Errorf("encode sources: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO turns (id, query, outcome, report, sources, error, startedAt, finishedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Query, string(t.Outcome), t.Report, string(encoded), t.Error,
		unixFromTime(t.StartedAt), unixFromTime(t.FinishedAt))
	if err != nil {
		return "", fmt.Errorf("insert turn: %w", err)
	}
	return t.ID, nil
}

// RecentTurns returns up to limit turns, newest first.
func (s *Store) RecentTurns(limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, query, outcome, report, sources, error, startedAt, finishedAt
		FROM turns
		ORDER BY finishedAt DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Turn returns the turn with id, or nil if there is none.
func (s *Store) Turn(id string) (*Turn, error) {
	row := s.db.QueryRow(`
		SELECT id, query, outcome, report, sources, error, startedAt, finishedAt
		FROM turns
		WHERE id = ?
	`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(sc scanner) (Turn, error) {
	var t Turn
	var outcome, sources string
	var startedAt, finishedAt float64
	if err := sc.Scan(&t.ID, &t.Query, &outcome, &t.Report, &sources, &t.Error,
		&startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Turn{}, err
		}
		return Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	t.Outcome = Outcome(outcome)
	if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
		return Turn{}, fmt.Errorf("decode sources for %s: %w", t.ID, err)
	}
	t.StartedAt = timeFromUnix(startedAt)
	t.FinishedAt = timeFromUnix(finishedAt)
	return t, nil
}

func unixFromTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
