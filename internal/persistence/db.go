// Package persistence stores solved curves, the edit log and the last
// committed parameters in SQLite.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/session"
	"github.com/talgya/shellcloud/internal/solver"
)

const metaLastParams = "last_params"

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	// Older databases keyed solutions without the grid size. The table is
	// only a cache, so rebuild it.
	var pk []int
	if err := db.conn.Select(&pk, "SELECT pk FROM pragma_table_info('solutions') WHERE name = 'points'"); err != nil {
		return fmt.Errorf("inspect solutions: %w", err)
	}
	if len(pk) == 1 && pk[0] == 0 {
		if _, err := db.conn.Exec("DROP TABLE solutions"); err != nil {
			return fmt.Errorf("drop old solutions: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS solutions (
		solver TEXT NOT NULL,
		zeta REAL NOT NULL,
		n INTEGER NOT NULL,
		l INTEGER NOT NULL,
		eigenvalue REAL NOT NULL,
		points INTEGER NOT NULL,
		radii_json TEXT NOT NULL,
		values_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (solver, points, zeta, n, l)
	);

	CREATE TABLE IF NOT EXISTS edits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		field TEXT NOT NULL,
		value REAL NOT NULL,
		accepted INTEGER NOT NULL,
		zeta REAL NOT NULL,
		n INTEGER NOT NULL,
		l INTEGER NOT NULL,
		reason TEXT NOT NULL,
		duration_us INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_solutions_created ON solutions(created_at);
	CREATE INDEX IF NOT EXISTS idx_edits_session ON edits(session_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

type solutionRow struct {
	Eigenvalue float64 `db:"eigenvalue"`
	Points     int     `db:"points"`
	RadiiJSON  string  `db:"radii_json"`
	ValuesJSON string  `db:"values_json"`
}

// LoadSolution returns a cached solution. A missing row is not an error.
// A key with zero Points matches the newest row of any grid size.
func (db *DB) LoadSolution(k solver.Key) (solver.Solution, bool, error) {
	var row solutionRow
	err := db.conn.Get(&row,
		`SELECT eigenvalue, points, radii_json, values_json FROM solutions
		 WHERE solver = ? AND zeta = ? AND n = ? AND l = ? AND (? = 0 OR points = ?)
		 ORDER BY created_at DESC LIMIT 1`,
		k.Solver, k.Zeta, k.N, k.L, k.Points, k.Points,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return solver.Solution{}, false, nil
	}
	if err != nil {
		return solver.Solution{}, false, err
	}

	sol := solver.Solution{Eigenvalue: row.Eigenvalue}
	if err := json.Unmarshal([]byte(row.RadiiJSON), &sol.Radii); err != nil {
		return solver.Solution{}, false, fmt.Errorf("decode radii: %w", err)
	}
	if err := json.Unmarshal([]byte(row.ValuesJSON), &sol.Values); err != nil {
		return solver.Solution{}, false, fmt.Errorf("decode values: %w", err)
	}
	if sol.Len() != row.Points {
		return solver.Solution{}, false, fmt.Errorf("cached solution %v has %d points, row says %d", k, sol.Len(), row.Points)
	}
	return sol, true, nil
}

// StoreSolution writes or replaces a cached solution.
func (db *DB) StoreSolution(k solver.Key, s solver.Solution) error {
	radiiJSON, err := json.Marshal(s.Radii)
	if err != nil {
		return fmt.Errorf("encode radii: %w", err)
	}
	valuesJSON, err := json.Marshal(s.Values)
	if err != nil {
		return fmt.Errorf("encode values: %w", err)
	}

	_, err = db.conn.Exec(`INSERT OR REPLACE INTO solutions
		(solver, zeta, n, l, eigenvalue, points, radii_json, values_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Solver, k.Zeta, k.N, k.L, s.Eigenvalue, s.Len(),
		string(radiiJSON), string(valuesJSON), time.Now().UnixMilli(),
	)
	return err
}

// PruneSolutions keeps the newest keep cached solutions and returns how
// many rows were removed.
func (db *DB) PruneSolutions(keep int) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM solutions WHERE rowid NOT IN
		(SELECT rowid FROM solutions ORDER BY created_at DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountSolutions returns the number of cached solutions.
func (db *DB) CountSolutions() (int, error) {
	var n int
	err := db.conn.Get(&n, "SELECT COUNT(*) FROM solutions")
	return n, err
}

// Edit is one logged parameter change.
type Edit struct {
	ID         int64   `db:"id" json:"id"`
	SessionID  string  `db:"session_id" json:"session_id"`
	Field      string  `db:"field" json:"field"`
	Value      float64 `db:"value" json:"value"`
	Accepted   bool    `db:"accepted" json:"accepted"`
	Zeta       float64 `db:"zeta" json:"zeta"`
	N          int     `db:"n" json:"n"`
	L          int     `db:"l" json:"l"`
	Reason     string  `db:"reason" json:"reason,omitempty"`
	DurationUS int64   `db:"duration_us" json:"duration_us"`
	CreatedAt  int64   `db:"created_at" json:"created_at"`
}

// Time returns CreatedAt as a time.
func (e Edit) Time() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// RecordEdit appends the outcome of one edit. Accepted edits log the new
// parameters, rejected ones the parameters that were proposed.
func (db *DB) RecordEdit(sessionID string, r session.Result) error {
	field := string(r.Field)
	if field == "" {
		field = "all"
	}
	_, err := db.conn.Exec(`INSERT INTO edits
		(session_id, field, value, accepted, zeta, n, l, reason, duration_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, field, r.Value, r.Accepted,
		r.Params.Zeta, r.Params.N, r.Params.L,
		r.Reason, r.Duration.Microseconds(), time.Now().UnixMilli(),
	)
	return err
}

// RecentEdits returns the most recent edits, newest first.
func (db *DB) RecentEdits(limit int) ([]Edit, error) {
	var edits []Edit
	err := db.conn.Select(&edits,
		`SELECT id, session_id, field, value, accepted, zeta, n, l, reason, duration_us, created_at
		 FROM edits ORDER BY id DESC LIMIT ?`,
		limit,
	)
	return edits, err
}

// SaveMeta stores a key-value pair in session metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO session_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM session_meta WHERE key = ?", key)
	return value, err
}

// SaveParams records the last committed parameters.
func (db *DB) SaveParams(p params.Params) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := db.SaveMeta(metaLastParams, string(b)); err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	return nil
}

// LoadParams returns the last committed parameters, if any were saved.
func (db *DB) LoadParams() (params.Params, bool, error) {
	raw, err := db.GetMeta(metaLastParams)
	if errors.Is(err, sql.ErrNoRows) {
		return params.Params{}, false, nil
	}
	if err != nil {
		return params.Params{}, false, err
	}
	var p params.Params
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		slog.Warn("ignoring unreadable saved params", "value", raw, "error", err)
		return params.Params{}, false, nil
	}
	return p, true, nil
}
