// Package store persists tests, results, knowledge and cycle records in
// SQLite. Writes are last-write-wins; there are no cross-call transactions.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"forge/internal/types"
)

// Store is the SQLite-backed knowledge and test store.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *zap.Logger
}

// Open initializes the database at the given path, creating the schema on
// first use.
func Open(path string, log *zap.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		// synchronous=NORMAL is safe under WAL and much faster than FULL.
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, log: log.Named("store")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debug("store initialized", zap.String("path", path))
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		complexity TEXT,
		description TEXT,
		code TEXT NOT NULL,
		inputs TEXT,
		success_criteria TEXT,
		timeout_seconds REAL,
		is_fixed_version INTEGER DEFAULT 0,
		original_id INTEGER DEFAULT 0,
		is_fallback INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS test_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		output TEXT,
		failure_reason TEXT,
		traceback TEXT,
		details TEXT,
		execution_time_ms REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_results_test ON test_results(test_id);
	CREATE TABLE IF NOT EXISTS knowledge (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS fixed_tests (
		original_id INTEGER NOT NULL,
		fixed_id INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (original_id, fixed_id)
	);
	CREATE TABLE IF NOT EXISTS cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_number INTEGER NOT NULL,
		artifacts TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// SaveTest inserts the spec and returns its assigned id.
func (s *Store) SaveTest(spec *types.TestSpec) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputs, err := json.Marshal(spec.Inputs)
	if err != nil {
		return 0, fmt.Errorf("marshal inputs: %w", err)
	}
	criteria, err := json.Marshal(spec.SuccessCriteria)
	if err != nil {
		return 0, fmt.Errorf("marshal criteria: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO tests (name, type, complexity, description, code, inputs,
			success_criteria, timeout_seconds, is_fixed_version, original_id, is_fallback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.Name, string(spec.Type), spec.Complexity, spec.Description,
		spec.Code, string(inputs), string(criteria), spec.TimeoutSeconds,
		boolInt(spec.IsFixedVersion), spec.OriginalID, boolInt(spec.IsFallback))
	if err != nil {
		return 0, fmt.Errorf("save test: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save test id: %w", err)
	}
	spec.ID = id
	return id, nil
}

// SaveTestResult appends a result record for the given test id.
func (s *Store) SaveTestResult(testID int64, result *types.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	output, err := json.Marshal(result.Output)
	if err != nil {
		output = []byte(fmt.Sprintf("%q", fmt.Sprint(result.Output)))
	}
	details, err := json.Marshal(result.Details)
	if err != nil {
		details = []byte("{}")
	}

	_, err = s.db.Exec(`
		INSERT INTO test_results (test_id, passed, output, failure_reason, traceback, details, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		testID, boolInt(result.Passed), string(output), result.FailureReason,
		result.Trace, string(details), float64(result.ExecutionTime)/float64(time.Millisecond))
	if err != nil {
		return fmt.Errorf("save test result: %w", err)
	}
	return nil
}

// GetTestByID loads a stored spec.
func (s *Store) GetTestByID(id int64) (*types.TestSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, name, type, complexity, description, code, inputs,
			success_criteria, timeout_seconds, is_fixed_version, original_id, is_fallback, created_at
		FROM tests WHERE id = ?`, id)
	spec, err := scanSpec(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("test %d not found", id)
	}
	return spec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpec(row rowScanner) (*types.TestSpec, error) {
	var (
		spec             types.TestSpec
		typ              string
		inputs, criteria sql.NullString
		fixed, fallback  int
	)
	err := row.Scan(&spec.ID, &spec.Name, &typ, &spec.Complexity,
		&spec.Description, &spec.Code, &inputs, &criteria,
		&spec.TimeoutSeconds, &fixed, &spec.OriginalID, &fallback, &spec.CreatedAt)
	if err != nil {
		return nil, err
	}
	spec.Type = types.TestType(typ).Normalize()
	spec.IsFixedVersion = fixed != 0
	spec.IsFallback = fallback != 0
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &spec.Inputs); err != nil {
			return nil, fmt.Errorf("decode stored inputs: %w", err)
		}
	}
	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &spec.SuccessCriteria); err != nil {
			return nil, fmt.Errorf("decode stored criteria: %w", err)
		}
	}
	return &spec, nil
}

// SaveKnowledge upserts an arbitrary JSON-encodable value under key.
func (s *Store) SaveKnowledge(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal knowledge %q: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO knowledge (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(data))
	if err != nil {
		return fmt.Errorf("save knowledge %q: %w", key, err)
	}
	return nil
}

// GetKnowledge loads the value stored under key into out. The first return
// reports whether the key existed.
func (s *Store) GetKnowledge(key string, out any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(`SELECT value FROM knowledge WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get knowledge %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return true, fmt.Errorf("decode knowledge %q: %w", key, err)
	}
	return true, nil
}

// AllKnowledge returns every stored key with its raw JSON value.
func (s *Store) AllKnowledge() (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key, value FROM knowledge`)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	all := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan knowledge row: %w", err)
		}
		all[key] = json.RawMessage(value)
	}
	return all, rows.Err()
}

// RecordFixedTest links an original failing test to its verified fixed
// variant.
func (s *Store) RecordFixedTest(originalID, fixedID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO fixed_tests (original_id, fixed_id) VALUES (?, ?)`,
		originalID, fixedID)
	if err != nil {
		return fmt.Errorf("record fixed test %d->%d: %w", originalID, fixedID, err)
	}
	return nil
}

// RecentTests returns up to n most recently created specs, newest first.
func (s *Store) RecentTests(n int) ([]*types.TestSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, type, complexity, description, code, inputs,
			success_criteria, timeout_seconds, is_fixed_version, original_id, is_fallback, created_at
		FROM tests ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent tests: %w", err)
	}
	defer rows.Close()

	var specs []*types.TestSpec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test row: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// RecentResults returns up to n most recent results, newest first.
func (s *Store) RecentResults(n int) ([]*types.TestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT test_id, passed, output, failure_reason, traceback, details, execution_time_ms, created_at
		FROM test_results ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent results: %w", err)
	}
	defer rows.Close()

	var results []*types.TestResult
	for rows.Next() {
		var (
			r               types.TestResult
			passed          int
			output, details sql.NullString
			ms              float64
		)
		if err := rows.Scan(&r.TestID, &passed, &output, &r.FailureReason,
			&r.Trace, &details, &ms, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.Passed = passed != 0
		r.ExecutionTime = time.Duration(ms * float64(time.Millisecond))
		if output.Valid && output.String != "" {
			var v any
			if json.Unmarshal([]byte(output.String), &v) == nil {
				r.Output = v
			} else {
				r.Output = output.String
			}
		}
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &r.Details)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// SaveCycle records one orchestration cycle's artifacts.
func (s *Store) SaveCycle(number int, artifacts map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal cycle artifacts: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO cycles (cycle_number, artifacts) VALUES (?, ?)`,
		number, string(data))
	if err != nil {
		return fmt.Errorf("save cycle %d: %w", number, err)
	}
	return nil
}

// CycleCount returns the number of recorded cycles.
func (s *Store) CycleCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cycles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cycle count: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
