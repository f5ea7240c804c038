package traceparse

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/georgehodgkins/lktrace/internal/lkevent"
)

// PatternStore persists cross-thread patterns found across multiple
// analysis runs into a SQLite database, so recurring lock-dependency
// shapes can be tracked over time rather than only within one trace
// file.
type PatternStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenPatternStore opens or creates a pattern database at path.
func OpenPatternStore(path string) (*PatternStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("traceparse: opening pattern store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("traceparse: enabling WAL mode: %w", err)
	}
	if err := createPatternTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PatternStore{db: db}, nil
}

func createPatternTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS patterns (
			sig_key       TEXT PRIMARY KEY,
			signature     TEXT NOT NULL,
			occurrences   INTEGER NOT NULL,
			total_time_ns INTEGER NOT NULL,
			wait_time_ns  INTEGER NOT NULL,
			first_seen    TEXT NOT NULL,
			last_seen     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pattern_runs (
			sig_key     TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			thread_hook TEXT NOT NULL,
			occurrences INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (sig_key, run_id, thread_hook)
		);
		CREATE INDEX IF NOT EXISTS idx_pattern_runs_run ON pattern_runs(run_id);
	`)
	return err
}

// Record merges the patterns found in one analysis run (keyed by
// runID, typically an internal/runid identifier) into the cumulative
// store, attributing instance counts to the thread hook name that
// produced them.
func (s *PatternStore) Record(runID string, t *Trace, patterns map[string]*CrossPattern, recordedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("traceparse: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ts := recordedAt.UTC().Format(time.RFC3339Nano)

	for key, p := range patterns {
		sigStr := signatureString(p.Signature)

		var existing int64
		err := tx.QueryRow(`SELECT occurrences FROM patterns WHERE sig_key = ?`, key).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.Exec(`
				INSERT INTO patterns (sig_key, signature, occurrences, total_time_ns, wait_time_ns, first_seen, last_seen)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				key, sigStr, totalInstances(p), int64(p.TotalTime), int64(p.WaitTime), ts, ts)
		case err == nil:
			_, err = tx.Exec(`
				UPDATE patterns
				SET occurrences = occurrences + ?, total_time_ns = total_time_ns + ?, wait_time_ns = wait_time_ns + ?, last_seen = ?
				WHERE sig_key = ?`,
				totalInstances(p), int64(p.TotalTime), int64(p.WaitTime), ts, key)
		}
		if err != nil {
			return fmt.Errorf("traceparse: upserting pattern %s: %w", key, err)
		}

		for tid, count := range p.Instances {
			hook := t.Hooks[tid]
			if _, err := tx.Exec(`
				INSERT INTO pattern_runs (sig_key, run_id, thread_hook, occurrences, recorded_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (sig_key, run_id, thread_hook) DO UPDATE SET occurrences = occurrences + excluded.occurrences`,
				key, runID, hook, count, ts); err != nil {
				return fmt.Errorf("traceparse: recording pattern run %s/%s: %w", key, runID, err)
			}
		}
	}

	return tx.Commit()
}

// PatternSummary is one row of a PatternStore query result.
type PatternSummary struct {
	Signature   string
	Occurrences int64
	TotalTimeNs int64
	WaitTimeNs  int64
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Top returns the n most frequently observed patterns across all
// recorded runs, ordered by descending occurrence count.
func (s *PatternStore) Top(n int) ([]PatternSummary, error) {
	rows, err := s.db.Query(`
		SELECT signature, occurrences, total_time_ns, wait_time_ns, first_seen, last_seen
		FROM patterns ORDER BY occurrences DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("traceparse: querying top patterns: %w", err)
	}
	defer rows.Close()

	var out []PatternSummary
	for rows.Next() {
		var ps PatternSummary
		var first, last string
		if err := rows.Scan(&ps.Signature, &ps.Occurrences, &ps.TotalTimeNs, &ps.WaitTimeNs, &first, &last); err != nil {
			return nil, fmt.Errorf("traceparse: scanning pattern row: %w", err)
		}
		ps.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
		ps.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, ps)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *PatternStore) Close() error {
	return s.db.Close()
}

func totalInstances(p *CrossPattern) int64 {
	var total int64
	tids := make([]uint64, 0, len(p.Instances))
	for tid := range p.Instances {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	for _, tid := range tids {
		total += int64(p.Instances[tid])
	}
	return total
}

func signatureString(sig []lkevent.Kind) string {
	codes := make([]string, len(sig))
	for i, k := range sig {
		codes[i] = k.Code()
	}
	out := ""
	for i, c := range codes {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
