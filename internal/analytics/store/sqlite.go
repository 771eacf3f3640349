package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/logging"
	"github.com/slyt3/guardstats/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Save refuses aggregates Load could not read back. Every category and
// risk level comes from a record, so counter rows share the session bound.
const (
	maxSessionRows = 10_000_000
	maxCounterRows = maxSessionRows
)

// SQLiteStore keeps the aggregate in a SQLite database. Counters are
// replaced on every save; session records are appended.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// NewSQLiteStore opens or creates the database at dbPath and applies the
// schema. A file that is not a SQLite database is corrupt state.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := assert.Check(dbPath != "", "database path must not be empty"); err != nil {
		return nil, err
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, closeOnError(conn, dbPath, "enabling WAL mode", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		return nil, closeOnError(conn, dbPath, "executing schema", err)
	}

	return &SQLiteStore{conn: conn, path: dbPath}, nil
}

func closeOnError(conn *sql.DB, path, step string, err error) error {
	wrapped := classify(path, step, err)
	if closeErr := conn.Close(); closeErr != nil {
		return fmt.Errorf("%v; closing database: %w", wrapped, closeErr)
	}
	return wrapped
}

// classify maps sqlite "not a database" and "corrupt" failures onto
// ErrCorruptState.
func classify(path, step string, err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && (sqlErr.Code == sqlite3.ErrNotADB || sqlErr.Code == sqlite3.ErrCorrupt) {
		return fmt.Errorf("%w: %s: %s: %v", analytics.ErrCorruptState, path, step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// Load rebuilds the aggregate with session records in seq order. An empty
// database yields an empty aggregate.
func (s *SQLiteStore) Load() (agg analytics.Aggregate, err error) {
	agg = analytics.NewAggregate()

	row := s.conn.QueryRow(`
		SELECT total_queries, blocked_queries, true_positives, true_negatives,
		       false_positives, false_negatives
		FROM aggregate_counters WHERE id = 1`)
	err = row.Scan(&agg.TotalQueries, &agg.BlockedQueries, &agg.TruePositives,
		&agg.TrueNegatives, &agg.FalsePositives, &agg.FalseNegatives)
	if errors.Is(err, sql.ErrNoRows) {
		return analytics.NewAggregate(), nil
	}
	if err != nil {
		return analytics.Aggregate{}, classify(s.path, "reading counters", err)
	}

	if err := s.loadCounts(`SELECT category, count FROM category_counts`, agg.CategoriesBlocked); err != nil {
		return analytics.Aggregate{}, err
	}
	if err := s.loadCounts(`SELECT risk_level, count FROM risk_counts`, agg.RiskLevels); err != nil {
		return analytics.Aggregate{}, err
	}

	records, err := s.loadRecords()
	if err != nil {
		return analytics.Aggregate{}, err
	}
	agg.SessionData = records
	return agg, nil
}

func (s *SQLiteStore) loadCounts(query string, into map[string]int) (err error) {
	rows, err := s.conn.Query(query)
	if err != nil {
		return classify(s.path, "reading counts", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing count rows: %w", closeErr)
		}
	}()

	for i := 0; i < maxCounterRows; i++ {
		if !rows.Next() {
			return rows.Err()
		}
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scanning count row: %w", err)
		}
		into[key] = n
	}
	return fmt.Errorf("%w: more than %d counter rows", analytics.ErrCorruptState, maxCounterRows)
}

func (s *SQLiteStore) loadRecords() (records []models.OutcomeRecord, err error) {
	rows, err := s.conn.Query(`
		SELECT run_id, query, blocked, category, risk_level, timestamp,
		       outcome, action, expected_action
		FROM session_records ORDER BY seq ASC`)
	if err != nil {
		return nil, classify(s.path, "reading session records", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing session rows: %w", closeErr)
		}
	}()

	records = make([]models.OutcomeRecord, 0)
	for i := 0; i < maxSessionRows; i++ {
		if !rows.Next() {
			return records, rows.Err()
		}
		var (
			rec             models.OutcomeRecord
			ts              string
			outcome, action string
			expected        string
		)
		if err := rows.Scan(&rec.RunID, &rec.Query, &rec.Blocked, &rec.Category, &rec.RiskLevel,
			&ts, &outcome, &action, &expected); err != nil {
			return nil, fmt.Errorf("scanning session row %d: %w", i, err)
		}
		parsed, err := models.ParseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: session row %d: %v", analytics.ErrCorruptState, i, err)
		}
		rec.Timestamp = parsed
		rec.Outcome = models.Outcome(outcome)
		rec.Action = models.Action(action)
		rec.ExpectedAction = models.Action(expected)
		records = append(records, rec)
	}
	return nil, fmt.Errorf("%w: more than %d session rows", analytics.ErrCorruptState, maxSessionRows)
}

// Save writes the aggregate in one transaction. Records already stored are
// kept; only the tail of agg.SessionData is inserted. If the database holds
// more records than agg, the log is rewritten from scratch.
func (s *SQLiteStore) Save(agg analytics.Aggregate) (err error) {
	if err := assert.Check(len(agg.SessionData) <= maxSessionRows,
		"session log has %d records, limit %d", len(agg.SessionData), maxSessionRows); err != nil {
		return err
	}
	if err := assert.Check(len(agg.CategoriesBlocked) <= maxCounterRows && len(agg.RiskLevels) <= maxCounterRows,
		"counter maps exceed %d rows", maxCounterRows); err != nil {
		return err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("%v; rollback: %w", err, rbErr)
			}
		}
	}()

	var stored int
	if err = tx.QueryRow(`SELECT COUNT(*) FROM session_records`).Scan(&stored); err != nil {
		return fmt.Errorf("counting session records: %w", err)
	}
	if stored > len(agg.SessionData) {
		logging.Warn("sqlite_log_rewritten", logging.Fields{Component: "store", Path: s.path, Count: stored})
		if _, err = tx.Exec(`DELETE FROM session_records`); err != nil {
			return fmt.Errorf("clearing session records: %w", err)
		}
		stored = 0
	}

	if stored < len(agg.SessionData) {
		stmt, prepErr := tx.Prepare(`
			INSERT INTO session_records (
				seq, run_id, query, blocked, category, risk_level, timestamp,
				outcome, action, expected_action
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if prepErr != nil {
			err = prepErr
			return fmt.Errorf("preparing insert: %w", err)
		}
		for i := stored; i < len(agg.SessionData); i++ {
			rec := &agg.SessionData[i]
			if _, err = stmt.Exec(i, rec.RunID, rec.Query, rec.Blocked, rec.Category, rec.RiskLevel,
				rec.Timestamp.String(), string(rec.Outcome), string(rec.Action), string(rec.ExpectedAction)); err != nil {
				_ = stmt.Close()
				return fmt.Errorf("inserting session record %d: %w", i, err)
			}
		}
		if err = stmt.Close(); err != nil {
			return fmt.Errorf("closing insert statement: %w", err)
		}
	}

	if _, err = tx.Exec(`
		INSERT OR REPLACE INTO aggregate_counters (
			id, total_queries, blocked_queries, true_positives, true_negatives,
			false_positives, false_negatives, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		agg.TotalQueries, agg.BlockedQueries, agg.TruePositives, agg.TrueNegatives,
		agg.FalsePositives, agg.FalseNegatives, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("writing counters: %w", err)
	}

	if err = replaceCounts(tx, "category_counts", "category", agg.CategoriesBlocked); err != nil {
		return err
	}
	if err = replaceCounts(tx, "risk_counts", "risk_level", agg.RiskLevels); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing aggregate: %w", err)
	}
	return nil
}

// replaceCounts rewrites a key/count table. table and column are constants
// from this package, never user input.
func replaceCounts(tx *sql.Tx, table, column string, counts map[string]int) error {
	if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s, count) VALUES (?, ?)`, table, column)
	for key, n := range counts {
		if _, err := tx.Exec(insert, key, n); err != nil {
			return fmt.Errorf("inserting into %s: %w", table, err)
		}
	}
	return nil
}

// LastModified is the updated_at of the last save, zero before the first.
func (s *SQLiteStore) LastModified() (time.Time, error) {
	var raw string
	err := s.conn.QueryRow(`SELECT updated_at FROM aggregate_counters WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading updated_at: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing updated_at %q: %w", raw, err)
	}
	return t, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
