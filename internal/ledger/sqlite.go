package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable ledger backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the ledger database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// init creates the database schema.
func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload BLOB,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		run_id TEXT PRIMARY KEY,
		state_value TEXT NOT NULL,
		context BLOB,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CreateRun registers a run id. Re-creating an existing run is a no-op.
func (s *SQLiteStore) CreateRun(runID string) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// AppendEvent inserts an event and returns its monotonic id.
func (s *SQLiteStore) AppendEvent(runID, typ string, payload []byte, ts time.Time) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO events (run_id, type, payload, timestamp) VALUES (?, ?, ?, ?)
	`, runID, typ, payload, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	return seq, nil
}

// RecentEvents returns the newest events in the order they were appended
// (ascending), regardless of the retrieval ordering used internally.
func (s *SQLiteStore) RecentEvents(runID string, limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, type, payload, timestamp
		FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{RunID: runID}
		var payload sql.NullString
		if err := rows.Scan(&rec.Seq, &rec.Type, &payload, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// DESC retrieval, ascending contract.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// SaveSnapshot replaces the latest snapshot for a run.
func (s *SQLiteStore) SaveSnapshot(runID, stateValue string, context []byte, ts time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (run_id, state_value, context, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state_value = excluded.state_value,
			context = excluded.context,
			timestamp = excluded.timestamp
	`, runID, stateValue, context, ts)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or ErrRunNotFound.
func (s *SQLiteStore) LatestSnapshot(runID string) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT state_value, context, timestamp FROM snapshots WHERE run_id = ?
	`, runID)

	snap := Snapshot{RunID: runID}
	var context sql.NullString
	err := row.Scan(&snap.StateValue, &context, &snap.Timestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if context.Valid {
		snap.Context = []byte(context.String)
	}
	return &snap, nil
}
