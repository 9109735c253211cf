// Package store provides vigil's durable state: the key/value memory store
// with its append-only note log (SQLite), and the versioned shared-state
// document used for daemon status.
//
// Writes are serialized through a single writer lock even under concurrent
// callers. Reads may run concurrently and see either the pre- or post-write
// state of a key (read-committed, not snapshot-isolated).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// Ranker scores memory records against a scan query. Semantic matching is
// delegated to an external embedding provider; the store itself only
// guarantees exact-key retrieval.
type Ranker interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryRecord is one key/value fact. Last writer wins on a given key.
type MemoryRecord struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// NoteEntry is one append-only note. Notes are never edited or deleted by
// the daemon, only read.
type NoteEntry struct {
	ID        int64
	Title     string
	Body      string
	CreatedAt time.Time
}

// ScanResult is a ranked record.
type ScanResult struct {
	Record MemoryRecord
	Score  float64
}

// MemoryStore is the SQLite-backed durable memory.
type MemoryStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	ranker Ranker
}

// NewMemoryStore initializes the SQLite database at the given path. This is
// the one failure that is fatal at daemon startup.
func NewMemoryStore(path string) (*MemoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewMemoryStore")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &MemoryStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("memory store ready at %s", path)
	return s, nil
}

// SetRanker installs the semantic ranker used by Scan. Optional; without it
// Scan falls back to substring matching ordered by recency.
func (s *MemoryStore) SetRanker(r Ranker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranker = r
}

// initialize creates the required tables.
func (s *MemoryStore) initialize() error {
	recordsTable := `
	CREATE TABLE IF NOT EXISTS memory_records (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		embedding TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	notesTable := `
	CREATE TABLE IF NOT EXISTS notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at);
	`

	for _, table := range []string{recordsTable, notesTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *MemoryStore) Close() error {
	logging.Store("closing memory store")
	return s.db.Close()
}

// Store upserts a key/value record, durable before return.
func (s *MemoryStore) Store(ctx context.Context, key, value string) error {
	timer := logging.StartTimer(logging.CategoryStore, "Store")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Embedding is best effort: a ranker outage never blocks the write.
	var embJSON sql.NullString
	if s.ranker != nil {
		if vec, err := s.ranker.Embed(ctx, value); err == nil {
			if data, err := json.Marshal(vec); err == nil {
				embJSON = sql.NullString{String: string(data), Valid: true}
			}
		} else {
			logging.StoreDebug("embed skipped for key %s: %v", key, err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_records (key, value, embedding, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 embedding = excluded.embedding,
		 updated_at = CURRENT_TIMESTAMP`,
		key, value, embJSON,
	)
	if err != nil {
		return &types.PersistenceError{Op: "store " + key, Err: err}
	}
	logging.StoreDebug("stored key %s", key)
	return nil
}

// Fetch returns the value for key, or types.ErrNotFound.
func (s *MemoryStore) Fetch(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM memory_records WHERE key = ?", key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", &types.PersistenceError{Op: "fetch " + key, Err: err}
	}
	return value, nil
}

// FetchRecord returns the full record for key, or types.ErrNotFound.
func (s *MemoryStore) FetchRecord(ctx context.Context, key string) (MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec MemoryRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT key, value, updated_at FROM memory_records WHERE key = ?", key,
	).Scan(&rec.Key, &rec.Value, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryRecord{}, types.ErrNotFound
	}
	if err != nil {
		return MemoryRecord{}, &types.PersistenceError{Op: "fetch " + key, Err: err}
	}
	return rec, nil
}

// Scan returns records ranked against query. With a ranker installed the
// ranking is cosine similarity over stored embeddings; otherwise substring
// matches ordered by recency. limit <= 0 means no limit.
func (s *MemoryStore) Scan(ctx context.Context, query string, limit int) ([]ScanResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Scan")
	defer timer.Stop()

	s.mu.RLock()
	ranker := s.ranker
	s.mu.RUnlock()

	if ranker != nil {
		if results, err := s.semanticScan(ctx, ranker, query, limit); err == nil {
			return results, nil
		} else {
			logging.Get(logging.CategoryStore).Warn("semantic scan failed, falling back: %v", err)
		}
	}
	return s.substringScan(ctx, query, limit)
}

func (s *MemoryStore) semanticScan(ctx context.Context, ranker Ranker, query string, limit int) ([]ScanResult, error) {
	queryVec, err := ranker.Embed(ctx, query)
	if err != nil {
		return nil, &types.TransientProviderError{Kind: "embedding", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, embedding, updated_at FROM memory_records WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, &types.PersistenceError{Op: "scan", Err: err}
	}
	defer rows.Close()

	var results []ScanResult
	for rows.Next() {
		var rec MemoryRecord
		var embJSON string
		if err := rows.Scan(&rec.Key, &rec.Value, &embJSON, &rec.UpdatedAt); err != nil {
			return nil, &types.PersistenceError{Op: "scan", Err: err}
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		results = append(results, ScanResult{
			Record: rec,
			Score:  cosineSimilarity(queryVec, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &types.PersistenceError{Op: "scan", Err: err}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MemoryStore) substringScan(ctx context.Context, query string, limit int) ([]ScanResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pattern := "%" + strings.ToLower(query) + "%"
	q := `SELECT key, value, updated_at FROM memory_records
	      WHERE lower(key) LIKE ? OR lower(value) LIKE ?
	      ORDER BY updated_at DESC`
	args := []interface{}{pattern, pattern}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &types.PersistenceError{Op: "scan", Err: err}
	}
	defer rows.Close()

	var results []ScanResult
	for rows.Next() {
		var rec MemoryRecord
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.UpdatedAt); err != nil {
			return nil, &types.PersistenceError{Op: "scan", Err: err}
		}
		results = append(results, ScanResult{Record: rec})
	}
	return results, rows.Err()
}

// AppendNote appends a write-once note to the log.
func (s *MemoryStore) AppendNote(ctx context.Context, title, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO notes (title, body) VALUES (?, ?)", title, body)
	if err != nil {
		return &types.PersistenceError{Op: "append note", Err: err}
	}
	logging.StoreDebug("appended note %q", title)
	return nil
}

// RecentNotes returns the newest notes, most recent first.
func (s *MemoryStore) RecentNotes(ctx context.Context, limit int) ([]NoteEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, body, created_at FROM notes ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, &types.PersistenceError{Op: "recent notes", Err: err}
	}
	defer rows.Close()

	var notes []NoteEntry
	for rows.Next() {
		var n NoteEntry
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return nil, &types.PersistenceError{Op: "recent notes", Err: err}
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Stats returns row counts per table for status reporting.
func (s *MemoryStore) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"memory_records", "notes"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
