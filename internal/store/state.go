package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vigil/internal/types"
)

// SharedState is a versioned shared-state document with compare-and-swap
// updates. Cooperating daemon instances (and the status CLI) read and write
// the same file; the version check keeps concurrent writers from silently
// clobbering each other's fields.
type SharedState struct {
	path string
}

// StateDocument is the persisted form.
type StateDocument struct {
	Version   int64             `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Fields    map[string]string `json:"fields"`
}

const (
	casRetries  = 8
	casBackoff  = 25 * time.Millisecond
	lockTimeout = 2 * time.Second
)

// NewSharedState opens (or creates the parent directory for) the state
// document at path. The file itself is created lazily on first update.
func NewSharedState(path string) (*SharedState, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &SharedState{path: path}, nil
}

// Read returns the current document. A missing file reads as version zero
// with no fields.
func (s *SharedState) Read() (StateDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StateDocument{Fields: map[string]string{}}, nil
		}
		return StateDocument{}, &types.PersistenceError{Op: "read state", Err: err}
	}

	var doc StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return StateDocument{}, &types.PersistenceError{Op: "parse state", Err: err}
	}
	if doc.Fields == nil {
		doc.Fields = map[string]string{}
	}
	return doc, nil
}

// Update applies mutate under compare-and-swap: the write only lands if the
// on-disk version still matches the one mutate saw. On contention it re-reads
// and retries, so concurrent writers interleave instead of clobbering.
func (s *SharedState) Update(mutate func(fields map[string]string)) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		unlock, err := s.lock()
		if err != nil {
			time.Sleep(casBackoff)
			continue
		}

		doc, err := s.Read()
		if err != nil {
			unlock()
			return err
		}
		expected := doc.Version

		mutate(doc.Fields)

		// Re-check under the lock; another process may have raced the
		// window between our Read and lock acquisition.
		current, err := s.Read()
		if err != nil {
			unlock()
			return err
		}
		if current.Version != expected {
			unlock()
			time.Sleep(casBackoff)
			continue
		}

		doc.Version = expected + 1
		doc.UpdatedAt = time.Now().UTC()
		err = s.writeAtomic(doc)
		unlock()
		if err != nil {
			return err
		}
		return nil
	}
	return &types.PersistenceError{Op: "update state", Err: fmt.Errorf("cas contention after %d attempts", casRetries)}
}

// Set is a convenience single-field Update.
func (s *SharedState) Set(key, value string) error {
	return s.Update(func(fields map[string]string) {
		fields[key] = value
	})
}

// Get returns a single field, or types.ErrNotFound.
func (s *SharedState) Get(key string) (string, error) {
	doc, err := s.Read()
	if err != nil {
		return "", err
	}
	v, ok := doc.Fields[key]
	if !ok {
		return "", types.ErrNotFound
	}
	return v, nil
}

// writeAtomic writes the document through a temp file and rename so readers
// never observe a torn document.
func (s *SharedState) writeAtomic(doc StateDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &types.PersistenceError{Op: "marshal state", Err: err}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &types.PersistenceError{Op: "write state", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &types.PersistenceError{Op: "rename state", Err: err}
	}
	return nil
}

// lock takes the advisory lock file next to the document. Stale locks older
// than lockTimeout are broken, so a crashed writer cannot wedge the daemon.
func (s *SharedState) lock() (func(), error) {
	lockPath := s.path + ".lock"
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > lockTimeout {
				os.Remove(lockPath)
				continue
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("state lock held past deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
