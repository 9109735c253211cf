// Package outbox implements vigil's crash-safe, file-backed queue of pending
// action directives.
//
// Each message lives in exactly one of four directories under the queue root:
// pending/, claimed/, consumed/, and the dead-letter area. A message moves
// pending -> claimed (rename, the claim sentinel) -> consumed (rewritten with
// consumed_at set). On restart, anything still in claimed/ is returned to
// pending/ and retried, so delivery is at-least-once at the interpreter
// boundary; consumed messages are terminal and never re-consumed.
//
// The id field is the total order. Ids are monotonic and allocated from a
// durable counter, not wall clock, so ordering stays correct under clock skew.
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// Message is one queued action directive.
type Message struct {
	ID         int64      `json:"id"`
	Kind       string     `json:"kind"`
	Payload    string     `json:"payload"`
	CreatedAt  time.Time  `json:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at"`
}

// Queue is the file-backed outbox. Claim/consume transitions are serialized
// per queue to prevent double-claim races between the drainer and a
// concurrent recovery scan.
type Queue struct {
	mu         sync.Mutex
	root       string
	deadLetter string
	nextID     int64
}

const seqFile = "seq"

func (q *Queue) pendingDir() string  { return filepath.Join(q.root, "pending") }
func (q *Queue) claimedDir() string  { return filepath.Join(q.root, "claimed") }
func (q *Queue) consumedDir() string { return filepath.Join(q.root, "consumed") }

// Open initializes the queue at root, creating its directories and running
// crash recovery: claimed-but-not-consumed messages return to pending.
func Open(root, deadLetter string) (*Queue, error) {
	if deadLetter == "" {
		deadLetter = filepath.Join(root, "deadletter")
	}
	q := &Queue{root: root, deadLetter: deadLetter}

	for _, dir := range []string{q.pendingDir(), q.claimedDir(), q.consumedDir(), deadLetter} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	recovered, err := q.recover()
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		logging.Outbox("recovered %d claimed message(s) back to pending", recovered)
	}

	if err := q.loadSequence(); err != nil {
		return nil, err
	}

	logging.Outbox("queue open at %s, next id %d", root, q.nextID)
	return q, nil
}

// recover returns claimed messages to pending. Runs before the drainer
// starts, so no claim can race it.
func (q *Queue) recover() (int, error) {
	entries, err := os.ReadDir(q.claimedDir())
	if err != nil {
		return 0, fmt.Errorf("failed to scan claimed: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(q.claimedDir(), e.Name())
		dst := filepath.Join(q.pendingDir(), e.Name())
		if err := os.Rename(src, dst); err != nil {
			return n, fmt.Errorf("failed to recover %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}

// loadSequence restores the id counter. The counter file is authoritative;
// a scan over all areas repairs it if it was lost.
func (q *Queue) loadSequence() error {
	if data, err := os.ReadFile(filepath.Join(q.root, seqFile)); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			q.nextID = v
		}
	}

	for _, dir := range []string{q.pendingDir(), q.claimedDir(), q.consumedDir(), q.deadLetter} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if id, ok := idFromName(e.Name()); ok && id >= q.nextID {
				q.nextID = id + 1
			}
		}
	}
	if q.nextID == 0 {
		q.nextID = 1
	}
	return nil
}

func (q *Queue) storeSequence() {
	data := []byte(strconv.FormatInt(q.nextID, 10) + "\n")
	if err := os.WriteFile(filepath.Join(q.root, seqFile), data, 0644); err != nil {
		logging.Get(logging.CategoryOutbox).Warn("failed to persist sequence: %v", err)
	}
}

func fileName(id int64) string {
	return fmt.Sprintf("%012d.json", id)
}

func idFromName(name string) (int64, bool) {
	base := strings.TrimSuffix(name, ".json")
	if base == name {
		return 0, false
	}
	id, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Enqueue appends a new message and returns it. The write is atomic
// (temp file + rename), so a crash mid-enqueue leaves no partial message.
func (q *Queue) Enqueue(kind, payload string) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := Message{
		ID:        q.nextID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := q.writeMessage(q.pendingDir(), msg); err != nil {
		return Message{}, err
	}
	q.nextID++
	q.storeSequence()

	logging.OutboxDebug("enqueued message %d kind=%s", msg.ID, msg.Kind)
	return msg, nil
}

func (q *Queue) writeMessage(dir string, msg Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return &types.PersistenceError{Op: "marshal message", Err: err}
	}
	final := filepath.Join(dir, fileName(msg.ID))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &types.PersistenceError{Op: "write message", Err: err}
	}
	if err := os.Rename(tmp, final); err != nil {
		return &types.PersistenceError{Op: "commit message", Err: err}
	}
	return nil
}

// Pending returns unclaimed messages in id order. Malformed files are moved
// to the dead-letter area rather than blocking the scan.
func (q *Queue) Pending() ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() ([]Message, error) {
	entries, err := os.ReadDir(q.pendingDir())
	if err != nil {
		return nil, &types.PersistenceError{Op: "scan pending", Err: err}
	}

	var msgs []Message
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		path := filepath.Join(q.pendingDir(), e.Name())
		msg, err := readMessage(path)
		if err != nil {
			q.quarantine(path, err)
			continue
		}
		msgs = append(msgs, msg)
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func readMessage(path string) (Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, &types.MalformedMessageError{Source: path, Reason: err.Error()}
	}
	if msg.ID == 0 {
		return Message{}, &types.MalformedMessageError{Source: path, Reason: "missing id"}
	}
	return msg, nil
}

// quarantine moves an unreadable message file to the dead-letter area.
func (q *Queue) quarantine(path string, cause error) {
	dst := filepath.Join(q.deadLetter, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		logging.Get(logging.CategoryOutbox).Error("failed to dead-letter %s: %v", path, err)
		return
	}
	logging.Get(logging.CategoryOutbox).Warn("dead-lettered %s: %v", filepath.Base(path), cause)
}

// Depth returns the number of pending messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := os.ReadDir(q.pendingDir())
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && !strings.HasSuffix(e.Name(), ".tmp") {
			n++
		}
	}
	return n
}

// ClaimNext claims the lowest-id pending message by renaming it into the
// claimed area. Returns false when the queue is empty. The rename is the
// claim sentinel: a crash after it leaves the message for restart recovery.
func (q *Queue) ClaimNext() (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs, err := q.pendingLocked()
	if err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}

	msg := msgs[0]
	src := filepath.Join(q.pendingDir(), fileName(msg.ID))
	dst := filepath.Join(q.claimedDir(), fileName(msg.ID))
	if err := os.Rename(src, dst); err != nil {
		return Message{}, false, &types.PersistenceError{Op: "claim", Err: err}
	}

	logging.OutboxDebug("claimed message %d", msg.ID)
	return msg, true, nil
}

// Consume marks a claimed message terminal. Call only after the action has
// been durably handed to its capability endpoint or retried to exhaustion.
func (q *Queue) Consume(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	msg.ConsumedAt = &now

	if err := q.writeMessage(q.consumedDir(), msg); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(q.claimedDir(), fileName(msg.ID))); err != nil && !os.IsNotExist(err) {
		return &types.PersistenceError{Op: "clear claim", Err: err}
	}

	logging.Outbox("consumed message %d kind=%s", msg.ID, msg.Kind)
	return nil
}

// Release returns a claimed message to pending (used by the requeue error
// policy after endpoint retry exhaustion).
func (q *Queue) Release(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	src := filepath.Join(q.claimedDir(), fileName(msg.ID))
	dst := filepath.Join(q.pendingDir(), fileName(msg.ID))
	if err := os.Rename(src, dst); err != nil {
		return &types.PersistenceError{Op: "release", Err: err}
	}
	return nil
}

// DeadLetter moves a claimed message to the dead-letter area.
func (q *Queue) DeadLetter(msg Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	src := filepath.Join(q.claimedDir(), fileName(msg.ID))
	q.quarantine(src, &types.MalformedMessageError{Source: src, Reason: reason})
	return nil
}

// Consumed returns consumed messages in id order, for status and tests.
func (q *Queue) Consumed() ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.consumedDir())
	if err != nil {
		return nil, &types.PersistenceError{Op: "scan consumed", Err: err}
	}
	var msgs []Message
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		msg, err := readMessage(filepath.Join(q.consumedDir(), e.Name()))
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}
