// Package watch observes trigger directories and converts settled filesystem
// events into dispatch Events.
package watch

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// Stats tracks watcher activity for status reporting.
type Stats struct {
	Created       int
	Modified      int
	Deleted       int
	Emitted       int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
}

// Watcher debounces rapid filesystem events per path and emits one Event per
// settled trigger. Temp files and claim renames inside managed queue
// directories are the caller's responsibility to exclude via dir selection.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	dirs        []string
	events      chan<- types.Event
	debounceMap map[string]pendingTrigger
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats
}

type pendingTrigger struct {
	trigger types.WatchTrigger
	seenAt  time.Time
}

// New creates a Watcher over dirs that emits to events.
func New(dirs []string, debounce time.Duration, events chan<- types.Event) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:     fsw,
		dirs:        dirs,
		events:      events,
		debounceMap: make(map[string]pendingTrigger),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryWatch).Warn("failed to create trigger dir %s: %v", dir, err)
		}
		if err := w.watcher.Add(dir); err != nil {
			logging.Get(logging.CategoryWatch).Warn("initial watch failed for %s: %v", dir, err)
		} else {
			logging.Watch("watching directory: %s", dir)
		}
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("error closing watcher: %v", err)
	}
	logging.Watch("watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	flushTicker := time.NewTicker(100 * time.Millisecond)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Error("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-flushTicker.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Ignore scratch files and chmod noise.
	if strings.HasSuffix(event.Name, ".tmp") || strings.HasSuffix(event.Name, "~") {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventType = eventType
	switch eventType {
	case "create":
		w.stats.Created++
	case "modify":
		w.stats.Modified++
	case "delete", "rename":
		w.stats.Deleted++
	}

	w.debounceMap[event.Name] = pendingTrigger{
		trigger: types.WatchTrigger{
			Path:       event.Name,
			EventType:  eventType,
			ObservedAt: time.Now(),
		},
		seenAt: time.Now(),
	}
}

// flushSettled emits triggers whose debounce window has elapsed.
func (w *Watcher) flushSettled() {
	w.mu.Lock()
	now := time.Now()
	var settled []types.WatchTrigger
	for path, p := range w.debounceMap {
		if now.Sub(p.seenAt) >= w.debounceDur {
			settled = append(settled, p.trigger)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, trig := range settled {
		w.emit(trig)
	}
}

func (w *Watcher) emit(trig types.WatchTrigger) {
	payload, err := json.Marshal(trig)
	if err != nil {
		logging.Get(logging.CategoryWatch).Error("failed to encode trigger: %v", err)
		return
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Source:    types.SourceWatch,
		Timestamp: time.Now(),
		Payload:   string(payload),
	}

	select {
	case w.events <- ev:
		w.mu.Lock()
		w.stats.Emitted++
		w.mu.Unlock()
		logging.Watch("trigger emitted: %s %s", trig.EventType, trig.Path)
	case <-w.stopCh:
	}
}

// GetStats returns a snapshot of watcher statistics.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}
