// Package tick implements the heartbeat scheduler: a jittered interval timer
// that samples a behavior Mode by time-of-day weight and emits one Event per
// tick. A tick never leaves the system without a scheduled successor; on
// internal error the scheduler logs and reschedules rather than terminating.
package tick

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// Band is a time-of-day weight band.
type Band string

const (
	BandMorning Band = "morning"
	BandNight   Band = "night"
	BandDefault Band = "default"
)

// Bands configures the band boundaries, hours in local time. Night wraps
// midnight when NightStart > NightEnd.
type Bands struct {
	MorningStart int
	MorningEnd   int
	NightStart   int
	NightEnd     int
}

// DefaultBands matches the classic split: morning 06-12, night 22-06.
func DefaultBands() Bands {
	return Bands{MorningStart: 6, MorningEnd: 12, NightStart: 22, NightEnd: 6}
}

// Payload is the tick event payload handed to the dispatch gate.
type Payload struct {
	Tick   int64  `json:"tick"`
	Mode   string `json:"mode"`
	Prompt string `json:"prompt"`
	Band   string `json:"band"`
}

// Scheduler emits one Event per interval tick.
type Scheduler struct {
	interval time.Duration
	jitter   time.Duration
	bands    Bands
	modes    []types.Mode
	events   chan<- types.Event

	mu       sync.Mutex
	rng      *rand.Rand
	now      func() time.Time
	count    int64
	lastTick time.Time
}

// New creates a Scheduler. modes must contain at least one selectable mode.
func New(interval, jitter time.Duration, bands Bands, modes []types.Mode, events chan<- types.Event) *Scheduler {
	return &Scheduler{
		interval: interval,
		jitter:   jitter,
		bands:    bands,
		modes:    modes,
		events:   events,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Run drives the tick loop until ctx is cancelled. Blocking; run it in its
// own goroutine. The in-flight tick finishes naturally on shutdown because
// emitting is the only suspension point and it honors ctx.
func (s *Scheduler) Run(ctx context.Context) {
	logging.Tick("scheduler started: interval=%v jitter=%v", s.interval, s.jitter)

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Tick("scheduler stopped after %d tick(s)", s.Count())
			return
		case <-timer.C:
			s.fire(ctx)
			// Reschedule unconditionally: an empty follow-up is a
			// failure state.
			timer.Reset(s.nextDelay())
		}
	}
}

// nextDelay returns the interval with +/- jitter applied.
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.interval
	if s.jitter > 0 {
		d += time.Duration(s.rng.Int63n(int64(2*s.jitter))) - s.jitter
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (s *Scheduler) fire(ctx context.Context) {
	now := s.now()
	mode, ok := s.SelectMode(now)
	if !ok {
		logging.Get(logging.CategoryTick).Error("no selectable mode configured, tick skipped")
		return
	}

	s.mu.Lock()
	s.count++
	count := s.count
	s.lastTick = now
	s.mu.Unlock()

	payload, err := json.Marshal(Payload{
		Tick:   count,
		Mode:   mode.Name,
		Prompt: mode.Prompt,
		Band:   string(s.CurrentBand(now)),
	})
	if err != nil {
		logging.Get(logging.CategoryTick).Error("tick payload encode failed: %v", err)
		return
	}

	ev := types.Event{
		ID:        uuid.NewString(),
		Source:    types.SourceTick,
		Timestamp: now,
		Payload:   string(payload),
	}

	select {
	case s.events <- ev:
		logging.Tick("tick #%d mode=%s band=%s", count, mode.Name, s.CurrentBand(now))
	case <-ctx.Done():
	}
}

// CurrentBand returns the weight band for t.
func (s *Scheduler) CurrentBand(t time.Time) Band {
	hour := t.Hour()
	b := s.bands

	night := false
	if b.NightStart > b.NightEnd {
		night = hour >= b.NightStart || hour < b.NightEnd
	} else {
		night = hour >= b.NightStart && hour < b.NightEnd
	}
	if night {
		return BandNight
	}
	if hour >= b.MorningStart && hour < b.MorningEnd {
		return BandMorning
	}
	return BandDefault
}

// effectiveWeight returns the mode weight for the band. Raw relative weights
// are used directly across bands, with no per-band renormalization.
func effectiveWeight(m types.Mode, band Band) float64 {
	switch band {
	case BandMorning:
		return m.WeightMorning
	case BandNight:
		return m.WeightNight
	default:
		return m.WeightDefault
	}
}

// SelectMode samples one mode proportionally to its effective weight at t.
// When every mode has zero weight in the current band, selection falls back
// to a uniform draw over modes that are selectable in any band. Returns
// false only when the registry contains no selectable mode at all.
func (s *Scheduler) SelectMode(t time.Time) (types.Mode, bool) {
	band := s.CurrentBand(t)

	var total float64
	for _, m := range s.modes {
		total += effectiveWeight(m, band)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if total > 0 {
		r := s.rng.Float64() * total
		for _, m := range s.modes {
			w := effectiveWeight(m, band)
			if w <= 0 {
				continue
			}
			if r < w {
				return m, true
			}
			r -= w
		}
	}

	var selectable []types.Mode
	for _, m := range s.modes {
		if m.Selectable() {
			selectable = append(selectable, m)
		}
	}
	if len(selectable) == 0 {
		return types.Mode{}, false
	}
	return selectable[s.rng.Intn(len(selectable))], true
}

// Count returns the number of ticks fired so far.
func (s *Scheduler) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// LastTick returns when the most recent tick fired (zero before the first).
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// setClock overrides the time source for tests.
func (s *Scheduler) setClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// seed fixes the RNG for deterministic tests.
func (s *Scheduler) seed(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(v))
}
