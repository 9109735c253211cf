// Package types provides shared type definitions used across vigil packages.
// This package exists to break import cycles between the scheduler, gate, and
// interpreter. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventSource identifies which producer emitted an event.
type EventSource string

const (
	SourceTick   EventSource = "tick"
	SourceWatch  EventSource = "watch"
	SourceOutbox EventSource = "outbox"
)

// Event is a single wake-up delivered to the dispatch gate. Events are
// immutable once created; producers build them and never touch them again.
type Event struct {
	ID        string
	Source    EventSource
	Timestamp time.Time
	Payload   string
}

// WatchTrigger describes a settled filesystem event on a trigger directory.
// Triggers are ephemeral: converted to an Event and discarded.
type WatchTrigger struct {
	Path       string
	EventType  string // create | modify | delete | rename
	ObservedAt time.Time
}

// =============================================================================
// BEHAVIOR MODES
// =============================================================================

// Mode is a named behavior profile with time-of-day weighted selection
// probability. The mode registry is fixed at startup and read-only at runtime.
type Mode struct {
	Name          string  `yaml:"name"`
	Prompt        string  `yaml:"prompt"`
	WeightMorning float64 `yaml:"weight_morning"`
	WeightNight   float64 `yaml:"weight_night"`
	WeightDefault float64 `yaml:"weight_default"`
}

// Selectable reports whether the mode can ever be sampled. A mode with
// all-zero weights is dead configuration and is never selected.
func (m Mode) Selectable() bool {
	return m.WeightMorning > 0 || m.WeightNight > 0 || m.WeightDefault > 0
}

// =============================================================================
// DISPATCH DECISIONS
// =============================================================================

// Verdict is the outcome of a gate tier.
type Verdict string

const (
	VerdictSkip     Verdict = "skip"
	VerdictEscalate Verdict = "escalate"
)

// Tier numbers the stages of the cost-gating pipeline.
type Tier int

const (
	TierExistence Tier = 1
	TierRecency   Tier = 2
	TierCheap     Tier = 3
	TierEscalate  Tier = 4
)

func (t Tier) String() string {
	switch t {
	case TierExistence:
		return "existence"
	case TierRecency:
		return "recency"
	case TierCheap:
		return "cheap-model"
	case TierEscalate:
		return "escalate"
	default:
		return fmt.Sprintf("tier-%d", int(t))
	}
}

// DispatchDecision records how far an event climbed the tier pipeline and
// why it stopped. It lives for the duration of one event's processing and is
// persisted only to the audit log.
type DispatchDecision struct {
	EventID     string
	TierReached Tier
	Verdict     Verdict
	Rationale   string
	DecidedAt   time.Time
}

// Advance moves the decision to a higher tier. Tiers are monotonic within one
// decision's lifetime; a lower or equal tier is a programming error.
func (d *DispatchDecision) Advance(tier Tier, verdict Verdict, rationale string) error {
	if tier <= d.TierReached {
		return fmt.Errorf("dispatch tier moved backwards: %d -> %d", d.TierReached, tier)
	}
	d.TierReached = tier
	d.Verdict = verdict
	d.Rationale = rationale
	d.DecidedAt = time.Now()
	return nil
}
