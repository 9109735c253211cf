// Package gate implements the tiered cost-gating pipeline that decides, per
// event, whether to wake the expensive agent. Tiers run in ascending cost
// order and any tier can end evaluation with a skip; only passing every tier
// yields an escalate verdict. Tiers never re-run within one evaluation.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// Completer is the cheap-model surface tier 3 needs. *capability.CheapClient
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RecencyStore is the memory surface tier 2 needs. *store.MemoryStore
// satisfies it.
type RecencyStore interface {
	Fetch(ctx context.Context, key string) (string, error)
}

// RecencyKey is the memory key holding the RFC3339 timestamp of the last
// completed agent run.
const RecencyKey = "last_agent_run"

// WorkSource reports how much queued work is waiting. *outbox.Queue
// satisfies it; tier 1 consults it for tick events.
type WorkSource interface {
	Depth() int
}

// Gate evaluates events tier by tier.
type Gate struct {
	store         RecencyStore
	cheap         Completer
	work          WorkSource
	recencyWindow time.Duration
	cheapTimeout  time.Duration
	failOpen      bool
	now           func() time.Time
}

// New creates a Gate. cheap may be nil, in which case tier 3 applies the
// configured error policy directly (fail-open escalates, fail-closed skips).
// work may be nil; ticks then pass tier 1 on mode context alone.
func New(store RecencyStore, cheap Completer, work WorkSource, recencyWindow, cheapTimeout time.Duration, failOpen bool) *Gate {
	return &Gate{
		store:         store,
		cheap:         cheap,
		work:          work,
		recencyWindow: recencyWindow,
		cheapTimeout:  cheapTimeout,
		failOpen:      failOpen,
		now:           time.Now,
	}
}

// Evaluate climbs the tier pipeline for ev and returns the decision. The
// returned error is non-nil only for internal faults; ordinary skips are not
// errors. Outbox events carry explicit intent and bypass tiers 2 and 3.
func (g *Gate) Evaluate(ctx context.Context, ev types.Event) (types.DispatchDecision, error) {
	decision := types.DispatchDecision{EventID: ev.ID}

	// Tier 1: existence. Cheapest possible check, no external calls.
	verdict, rationale := g.checkExistence(ev)
	if err := decision.Advance(types.TierExistence, verdict, rationale); err != nil {
		return decision, err
	}
	if verdict == types.VerdictSkip {
		logging.GateLog("event %s skipped at %s: %s", ev.ID, types.TierExistence, rationale)
		return decision, nil
	}

	// Outbox messages were enqueued deliberately; suppressing them on
	// recency or cheap-model grounds would silently drop user intent.
	if ev.Source == types.SourceOutbox {
		if err := decision.Advance(types.TierEscalate, types.VerdictEscalate, "outbox message, explicit intent"); err != nil {
			return decision, err
		}
		logging.GateLog("event %s escalated: outbox bypass", ev.ID)
		return decision, nil
	}

	// Tier 2: recency. Skip when the agent ran inside the window.
	verdict, rationale = g.checkRecency(ctx)
	if err := decision.Advance(types.TierRecency, verdict, rationale); err != nil {
		return decision, err
	}
	if verdict == types.VerdictSkip {
		logging.GateLog("event %s skipped at %s: %s", ev.ID, types.TierRecency, rationale)
		return decision, nil
	}

	// Tier 3: cheap model. Bounded by its own deadline.
	verdict, rationale = g.askCheapModel(ctx, ev)
	if err := decision.Advance(types.TierCheap, verdict, rationale); err != nil {
		return decision, err
	}
	if verdict == types.VerdictSkip {
		logging.GateLog("event %s skipped at %s: %s", ev.ID, types.TierCheap, rationale)
		return decision, nil
	}

	// Tier 4: escalate to the agent. The actual invocation belongs to the
	// caller; the gate only hands down the verdict.
	if err := decision.Advance(types.TierEscalate, types.VerdictEscalate, "all tiers passed"); err != nil {
		return decision, err
	}
	logging.GateLog("event %s escalated to agent: %s", ev.ID, decision.Rationale)
	return decision, nil
}

// checkExistence decides whether there is anything to act on at all. Watch
// and outbox events exist by virtue of their payload; a tick only exists
// when queued work is pending or the sampled mode supplies context.
func (g *Gate) checkExistence(ev types.Event) (types.Verdict, string) {
	if ev.Payload == "" {
		return types.VerdictSkip, "empty payload"
	}
	if ev.Source != types.SourceTick {
		return types.VerdictEscalate, "payload present"
	}

	if g.work != nil {
		if n := g.work.Depth(); n > 0 {
			return types.VerdictEscalate, fmt.Sprintf("%d pending outbox message(s)", n)
		}
	}

	var p struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(ev.Payload), &p); err == nil && p.Prompt != "" {
		return types.VerdictEscalate, "mode context present"
	}
	return types.VerdictSkip, "nothing to act on"
}

// checkRecency consults the last agent run timestamp. A missing or garbled
// record counts as "never ran" and lets the event through.
func (g *Gate) checkRecency(ctx context.Context) (types.Verdict, string) {
	raw, err := g.store.Fetch(ctx, RecencyKey)
	if err != nil {
		return types.VerdictEscalate, "no prior agent run on record"
	}

	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logging.GateDebug("unparseable %s value %q, treating as never", RecencyKey, raw)
		return types.VerdictEscalate, "no prior agent run on record"
	}

	elapsed := g.now().Sub(last)
	if elapsed < g.recencyWindow {
		return types.VerdictSkip, fmt.Sprintf("agent ran %v ago, window %v", elapsed.Round(time.Second), g.recencyWindow)
	}
	return types.VerdictEscalate, fmt.Sprintf("last run %v ago", elapsed.Round(time.Second))
}

// askCheapModel puts the wake-or-not question to the local model. Provider
// failure or timeout applies the configured policy: fail-open escalates,
// fail-closed skips.
func (g *Gate) askCheapModel(ctx context.Context, ev types.Event) (types.Verdict, string) {
	if g.cheap == nil {
		return g.errorPolicy("no cheap model configured")
	}

	cctx, cancel := context.WithTimeout(ctx, g.cheapTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"An autonomous agent received this %s event:\n%s\n\nIs this worth waking the full agent for? Answer only YES or NO.",
		ev.Source, ev.Payload)

	reply, err := g.cheap.Complete(cctx, prompt)
	if err != nil {
		return g.errorPolicy(fmt.Sprintf("cheap model unavailable: %v", err))
	}

	if worthWaking(reply) {
		return types.VerdictEscalate, "cheap model voted yes"
	}
	return types.VerdictSkip, fmt.Sprintf("cheap model voted no: %q", truncate(reply, 80))
}

func (g *Gate) errorPolicy(reason string) (types.Verdict, string) {
	if g.failOpen {
		return types.VerdictEscalate, reason + " (fail-open)"
	}
	return types.VerdictSkip, reason + " (fail-closed)"
}

// worthWaking interprets a free-form model reply as a yes/no vote. Anything
// that does not clearly start with an affirmative counts as no.
func worthWaking(reply string) bool {
	lowered := strings.ToLower(strings.TrimSpace(reply))
	return strings.HasPrefix(lowered, "yes") || strings.HasPrefix(lowered, "\"yes")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
