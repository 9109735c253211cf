package daemon

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"vigil/internal/config"
	"vigil/internal/gate"
	"vigil/internal/store"
)

// Status is the externally visible daemon state, assembled from the shared
// status document plus a liveness check of the lock pid. The CLI renders it;
// it never touches the queue directories, which belong to the running
// daemon.
type Status struct {
	Running      bool
	PID          int
	State        string
	StartedAt    string
	LastTick     string
	TickCount    int64
	QueueDepth   int64
	Escalations  int64
	Skips        int64
	LastAgentRun string
	Errors       map[string]string
	Decisions    map[string]string // tier name -> last verdict and rationale
	Version      int64
}

// updateStatus publishes the daemon's current counters into the shared
// status document. Best effort; a failed publish is recorded and life goes
// on.
func (d *Daemon) updateStatus(state string) {
	d.mu.Lock()
	startedAt := d.startedAt
	escalations := d.escalations
	skips := d.skips
	errs := make(map[string]string, len(d.lastErrs))
	for k, v := range d.lastErrs {
		errs[k] = v
	}
	decisions := make(map[string]string, len(d.decisions))
	for tier, dec := range d.decisions {
		decisions[tier.String()] = fmt.Sprintf("%s: %s @ %s",
			dec.Verdict, dec.Rationale, dec.DecidedAt.UTC().Format(time.RFC3339))
	}
	d.mu.Unlock()

	err := d.state.Update(func(fields map[string]string) {
		fields["state"] = state
		fields["pid"] = strconv.Itoa(os.Getpid())
		fields["started_at"] = startedAt.UTC().Format(time.RFC3339)
		fields["tick_count"] = strconv.FormatInt(d.scheduler.Count(), 10)
		if last := d.scheduler.LastTick(); !last.IsZero() {
			fields["last_tick"] = last.UTC().Format(time.RFC3339)
		}
		fields["queue_depth"] = strconv.Itoa(d.queue.Depth())
		fields["escalations"] = strconv.FormatInt(escalations, 10)
		fields["skips"] = strconv.FormatInt(skips, 10)
		if v, ferr := d.memory.Fetch(context.Background(), gate.RecencyKey); ferr == nil {
			fields["last_agent_run"] = v
		}
		for k, v := range errs {
			fields["last_error_"+k] = v
		}
		for tier, v := range decisions {
			fields["last_decision_"+tier] = v
		}
	})
	if err != nil {
		d.recordError("state", err)
	}
}

// ReadStatus loads Status for the CLI. Works whether or not a daemon is up.
func ReadStatus(cfg *config.Config) (Status, error) {
	st := Status{Errors: map[string]string{}, Decisions: map[string]string{}}

	if pid, err := ReadLockPid(LockPath(cfg)); err == nil {
		st.PID = pid
		st.Running = processAlive(pid)
	}

	shared, err := store.NewSharedState(cfg.Memory.StatePath)
	if err != nil {
		return st, err
	}
	doc, err := shared.Read()
	if err != nil {
		return st, err
	}

	st.Version = doc.Version
	st.State = doc.Fields["state"]
	st.StartedAt = doc.Fields["started_at"]
	st.LastTick = doc.Fields["last_tick"]
	st.LastAgentRun = doc.Fields["last_agent_run"]
	st.TickCount, _ = strconv.ParseInt(doc.Fields["tick_count"], 10, 64)
	st.QueueDepth, _ = strconv.ParseInt(doc.Fields["queue_depth"], 10, 64)
	st.Escalations, _ = strconv.ParseInt(doc.Fields["escalations"], 10, 64)
	st.Skips, _ = strconv.ParseInt(doc.Fields["skips"], 10, 64)

	for k, v := range doc.Fields {
		switch {
		case strings.HasPrefix(k, "last_error_"):
			st.Errors[strings.TrimPrefix(k, "last_error_")] = v
		case strings.HasPrefix(k, "last_decision_"):
			st.Decisions[strings.TrimPrefix(k, "last_decision_")] = v
		}
	}
	return st, nil
}

// Render formats st for the terminal.
func (st Status) Render() string {
	out := ""
	if st.Running {
		out += fmt.Sprintf("vigil: running (pid %d)\n", st.PID)
	} else {
		out += "vigil: not running\n"
	}
	out += fmt.Sprintf("  state:        %s\n", orDash(st.State))
	out += fmt.Sprintf("  started:      %s\n", orDash(st.StartedAt))
	out += fmt.Sprintf("  ticks:        %d (last %s)\n", st.TickCount, orDash(st.LastTick))
	out += fmt.Sprintf("  queue depth:  %d\n", st.QueueDepth)
	out += fmt.Sprintf("  escalations:  %d, skips: %d\n", st.Escalations, st.Skips)

	if len(st.Decisions) > 0 {
		out += "  last decision per tier:\n"
		tiers := make([]string, 0, len(st.Decisions))
		for k := range st.Decisions {
			tiers = append(tiers, k)
		}
		sort.Strings(tiers)
		for _, k := range tiers {
			out += fmt.Sprintf("    %-12s %s\n", k+":", st.Decisions[k])
		}
	}

	if len(st.Errors) > 0 {
		out += "  last errors:\n"
		keys := make([]string, 0, len(st.Errors))
		for k := range st.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out += fmt.Sprintf("    %-10s %s\n", k+":", st.Errors[k])
		}
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
