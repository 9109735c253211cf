package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vigil/internal/capability"
	"vigil/internal/config"
	"vigil/internal/gate"
	"vigil/internal/outbox"
	"vigil/internal/store"
	"vigil/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Memory.DatabasePath = filepath.Join(dir, "memory.db")
	cfg.Memory.StatePath = filepath.Join(dir, "state.json")
	cfg.Outbox.Dir = filepath.Join(dir, "outbox")
	cfg.Outbox.DeadLetterDir = filepath.Join(dir, "deadletter")
	cfg.Outbox.DrainInterval = "20ms"
	cfg.Heartbeat.Interval = "1h"
	cfg.Heartbeat.Jitter = "0s"
	cfg.Heartbeat.Grace = "2s"
	cfg.Gate.Workers = 2
	cfg.Watch.Dirs = []string{filepath.Join(dir, "triggers")}
	cfg.Providers.CheapURL = ""
	cfg.Logging.Dir = ""
	return cfg
}

type scriptedAgent struct {
	mu    sync.Mutex
	reply string
	err   error
	users []string
}

func (a *scriptedAgent) Invoke(_ context.Context, _, user string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users = append(a.users, user)
	return a.reply, a.err
}

func (a *scriptedAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}

type nullInvoker struct{}

func (nullInvoker) Invoke(_ context.Context, kind string, _ map[string]interface{}) (capability.Result, error) {
	return capability.Result{Kind: kind, StatusCode: 200}, nil
}

func startDaemon(t *testing.T, cfg *config.Config, agent Agent) (*Daemon, context.CancelFunc, chan error) {
	t.Helper()

	d, err := New(Options{Config: cfg, Agent: agent, Invoker: nullInvoker{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return d, cancel, done
}

func stopDaemon(t *testing.T, d *Daemon, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	require.NoError(t, d.Close())
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// Three queued messages must reach the agent in enqueue order, survive as
// consumed across a restart, and never be delivered again.
func TestOutboxDrainsInOrderOnceOnly(t *testing.T) {
	cfg := testConfig(t)

	q, err := outbox.Open(cfg.Outbox.Dir, cfg.DeadLetterDir())
	require.NoError(t, err)
	for _, text := range []string{"first", "second", "third"} {
		_, err := q.Enqueue("speak", text)
		require.NoError(t, err)
	}

	agent := &scriptedAgent{reply: ""}
	d, cancel, done := startDaemon(t, cfg, agent)

	waitFor(t, func() bool { return agent.calls() == 3 }, "agent never saw all 3 messages")
	waitFor(t, func() bool { return d.queue.Depth() == 0 }, "queue never drained")
	stopDaemon(t, d, cancel, done)

	var got []string
	agent.mu.Lock()
	for _, user := range agent.users {
		idx := strings.Index(user, "\n\n")
		require.GreaterOrEqual(t, idx, 0)
		var p outboxEventPayload
		require.NoError(t, json.Unmarshal([]byte(user[idx+2:]), &p))
		got = append(got, p.Payload)
	}
	agent.mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, got)

	// Restart: nothing pending, all three terminal.
	q2, err := outbox.Open(cfg.Outbox.Dir, cfg.DeadLetterDir())
	require.NoError(t, err)
	pending, err := q2.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	consumed, err := q2.Consumed()
	require.NoError(t, err)
	assert.Len(t, consumed, 3)

	agent2 := &scriptedAgent{}
	d2, cancel2, done2 := startDaemon(t, cfg, agent2)
	time.Sleep(100 * time.Millisecond)
	stopDaemon(t, d2, cancel2, done2)
	assert.Zero(t, agent2.calls(), "consumed messages must not be redelivered")
}

// A tick inside the recency window stops at tier 2 and never wakes the
// agent, and the scheduler keeps ticking afterwards.
func TestFreshAgentRunSuppressesTicks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Heartbeat.Interval = "30ms"
	cfg.Gate.RecencyWindow = "1h"

	mem, err := store.NewMemoryStore(cfg.Memory.DatabasePath)
	require.NoError(t, err)
	require.NoError(t, mem.Store(context.Background(), gate.RecencyKey, time.Now().UTC().Format(time.RFC3339)))
	require.NoError(t, mem.Close())

	agent := &scriptedAgent{reply: "SPEAK: should never happen"}
	d, cancel, done := startDaemon(t, cfg, agent)

	waitFor(t, func() bool { return d.scheduler.Count() >= 3 }, "scheduler stalled")
	waitFor(t, func() bool { return d.counter(&d.skips) >= 3 }, "ticks were not skipped")
	stopDaemon(t, d, cancel, done)

	assert.Zero(t, agent.calls())
}

// Agent directives flow through the interpreter and persist.
func TestEscalatedTickRunsDirectives(t *testing.T) {
	cfg := testConfig(t)
	cfg.Heartbeat.Interval = "30ms"
	cfg.Gate.RecencyWindow = "1ms"

	agent := &scriptedAgent{reply: "REMEMBER: mood | watchful\nNOTE: tick | saw a tick"}
	d, cancel, done := startDaemon(t, cfg, agent)

	waitFor(t, func() bool { return agent.calls() >= 1 }, "agent never woke")
	waitFor(t, func() bool {
		_, err := d.memory.Fetch(context.Background(), "mood")
		return err == nil
	}, "REMEMBER directive never persisted")

	v, err := d.memory.Fetch(context.Background(), "mood")
	require.NoError(t, err)
	assert.Equal(t, "watchful", v)

	// The run must stamp the recency key for the next gate pass.
	_, err = d.memory.Fetch(context.Background(), gate.RecencyKey)
	assert.NoError(t, err)

	stopDaemon(t, d, cancel, done)
}

// A persistently failing agent exhausts retries and the message lands in
// the dead-letter area instead of looping forever.
func TestOutboxRetryExhaustionDeadLetters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Outbox.RetryAttempts = 2
	cfg.Outbox.EndpointErrors = "deadletter"

	q, err := outbox.Open(cfg.Outbox.Dir, cfg.DeadLetterDir())
	require.NoError(t, err)
	_, err = q.Enqueue("speak", "doomed")
	require.NoError(t, err)

	agent := &scriptedAgent{err: &types.TransientProviderError{Kind: "agent", Err: errors.New("down")}}
	d, cancel, done := startDaemon(t, cfg, agent)

	waitFor(t, func() bool {
		entries, derr := os.ReadDir(cfg.DeadLetterDir())
		return derr == nil && len(entries) > 0
	}, "message never dead-lettered")
	stopDaemon(t, d, cancel, done)

	assert.GreaterOrEqual(t, agent.calls(), 2)
	assert.Zero(t, d.queue.Depth())
}

// A settled file change in a trigger directory wakes the agent with the
// path in the prompt.
func TestWatchTriggerReachesAgent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gate.RecencyWindow = "1ms"
	cfg.Watch.Debounce = "30ms"

	agent := &scriptedAgent{reply: ""}
	d, cancel, done := startDaemon(t, cfg, agent)
	time.Sleep(100 * time.Millisecond) // let the watcher arm

	path := filepath.Join(cfg.Watch.Dirs[0], "dropped.md")
	require.NoError(t, os.WriteFile(path, []byte("something appeared"), 0o644))

	waitFor(t, func() bool { return agent.calls() >= 1 }, "watch trigger never escalated")
	stopDaemon(t, d, cancel, done)

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Contains(t, agent.users[0], "dropped.md")
	assert.Contains(t, agent.users[0], string(types.SourceWatch))
}

// An active daemon must outlive any number of tick intervals and grace
// periods; the grace deadline only applies once shutdown is signaled.
func TestRunOutlivesGraceWhileActive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Heartbeat.Interval = "50ms"
	cfg.Heartbeat.Grace = "100ms"
	cfg.Gate.RecencyWindow = "1h"

	agent := &scriptedAgent{reply: ""}
	d, cancel, done := startDaemon(t, cfg, agent)

	select {
	case err := <-done:
		t.Fatalf("daemon exited without a shutdown signal: %v", err)
	case <-time.After(2 * time.Second):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	require.NoError(t, d.Close())
}

func TestSecondInstanceRefused(t *testing.T) {
	cfg := testConfig(t)

	agent := &scriptedAgent{}
	d, cancel, done := startDaemon(t, cfg, agent)
	waitFor(t, func() bool {
		_, err := os.Stat(LockPath(cfg))
		return err == nil
	}, "lock file never appeared")

	d2, err := New(Options{Config: cfg, Agent: agent, Invoker: nullInvoker{}})
	require.NoError(t, err)
	runErr := d2.Run(context.Background())
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "already running")
	require.NoError(t, d2.Close())

	stopDaemon(t, d, cancel, done)
}

func TestStatusDocumentLifecycle(t *testing.T) {
	cfg := testConfig(t)

	q, err := outbox.Open(cfg.Outbox.Dir, cfg.DeadLetterDir())
	require.NoError(t, err)
	_, err = q.Enqueue("speak", "wave hello")
	require.NoError(t, err)

	agent := &scriptedAgent{}
	d, cancel, done := startDaemon(t, cfg, agent)
	waitFor(t, func() bool {
		st, serr := ReadStatus(cfg)
		return serr == nil && st.Running && st.State == "running"
	}, "status never reported running")

	waitFor(t, func() bool { return agent.calls() >= 1 }, "outbox message never escalated")
	d.updateStatus("running")

	st, err := ReadStatus(cfg)
	require.NoError(t, err)
	require.Contains(t, st.Decisions, types.TierEscalate.String())
	assert.Contains(t, st.Decisions[types.TierEscalate.String()], string(types.VerdictEscalate))

	stopDaemon(t, d, cancel, done)

	st, err = ReadStatus(cfg)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, "stopped", st.State)
	assert.NotEmpty(t, st.StartedAt)
	assert.Contains(t, st.Render(), "last decision per tier")
}
