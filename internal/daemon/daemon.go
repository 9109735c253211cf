// Package daemon wires the event producers (tick scheduler, file watcher,
// outbox drainer) to the dispatch gate, the agent, and the interpreter, and
// owns process lifecycle: the single-instance lock, the shared status
// document, and graceful shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vigil/internal/capability"
	"vigil/internal/config"
	"vigil/internal/embedding"
	"vigil/internal/gate"
	"vigil/internal/interpret"
	"vigil/internal/logging"
	"vigil/internal/outbox"
	"vigil/internal/store"
	"vigil/internal/tick"
	"vigil/internal/types"
	"vigil/internal/watch"
)

// Agent is the expensive reasoning surface. *capability.AgentClient
// satisfies it.
type Agent interface {
	Invoke(ctx context.Context, system, user string) (string, error)
}

// systemPrompt frames every agent invocation. The directive vocabulary here
// must stay in lockstep with the interpret package.
const systemPrompt = `You are vigil, a long-running autonomous presence on this machine.
You were woken because something crossed the attention gate. Decide what, if
anything, to do about it. Respond ONLY with directive lines, one per line:

SPEAK: <text to say aloud>
NOTE: <title> | <body>
REMEMBER: <key> | <value>
PLAY: <music query>
POST: <title> | <body>
SPAWN: <kind> | <payload>

An empty response means do nothing. No prose outside directives.`

// Options carries construction inputs. The provider fields exist so tests
// can substitute fakes; nil means build the real client from Config.
type Options struct {
	Config  *config.Config
	Agent   Agent
	Cheap   gate.Completer
	Invoker interpret.Invoker
}

// Daemon is the assembled process.
type Daemon struct {
	cfg       *config.Config
	memory    *store.MemoryStore
	state     *store.SharedState
	queue     *outbox.Queue
	gate      *gate.Gate
	agent     Agent
	interp    *interpret.Interpreter
	scheduler *tick.Scheduler
	watcher   *watch.Watcher
	events    chan types.Event

	mu          sync.Mutex
	lastErrs    map[string]string
	attempts    map[int64]int
	inflight    map[string]chan error
	decisions   map[types.Tier]types.DispatchDecision
	startedAt   time.Time
	escalations int64
	skips       int64
}

// New assembles a Daemon. Store initialization failure is the one fatal
// startup path; everything downstream degrades at runtime instead.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config

	memory, err := store.NewMemoryStore(cfg.Memory.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	if engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Providers.EmbeddingProvider,
		OllamaEndpoint: cfg.Providers.CheapURL,
		OllamaModel:    cfg.Providers.EmbeddingModel,
		GenAIAPIKey:    cfg.Providers.GenAIAPIKey,
		GenAIModel:     cfg.Providers.EmbeddingModel,
	}); err != nil {
		logging.Boot("embedding engine unavailable, substring scans only: %v", err)
	} else if engine != nil {
		memory.SetRanker(engine)
	}

	state, err := store.NewSharedState(cfg.Memory.StatePath)
	if err != nil {
		memory.Close()
		return nil, fmt.Errorf("open shared state: %w", err)
	}

	queue, err := outbox.Open(cfg.Outbox.Dir, cfg.DeadLetterDir())
	if err != nil {
		memory.Close()
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	cheap := opts.Cheap
	if cheap == nil && cfg.Providers.CheapURL != "" {
		cheap = capability.NewCheapClient(cfg.Providers.CheapURL, cfg.Providers.CheapModel, cfg.CheapTimeout())
	}

	agent := opts.Agent
	if agent == nil {
		agent = capability.NewAgentClient(cfg.Providers.AgentURL, cfg.Providers.AgentModel, cfg.Providers.AgentAPIKey, cfg.AgentTimeout())
	}

	invoker := opts.Invoker
	if invoker == nil {
		invoker = capability.NewRegistry(cfg.Providers.Endpoints, cfg.InvokeTimeout())
	}

	modes := cfg.Modes
	if len(modes) == 0 {
		modes = config.DefaultModes()
	}

	events := make(chan types.Event, 64)

	d := &Daemon{
		cfg:      cfg,
		memory:   memory,
		state:    state,
		queue:    queue,
		gate:     gate.New(memory, cheap, queue, cfg.RecencyWindow(), cfg.CheapTimeout(), cfg.FailOpen()),
		agent:    agent,
		interp:   interpret.New(memory, invoker, queue, cfg.InvokeTimeout()),
		events:   events,
		lastErrs:  make(map[string]string),
		attempts:  make(map[int64]int),
		inflight:  make(map[string]chan error),
		decisions: make(map[types.Tier]types.DispatchDecision),
	}

	bands := tick.Bands{
		MorningStart: cfg.Heartbeat.MorningStartHour,
		MorningEnd:   cfg.Heartbeat.MorningEndHour,
		NightStart:   cfg.Heartbeat.NightStartHour,
		NightEnd:     cfg.Heartbeat.NightEndHour,
	}
	d.scheduler = tick.New(cfg.HeartbeatInterval(), cfg.HeartbeatJitter(), bands, modes, events)

	if len(cfg.Watch.Dirs) > 0 {
		w, err := watch.New(cfg.Watch.Dirs, cfg.WatchDebounce(), events)
		if err != nil {
			logging.Boot("file watcher unavailable: %v", err)
		} else {
			d.watcher = w
		}
	}

	return d, nil
}

// LockPath returns the single-instance lock location for cfg.
func LockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Memory.StatePath), "vigil.lock")
}

// Run drives the daemon until ctx is cancelled, then shuts down within the
// configured grace period.
func (d *Daemon) Run(ctx context.Context) error {
	release, err := acquireLock(LockPath(d.cfg))
	if err != nil {
		return err
	}
	defer release()

	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()
	logging.Boot("vigil daemon up: interval=%v workers=%d queue_depth=%d",
		d.cfg.HeartbeatInterval(), d.workers(), d.queue.Depth())
	d.updateStatus("starting")

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < d.workers(); i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev := <-d.events:
					err := d.processEvent(gctx, ev)
					d.settleOutbox(ev, err)
				}
			}
		})
	}

	g.Go(func() error {
		d.scheduler.Run(gctx)
		return nil
	})

	if d.watcher != nil {
		if err := d.watcher.Start(gctx); err != nil {
			d.recordError("watch", err)
		} else {
			defer d.watcher.Stop()
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(d.cfg.DrainInterval())
		defer ticker.Stop()
		d.drainOutbox(gctx)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				d.drainOutbox(gctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				d.updateStatus("running")
			}
		}
	})

	d.updateStatus("running")

	waitErr := d.waitWithGrace(ctx, g)
	d.updateStatus("stopped")
	logging.Boot("vigil daemon down: ticks=%d escalations=%d skips=%d",
		d.scheduler.Count(), d.counter(&d.escalations), d.counter(&d.skips))
	return waitErr
}

// waitWithGrace blocks for the daemon's whole lifetime. The grace timer arms
// only once shutdown is signaled; from then on, workers get the grace period
// to finish the in-flight event and Run returns regardless.
func (d *Daemon) waitWithGrace(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	select {
	case err := <-done:
		return err
	case <-time.After(d.cfg.ShutdownGrace()):
		return fmt.Errorf("shutdown exceeded grace period %v", d.cfg.ShutdownGrace())
	}
}

// Close releases the stores. Call after Run returns.
func (d *Daemon) Close() error {
	return d.memory.Close()
}

func (d *Daemon) workers() int {
	if d.cfg.Gate.Workers > 0 {
		return d.cfg.Gate.Workers
	}
	return 1
}

// processEvent runs one event through the gate and, on escalation, through
// the agent and interpreter. The returned error feeds outbox retry policy;
// tick and watch events have no redelivery and only log it.
func (d *Daemon) processEvent(ctx context.Context, ev types.Event) error {
	decision, err := d.gate.Evaluate(ctx, ev)
	if err != nil {
		d.recordError("gate", err)
		return err
	}

	d.mu.Lock()
	d.decisions[decision.TierReached] = decision
	d.mu.Unlock()

	if decision.Verdict == types.VerdictSkip {
		d.bump(&d.skips)
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, d.cfg.AgentTimeout())
	defer cancel()

	output, err := d.agent.Invoke(actx, systemPrompt, userPrompt(ev))
	if err != nil {
		d.recordError("agent", err)
		logging.Capability("agent invocation failed for event %s: %v", ev.ID, err)
		return err
	}

	d.bump(&d.escalations)
	if err := d.memory.Store(ctx, gate.RecencyKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		d.recordError("store", err)
	}

	if output == "" {
		logging.Interpret("agent chose silence for event %s", ev.ID)
		return nil
	}

	outcomes := d.interp.Run(ctx, output)
	logging.Interpret("event %s: %s", ev.ID, interpret.Summarize(outcomes))
	for _, o := range outcomes {
		if !o.OK {
			d.recordError("interpret", fmt.Errorf("%s", o.Detail))
		}
	}
	return nil
}

// userPrompt renders the event for the agent.
func userPrompt(ev types.Event) string {
	return fmt.Sprintf("source: %s\ntime: %s\n\n%s", ev.Source, ev.Timestamp.Format(time.RFC3339), ev.Payload)
}

// outboxEventPayload is what an outbox message looks like on the intake
// channel.
type outboxEventPayload struct {
	ID      int64  `json:"id"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// drainOutbox claims pending messages in id order and feeds them through the
// intake channel one at a time, waiting for each to finish before claiming
// the next. Consumption happens only after the interpreter handoff succeeds;
// failures apply the retry policy.
func (d *Daemon) drainOutbox(ctx context.Context) {
	for {
		msg, ok, err := d.queue.ClaimNext()
		if err != nil {
			d.recordError("outbox", err)
			return
		}
		if !ok {
			return
		}

		payload, err := json.Marshal(outboxEventPayload{ID: msg.ID, Kind: msg.Kind, Payload: msg.Payload})
		if err != nil {
			d.queue.DeadLetter(msg, fmt.Sprintf("unencodable: %v", err))
			continue
		}

		ev := types.Event{
			ID:        uuid.NewString(),
			Source:    types.SourceOutbox,
			Timestamp: msg.CreatedAt,
			Payload:   string(payload),
		}

		done := make(chan error, 1)
		d.mu.Lock()
		d.inflight[ev.ID] = done
		d.mu.Unlock()

		select {
		case d.events <- ev:
		case <-ctx.Done():
			d.forgetInflight(ev.ID)
			d.queue.Release(msg)
			return
		}

		select {
		case procErr := <-done:
			d.finishMessage(msg, procErr)
		case <-ctx.Done():
			// Still claimed; restart recovery will return it to pending.
			d.forgetInflight(ev.ID)
			return
		}
	}
}

// settleOutbox reports a processed outbox event back to the waiting drainer.
// Non-outbox events have nothing to settle.
func (d *Daemon) settleOutbox(ev types.Event, err error) {
	if ev.Source != types.SourceOutbox {
		return
	}
	d.mu.Lock()
	done, ok := d.inflight[ev.ID]
	delete(d.inflight, ev.ID)
	d.mu.Unlock()
	if ok {
		done <- err
	}
}

func (d *Daemon) forgetInflight(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// finishMessage applies the outcome of one outbox delivery attempt.
func (d *Daemon) finishMessage(msg outbox.Message, procErr error) {
	if procErr == nil {
		if err := d.queue.Consume(msg); err != nil {
			d.recordError("outbox", err)
		}
		d.mu.Lock()
		delete(d.attempts, msg.ID)
		d.mu.Unlock()
		return
	}

	if types.IsMalformed(procErr) {
		d.queue.DeadLetter(msg, procErr.Error())
		return
	}

	d.mu.Lock()
	d.attempts[msg.ID]++
	attempts := d.attempts[msg.ID]
	d.mu.Unlock()

	if attempts >= d.retryAttempts() {
		d.mu.Lock()
		delete(d.attempts, msg.ID)
		d.mu.Unlock()
		if d.cfg.Outbox.EndpointErrors == "requeue" {
			logging.Outbox("message %d exhausted %d attempt(s), requeued", msg.ID, attempts)
			d.queue.Release(msg)
			return
		}
		logging.Outbox("message %d exhausted %d attempt(s), dead-lettered", msg.ID, attempts)
		d.queue.DeadLetter(msg, fmt.Sprintf("retries exhausted: %v", procErr))
		return
	}

	logging.Outbox("message %d attempt %d failed, will retry: %v", msg.ID, attempts, procErr)
	d.queue.Release(msg)
}

func (d *Daemon) retryAttempts() int {
	if d.cfg.Outbox.RetryAttempts > 0 {
		return d.cfg.Outbox.RetryAttempts
	}
	return 3
}

func (d *Daemon) recordError(component string, err error) {
	d.mu.Lock()
	d.lastErrs[component] = err.Error()
	d.mu.Unlock()
	logging.Get(logging.CategoryBoot).Error("%s: %v", component, err)
}

func (d *Daemon) bump(c *int64) {
	d.mu.Lock()
	*c++
	d.mu.Unlock()
}

func (d *Daemon) counter(c *int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *c
}
