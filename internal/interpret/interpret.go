// Package interpret parses the agent's directive output and executes each
// directive against the daemon's capabilities. The format is line-oriented:
//
//	VERB: payload
//	VERB: field | field
//
// One bad line never poisons its siblings; it is reported as malformed and
// the rest of the block still runs.
package interpret

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vigil/internal/capability"
	"vigil/internal/logging"
	"vigil/internal/outbox"
	"vigil/internal/types"
)

// Verb is a directive keyword. The set is closed; anything else is
// quarantined as malformed.
type Verb string

const (
	VerbSpeak    Verb = "SPEAK"    // speech endpoint
	VerbNote     Verb = "NOTE"     // append a vault note
	VerbRemember Verb = "REMEMBER" // durable key/value memory
	VerbPlay     Verb = "PLAY"     // music endpoint
	VerbPost     Verb = "POST"     // blog endpoint
	VerbSpawn    Verb = "SPAWN"    // enqueue a follow-up outbox message
)

// fieldSep separates multi-field payloads.
const fieldSep = " | "

// Action is one parsed directive.
type Action struct {
	Verb   Verb
	Fields []string
	Raw    string
}

// Outcome records what happened when an action ran.
type Outcome struct {
	Action  Action
	OK      bool
	Detail  string
	Elapsed time.Duration
}

// Memory is the durable-store surface the interpreter writes through.
// *store.MemoryStore satisfies it.
type Memory interface {
	Store(ctx context.Context, key, value string) error
	AppendNote(ctx context.Context, title, body string) error
}

// Invoker delivers webhook actions. *capability.Registry satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, kind string, payload map[string]interface{}) (capability.Result, error)
}

// Enqueuer accepts spawned follow-up messages. *outbox.Queue satisfies it.
type Enqueuer interface {
	Enqueue(kind, payload string) (outbox.Message, error)
}

// Interpreter executes parsed directives.
type Interpreter struct {
	memory  Memory
	invoker Invoker
	queue   Enqueuer
	timeout time.Duration
}

// New creates an Interpreter. timeout bounds each individual action.
func New(memory Memory, invoker Invoker, queue Enqueuer, timeout time.Duration) *Interpreter {
	return &Interpreter{memory: memory, invoker: invoker, queue: queue, timeout: timeout}
}

// Parse splits the agent's output into actions. Blank lines are ignored.
// Every unparseable line yields its own MalformedMessageError; parsing never
// stops early.
func Parse(output string) ([]Action, []error) {
	var actions []Action
	var errs []error

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		action, err := parseLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		actions = append(actions, action)
	}
	return actions, errs
}

func parseLine(line string) (Action, error) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return Action{}, &types.MalformedMessageError{Source: line, Reason: "no verb separator"}
	}

	verb := Verb(strings.TrimSpace(line[:idx]))
	payload := strings.TrimSpace(line[idx+1:])

	switch verb {
	case VerbSpeak, VerbNote, VerbRemember, VerbPlay, VerbPost, VerbSpawn:
	default:
		return Action{}, &types.MalformedMessageError{Source: line, Reason: fmt.Sprintf("unknown verb %q", verb)}
	}
	if payload == "" {
		return Action{}, &types.MalformedMessageError{Source: line, Reason: "empty payload"}
	}

	fields := strings.Split(payload, fieldSep)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	switch verb {
	case VerbNote, VerbRemember, VerbSpawn:
		if len(fields) < 2 {
			return Action{}, &types.MalformedMessageError{
				Source: line,
				Reason: fmt.Sprintf("%s needs two fields separated by %q", verb, fieldSep),
			}
		}
	}

	return Action{Verb: verb, Fields: fields, Raw: line}, nil
}

// Run parses output and executes every well-formed action in order. Parse
// errors and execution failures are both reported in the outcomes; Run only
// returns an error when output produced nothing usable at all.
func (it *Interpreter) Run(ctx context.Context, output string) []Outcome {
	actions, parseErrs := Parse(output)

	outcomes := make([]Outcome, 0, len(actions)+len(parseErrs))
	for _, perr := range parseErrs {
		logging.Interpret("quarantined directive: %v", perr)
		outcomes = append(outcomes, Outcome{OK: false, Detail: perr.Error()})
	}

	for _, action := range actions {
		outcomes = append(outcomes, it.execute(ctx, action))
	}
	return outcomes
}

func (it *Interpreter) execute(ctx context.Context, action Action) Outcome {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, it.timeout)
	defer cancel()

	var err error
	var detail string

	switch action.Verb {
	case VerbSpeak:
		_, err = it.invoker.Invoke(actx, "speech", map[string]interface{}{"text": action.Fields[0]})
		detail = "spoke"
	case VerbPlay:
		_, err = it.invoker.Invoke(actx, "music", map[string]interface{}{"query": action.Fields[0]})
		detail = "played"
	case VerbPost:
		payload := map[string]interface{}{"title": action.Fields[0]}
		if len(action.Fields) > 1 {
			payload["body"] = action.Fields[1]
		}
		_, err = it.invoker.Invoke(actx, "blog", payload)
		detail = "posted"
	case VerbNote:
		err = it.memory.AppendNote(actx, action.Fields[0], action.Fields[1])
		detail = "noted " + action.Fields[0]
	case VerbRemember:
		err = it.memory.Store(actx, action.Fields[0], action.Fields[1])
		detail = "remembered " + action.Fields[0]
	case VerbSpawn:
		var msg outbox.Message
		msg, err = it.queue.Enqueue(action.Fields[0], action.Fields[1])
		detail = fmt.Sprintf("spawned message %d", msg.ID)
	}

	elapsed := time.Since(start)
	if err != nil {
		logging.Interpret("%s failed after %v: %v", action.Verb, elapsed.Round(time.Millisecond), err)
		return Outcome{Action: action, OK: false, Detail: err.Error(), Elapsed: elapsed}
	}

	logging.Interpret("%s ok in %v", action.Verb, elapsed.Round(time.Millisecond))
	return Outcome{Action: action, OK: true, Detail: detail, Elapsed: elapsed}
}

// Summarize renders outcomes as one log-friendly line.
func Summarize(outcomes []Outcome) string {
	ok, failed := 0, 0
	for _, o := range outcomes {
		if o.OK {
			ok++
		} else {
			failed++
		}
	}
	return fmt.Sprintf("%d action(s): %d ok, %d failed", len(outcomes), ok, failed)
}
