package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/types"
)

type fakeStore struct {
	values map[string]string
}

func (f *fakeStore) Fetch(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", types.ErrNotFound
	}
	return v, nil
}

type fakeCheap struct {
	reply string
	err   error
	calls int
}

func (f *fakeCheap) Complete(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func tickEvent() types.Event {
	return types.Event{
		ID:        "ev-1",
		Source:    types.SourceTick,
		Timestamp: time.Now(),
		Payload:   `{"tick":1,"mode":"reflection","prompt":"reflect on the day"}`,
	}
}

func TestEmptyPayloadSkipsAtExistence(t *testing.T) {
	cheap := &fakeCheap{reply: "YES"}
	g := New(&fakeStore{}, cheap, nil, 15*time.Minute, time.Second, true)

	ev := tickEvent()
	ev.Payload = ""
	d, err := g.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, types.TierExistence, d.TierReached)
	assert.Equal(t, types.VerdictSkip, d.Verdict)
	assert.Zero(t, cheap.calls, "skip must stop the pipeline before costlier tiers")
}

type fakeWork struct{ depth int }

func (f *fakeWork) Depth() int { return f.depth }

func TestContextlessTickSkipsAtExistence(t *testing.T) {
	cheap := &fakeCheap{reply: "YES"}
	g := New(&fakeStore{}, cheap, &fakeWork{depth: 0}, 15*time.Minute, time.Second, true)

	ev := tickEvent()
	ev.Payload = `{"tick":4,"mode":"dead","prompt":""}`
	d, err := g.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, types.TierExistence, d.TierReached)
	assert.Equal(t, types.VerdictSkip, d.Verdict)
	assert.Zero(t, cheap.calls)
}

func TestPendingWorkSatisfiesExistence(t *testing.T) {
	cheap := &fakeCheap{reply: "YES"}
	g := New(&fakeStore{}, cheap, &fakeWork{depth: 2}, 15*time.Minute, time.Second, true)

	ev := tickEvent()
	ev.Payload = `{"tick":4,"mode":"dead","prompt":""}`
	d, err := g.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, types.VerdictEscalate, d.Verdict)
	assert.Equal(t, types.TierEscalate, d.TierReached)
}

func TestRecentAgentRunSkipsAtRecency(t *testing.T) {
	st := &fakeStore{values: map[string]string{
		RecencyKey: time.Now().Add(-2 * time.Minute).Format(time.RFC3339),
	}}
	cheap := &fakeCheap{reply: "YES"}
	g := New(st, cheap, nil, 15*time.Minute, time.Second, true)

	d, err := g.Evaluate(context.Background(), tickEvent())
	require.NoError(t, err)

	assert.Equal(t, types.TierRecency, d.TierReached)
	assert.Equal(t, types.VerdictSkip, d.Verdict)
	assert.Zero(t, cheap.calls)
}

func TestStaleRunClimbsToCheapModel(t *testing.T) {
	st := &fakeStore{values: map[string]string{
		RecencyKey: time.Now().Add(-time.Hour).Format(time.RFC3339),
	}}
	cheap := &fakeCheap{reply: "YES, worth a look"}
	g := New(st, cheap, nil, 15*time.Minute, time.Second, true)

	d, err := g.Evaluate(context.Background(), tickEvent())
	require.NoError(t, err)

	assert.Equal(t, types.TierEscalate, d.TierReached)
	assert.Equal(t, types.VerdictEscalate, d.Verdict)
	assert.Equal(t, 1, cheap.calls)
}

func TestCheapModelNoSkips(t *testing.T) {
	cheap := &fakeCheap{reply: "No, nothing interesting here."}
	g := New(&fakeStore{}, cheap, nil, 15*time.Minute, time.Second, true)

	d, err := g.Evaluate(context.Background(), tickEvent())
	require.NoError(t, err)

	assert.Equal(t, types.TierCheap, d.TierReached)
	assert.Equal(t, types.VerdictSkip, d.Verdict)
}

func TestCheapModelDownFailOpen(t *testing.T) {
	cheap := &fakeCheap{err: &types.TransientProviderError{Kind: "cheap-model", Err: errors.New("refused")}}
	g := New(&fakeStore{}, cheap, nil, 15*time.Minute, time.Second, true)

	d, err := g.Evaluate(context.Background(), tickEvent())
	require.NoError(t, err)

	assert.Equal(t, types.VerdictEscalate, d.Verdict)
	assert.Contains(t, d.Rationale, "all tiers passed")
}

func TestCheapModelDownFailClosed(t *testing.T) {
	cheap := &fakeCheap{err: &types.TransientProviderError{Kind: "cheap-model", Err: errors.New("refused")}}
	g := New(&fakeStore{}, cheap, nil, 15*time.Minute, time.Second, false)

	d, err := g.Evaluate(context.Background(), tickEvent())
	require.NoError(t, err)

	assert.Equal(t, types.TierCheap, d.TierReached)
	assert.Equal(t, types.VerdictSkip, d.Verdict)
	assert.Contains(t, d.Rationale, "fail-closed")
}

func TestGarbledRecencyRecordCountsAsNever(t *testing.T) {
	st := &fakeStore{values: map[string]string{RecencyKey: "not a timestamp"}}
	cheap := &fakeCheap{reply: "yes"}
	g := New(st, cheap, nil, 15*time.Minute, time.Second, true)

	d, err := g.Evaluate(context.Background(), tickEvent())
	require.NoError(t, err)
	assert.Equal(t, types.VerdictEscalate, d.Verdict)
}

func TestOutboxEventsBypassMiddleTiers(t *testing.T) {
	st := &fakeStore{values: map[string]string{
		RecencyKey: time.Now().Format(time.RFC3339), // would skip a tick
	}}
	cheap := &fakeCheap{reply: "NO"}
	g := New(st, cheap, nil, 15*time.Minute, time.Second, true)

	ev := tickEvent()
	ev.Source = types.SourceOutbox
	ev.Payload = `{"kind":"speak","text":"hello"}`

	d, err := g.Evaluate(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, types.TierEscalate, d.TierReached)
	assert.Equal(t, types.VerdictEscalate, d.Verdict)
	assert.Zero(t, cheap.calls)
}

func TestDecisionTiersNeverMoveBackwards(t *testing.T) {
	d := types.DispatchDecision{EventID: "x"}
	require.NoError(t, d.Advance(types.TierExistence, types.VerdictEscalate, "ok"))
	require.NoError(t, d.Advance(types.TierRecency, types.VerdictEscalate, "ok"))
	assert.Error(t, d.Advance(types.TierRecency, types.VerdictSkip, "again"))
	assert.Error(t, d.Advance(types.TierExistence, types.VerdictSkip, "back"))
}
