package tick

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/types"
)

func testModes() []types.Mode {
	return []types.Mode{
		{Name: "reflection", Prompt: "reflect", WeightMorning: 1, WeightNight: 3, WeightDefault: 2},
		{Name: "practical", Prompt: "plan", WeightMorning: 3, WeightNight: 0, WeightDefault: 2},
		{Name: "ambient", Prompt: "observe", WeightMorning: 0, WeightNight: 1, WeightDefault: 1},
	}
}

func at(hour int) time.Time {
	return time.Date(2026, 3, 14, hour, 30, 0, 0, time.Local)
}

func TestCurrentBand(t *testing.T) {
	s := New(time.Minute, 0, DefaultBands(), testModes(), nil)

	cases := []struct {
		hour int
		want Band
	}{
		{2, BandNight},
		{5, BandNight},
		{6, BandMorning},
		{11, BandMorning},
		{12, BandDefault},
		{17, BandDefault},
		{21, BandDefault},
		{22, BandNight},
		{23, BandNight},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.CurrentBand(at(tc.hour)), "hour %d", tc.hour)
	}
}

func TestSelectModeRespectsBandWeights(t *testing.T) {
	s := New(time.Minute, 0, DefaultBands(), testModes(), nil)
	s.seed(42)

	// At night "practical" has zero weight and must never be drawn.
	for i := 0; i < 500; i++ {
		m, ok := s.SelectMode(at(23))
		require.True(t, ok)
		assert.NotEqual(t, "practical", m.Name)
	}
}

func TestSelectModeConvergesToWeights(t *testing.T) {
	s := New(time.Minute, 0, DefaultBands(), testModes(), nil)
	s.seed(7)

	const draws = 20000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		m, ok := s.SelectMode(at(8)) // morning: 1, 3, 0
		require.True(t, ok)
		counts[m.Name]++
	}

	assert.Zero(t, counts["ambient"])
	gotReflection := float64(counts["reflection"]) / draws
	gotPractical := float64(counts["practical"]) / draws
	assert.InDelta(t, 0.25, gotReflection, 0.02)
	assert.InDelta(t, 0.75, gotPractical, 0.02)
	assert.True(t, math.Abs(gotReflection+gotPractical-1) < 1e-9)
}

func TestSelectModeZeroBandFallsBackUniform(t *testing.T) {
	modes := []types.Mode{
		{Name: "a", WeightMorning: 0, WeightNight: 1, WeightDefault: 0},
		{Name: "b", WeightMorning: 0, WeightNight: 2, WeightDefault: 0},
	}
	s := New(time.Minute, 0, DefaultBands(), modes, nil)
	s.seed(1)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		m, ok := s.SelectMode(at(8))
		require.True(t, ok)
		seen[m.Name] = true
	}
	assert.True(t, seen["a"] && seen["b"])
}

func TestSelectModeNoSelectableModes(t *testing.T) {
	s := New(time.Minute, 0, DefaultBands(), []types.Mode{{Name: "dead"}}, nil)
	_, ok := s.SelectMode(at(8))
	assert.False(t, ok)
}

func TestRunEmitsTickEvents(t *testing.T) {
	events := make(chan types.Event, 4)
	s := New(20*time.Millisecond, 0, DefaultBands(), testModes(), events)
	s.seed(3)
	s.setClock(func() time.Time { return at(8) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	var ev types.Event
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick event emitted")
	}

	assert.Equal(t, types.SourceTick, ev.Source)
	assert.NotEmpty(t, ev.ID)

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(ev.Payload), &p))
	assert.Equal(t, int64(1), p.Tick)
	assert.NotEmpty(t, p.Mode)
	assert.NotEmpty(t, p.Prompt)
	assert.Equal(t, string(BandMorning), p.Band)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, s.Count(), int64(1))
}
