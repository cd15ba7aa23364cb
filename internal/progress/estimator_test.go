package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusplay/internal/event"
)

var t0 = time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

func TestEstimateScenario(t *testing.T) {
	e := NewEstimator(100, 20)
	s := &event.PlaybackSession{ID: "a", State: event.StateRunning, CurrentStep: 25, StartedAt: t0}

	p := e.EstimateAt(s, t0.Add(60*time.Second))
	assert.Equal(t, 60*time.Second, p.Elapsed)
	assert.InDelta(t, 25.0, p.Percent, 0.0001)
	assert.Equal(t, 100, p.EstimatedTotal)
	require.True(t, p.RemainingKnown)
	// 75 steps left at 25 steps/min
	assert.Equal(t, 180*time.Second, p.Remaining)
	assert.Zero(t, p.PausedFor)
}

func TestEstimateBumpsTotal(t *testing.T) {
	e := NewEstimator(100, 20)
	s := &event.PlaybackSession{ID: "a", State: event.StateRunning, CurrentStep: 120, StartedAt: t0}

	p := e.EstimateAt(s, t0.Add(time.Minute))
	assert.Equal(t, 140, p.EstimatedTotal)
	assert.LessOrEqual(t, p.Percent, 100.0)

	// estimate sticks until outrun again
	s.CurrentStep = 130
	p = e.EstimateAt(s, t0.Add(2*time.Minute))
	assert.Equal(t, 140, p.EstimatedTotal)

	// a new session starts from the default
	p = e.EstimateAt(&event.PlaybackSession{ID: "b", CurrentStep: 5, StartedAt: t0}, t0.Add(time.Minute))
	assert.Equal(t, 100, p.EstimatedTotal)
}

func TestRemainingUnknown(t *testing.T) {
	e := NewEstimator(0, 0)
	tests := []struct {
		name string
		step int
		at   time.Time
	}{
		{"zero elapsed", 10, t0},
		{"no steps yet", 0, t0.Add(time.Minute)},
		{"clock behind start", 10, t0.Add(-time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := e.EstimateAt(&event.PlaybackSession{ID: "x", CurrentStep: tt.step, StartedAt: t0}, tt.at)
			assert.False(t, p.RemainingKnown)
		})
	}
}

func TestPausedFor(t *testing.T) {
	e := NewEstimator(100, 20)
	pausedAt := t0.Add(30 * time.Second)
	s := &event.PlaybackSession{ID: "a", State: event.StatePaused, CurrentStep: 10, StartedAt: t0, PausedAt: &pausedAt, TotalPauseDuration: 12.5}

	p := e.EstimateAt(s, t0.Add(45*time.Second))
	assert.Equal(t, 15*time.Second, p.PausedFor)
	assert.Equal(t, 12500*time.Millisecond, p.TotalPaused)
}

func TestEstimateWithoutSession(t *testing.T) {
	_, ok := NewEstimator(100, 20).Estimate(nil)
	assert.False(t, ok)
}
