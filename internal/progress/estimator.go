// Package progress derives elapsed, paused and remaining time from the
// active session. Nothing here writes session state.
package progress

import (
	"math"
	"sync"
	"time"

	"focusplay/internal/event"
)

const (
	DefaultTotalSteps = 100
	DefaultStepBuffer = 20
)

// Progress is a point-in-time view of a session.
type Progress struct {
	SessionID      string        `json:"session_id"`
	Elapsed        time.Duration `json:"elapsed"`
	PausedFor      time.Duration `json:"paused_for"` // zero unless paused
	TotalPaused    time.Duration `json:"total_paused"`
	CurrentStep    int           `json:"current_step"`
	EstimatedTotal int           `json:"estimated_total_steps"`
	Percent        float64       `json:"percent"`
	// Remaining is only meaningful when RemainingKnown is true.
	Remaining      time.Duration `json:"remaining"`
	RemainingKnown bool          `json:"remaining_known"`
}

// Estimator keeps the step-total heuristic between queries. The total is not
// known in advance: it starts at a default and is bumped to step+buffer
// whenever the session outruns it.
type Estimator struct {
	defaultTotal int
	buffer       int
	now          func() time.Time

	mu        sync.Mutex
	sessionID string
	total     int
}

func NewEstimator(defaultTotal, buffer int) *Estimator {
	if defaultTotal <= 0 {
		defaultTotal = DefaultTotalSteps
	}
	if buffer <= 0 {
		buffer = DefaultStepBuffer
	}
	return &Estimator{defaultTotal: defaultTotal, buffer: buffer, now: time.Now}
}

// Estimate computes progress for s at the current time. ok is false without a session.
func (e *Estimator) Estimate(s *event.PlaybackSession) (p Progress, ok bool) {
	if s == nil {
		return Progress{}, false
	}
	return e.EstimateAt(s, e.now()), true
}

// EstimateAt computes progress for s as of now.
func (e *Estimator) EstimateAt(s *event.PlaybackSession, now time.Time) Progress {
	total := e.totalFor(s)

	p := Progress{
		SessionID:      s.ID,
		CurrentStep:    s.CurrentStep,
		EstimatedTotal: total,
		TotalPaused:    s.PauseTotal(),
	}
	if !s.StartedAt.IsZero() && now.After(s.StartedAt) {
		p.Elapsed = now.Sub(s.StartedAt)
	}
	if s.State == event.StatePaused && s.PausedAt != nil && now.After(*s.PausedAt) {
		p.PausedFor = now.Sub(*s.PausedAt)
	}

	p.Percent = math.Min(float64(s.CurrentStep)/float64(total)*100, 100)
	if s.State == event.StateCompleted {
		p.Percent = 100
	}

	p.Remaining, p.RemainingKnown = remaining(total, s.CurrentStep, p.Elapsed)
	return p
}

func (e *Estimator) totalFor(s *event.PlaybackSession) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.ID != e.sessionID {
		e.sessionID = s.ID
		e.total = e.defaultTotal
	}
	if s.CurrentStep > e.total {
		e.total = s.CurrentStep + e.buffer
	}
	return e.total
}

// remaining extrapolates the observed step rate over the steps left.
func remaining(total, step int, elapsed time.Duration) (time.Duration, bool) {
	if elapsed <= 0 {
		return 0, false
	}
	rate := float64(step) / elapsed.Seconds()
	secs := float64(total-step) / rate
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate == 0 || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
