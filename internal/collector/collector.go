// Package collector samples which desktop window holds input focus.
package collector

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Window identifies the focused top-level window.
type Window struct {
	AppName string `json:"app_name"` // WM_CLASS class
	Title   string `json:"title"`
	PID     int    `json:"pid,omitempty"`
}

// Matches reports whether w belongs to the application appID.
func (w Window) Matches(appID string) bool {
	return appID != "" && strings.EqualFold(w.AppName, appID)
}

// Probe defines the interface for focus probes
type Probe interface {
	// Start emits on output whenever the focused window changes. It blocks
	// until ctx is done or Stop is called.
	Start(ctx context.Context, interval time.Duration, output chan<- Window) error
	Stop() error
	CurrentFocus() (Window, error)
	// Activate raises a window of appID.
	Activate(appID string) error
}

// Static is a Probe whose focus is set by hand. The engine simulator uses it
// when no display is available.
type Static struct {
	mu      sync.Mutex
	current Window
	changes chan Window

	stopOnce sync.Once
	stopChan chan struct{}
}

var _ Probe = (*Static)(nil)

func NewStatic(initial Window) *Static {
	return &Static{
		current:  initial,
		changes:  make(chan Window, 16),
		stopChan: make(chan struct{}),
	}
}

// Set changes the focused window.
func (s *Static) Set(w Window) {
	s.mu.Lock()
	if s.current == w {
		s.mu.Unlock()
		return
	}
	s.current = w
	s.mu.Unlock()

	select {
	case s.changes <- w:
	default:
		// reader is behind; it will pick up current on its next read
	}
}

func (s *Static) Start(ctx context.Context, _ time.Duration, output chan<- Window) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopChan:
			return nil
		case w := <-s.changes:
			select {
			case output <- w:
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopChan:
				return nil
			}
		}
	}
}

func (s *Static) Stop() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	return nil
}

func (s *Static) CurrentFocus() (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *Static) Activate(appID string) error {
	s.Set(Window{AppName: appID, Title: appID})
	return nil
}

// Truncate shortens s to maxLen, preferring a word boundary.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	if idx := strings.LastIndex(s[:maxLen-3], " "); idx > maxLen/2 {
		return s[:idx] + "..."
	}
	return s[:maxLen-3] + "..."
}
