package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"focusplay/internal/config"
	"focusplay/internal/engine"
	"focusplay/internal/event"
	"focusplay/internal/notify"
	"focusplay/internal/progress"
	"focusplay/internal/session"
	"focusplay/internal/storage"
	"focusplay/internal/stream"

	sqlitestore "focusplay/internal/storage/sqlite"
)

type Option func(*App)

// WithEngine replaces the websocket engine client.
func WithEngine(eng engine.Engine) Option {
	return func(a *App) { a.eng = eng }
}

// WithJournal replaces the sqlite journal at cfg.DatabasePath.
func WithJournal(j storage.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithSignals toggles SIGINT/SIGTERM handling (on by default).
func WithSignals(on bool) Option {
	return func(a *App) { a.signals = on }
}

type App struct {
	cfg     *config.Config
	journal storage.Journal
	eng     engine.Engine

	machine   *session.Machine
	notifier  *notify.Engine
	stream    *stream.Client
	estimator *progress.Estimator

	socketPath string
	listener   *net.UnixListener
	signals    bool

	journalChan chan event.JournalEntry

	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:         cfg,
		socketPath:  cfg.SocketPath,
		signals:     true,
		journalChan: make(chan event.JournalEntry, 256),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.journal == nil {
		a.journal = sqlitestore.NewSQLiteJournal(cfg.DatabasePath)
	}
	if err := a.journal.Init(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	if a.eng == nil {
		a.eng = engine.NewClient(cfg.Engine.URL)
	}

	a.machine = session.NewMachine(a.eng)
	a.notifier = notify.New(a.machine, a.eng,
		notify.WithCapacity(cfg.Notifications.Capacity),
		notify.WithDismissGrace(cfg.Notifications.DismissGrace()),
		notify.WithSink(a.recordNotification),
	)
	a.stream = stream.New(a.eng, a.machine, a.notifier, stream.Options{
		TargetAppID:    cfg.Stream.TargetAppID,
		BaseDelay:      cfg.Stream.ReconnectBaseDelay(),
		MaxAttempts:    cfg.Stream.MaxReconnectAttempts,
		CommandTimeout: cfg.Engine.CommandTimeout(),
		Journal:        a.enqueueJournal,
	})
	a.estimator = progress.NewEstimator(cfg.Progress.DefaultTotalSteps, cfg.Progress.StepBuffer)

	return a, nil
}

// setupSocket checks for an existing socket and creates the listener
func (a *App) setupSocket() error {
	if _, err := os.Stat(a.socketPath); err == nil {
		conn, err := net.DialTimeout("unix", a.socketPath, 1*time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("socket %s already active, another instance might be running", a.socketPath)
		}
		slog.Info("removing stale socket file", "path", a.socketPath)
		if err := os.Remove(a.socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket file %s: %w", a.socketPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("error checking socket file %s: %w", a.socketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("failed to resolve unix addr %s: %w", a.socketPath, err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", a.socketPath, err)
	}
	if err := os.Chmod(a.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set permissions on socket %s: %w", a.socketPath, err)
	}

	a.listener = listener
	slog.Info("listening for commands", "socket", a.socketPath)
	return nil
}

// Run blocks until Shutdown is called or a signal arrives.
func (a *App) Run() error {
	defer a.cleanup()

	slog.Info("starting focusplay daemon", "engine", a.cfg.Engine.URL, "target_app_id", a.cfg.Stream.TargetAppID)

	if err := a.setupSocket(); err != nil {
		return err
	}
	if a.signals {
		a.handleSignals()
	}

	a.wg.Go(a.processJournal)
	if err := a.stream.Start(a.ctx); err != nil {
		return err
	}
	a.wg.Go(a.listenForCommands)

	a.enqueueJournal(event.JournalEntry{Kind: event.EntryConnection, State: "daemon_started"})
	slog.Info("focusplay daemon running")
	<-a.ctx.Done()

	slog.Info("shutting down")
	if err := a.listener.Close(); err != nil {
		slog.Warn("error closing socket listener", "error", err)
	}
	a.stream.Close()

	waitChan := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waitChan)
	}()
	select {
	case <-waitChan:
		slog.Debug("all daemon goroutines finished")
	case <-time.After(5 * time.Second):
		slog.Warn("timeout waiting for daemon goroutines to stop")
	}
	return nil
}

// Shutdown stops a running daemon.
func (a *App) Shutdown() { a.cancel() }

func (a *App) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, initiating shutdown", "signal", sig.String())
			a.cancel()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// enqueueJournal hands an entry to the journal writer without blocking the caller.
func (a *App) enqueueJournal(e event.JournalEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case a.journalChan <- e:
	default:
		slog.Warn("journal queue full, dropping entry", "kind", e.Kind)
	}
}

func (a *App) recordNotification(r notify.Record) {
	a.enqueueJournal(event.JournalEntry{
		Timestamp: r.Timestamp,
		Kind:      event.EntryNotification,
		AppID:     r.AppID,
		State:     string(r.Kind),
		Title:     r.Title,
		Message:   r.Message,
	})
}

func (a *App) processJournal() {
	defer slog.Debug("journal writer stopped")
	for {
		select {
		case <-a.ctx.Done():
			a.drainJournal()
			return
		case e := <-a.journalChan:
			a.saveEntry(a.ctx, e)
		}
	}
}

func (a *App) drainJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-a.journalChan:
			a.saveEntry(ctx, e)
		default:
			return
		}
	}
}

func (a *App) saveEntry(ctx context.Context, e event.JournalEntry) {
	if _, err := a.journal.SaveEntry(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("failed to save journal entry", "kind", e.Kind, "error", err)
	}
}

func (a *App) cleanup() {
	a.cancel()

	saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.saveEntry(saveCtx, event.JournalEntry{Timestamp: time.Now(), Kind: event.EntryConnection, State: "daemon_stopped"})

	var err error
	if c, ok := a.eng.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	err = multierr.Append(err, a.journal.Close())
	if _, statErr := os.Stat(a.socketPath); statErr == nil && a.listener != nil {
		err = multierr.Append(err, os.Remove(a.socketPath))
	}
	if err != nil {
		slog.Warn("cleanup incomplete", "error", err)
	}
	slog.Info("focusplay daemon stopped")
}
