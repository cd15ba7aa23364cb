// Command focusplay-engine runs the playback simulator behind the engine
// websocket protocol so the daemon has something to drive.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"focusplay/internal/collector"
	"focusplay/internal/collector/x11"
	"focusplay/internal/config"
	"focusplay/internal/enginesim"
)

var (
	configPath string
	listenAddr string
	useX11     bool
	focusApp   string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "focusplay-engine",
	Short: "Simulated automation engine for focusplay",
	Long: `Serves the automation engine protocol on a websocket. Sessions advance one
step per interval. Focus comes from the X11 active window with --x11,
otherwise from a fixed window; send SIGUSR1 to toggle that window between
--focus and the desktop.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from config)")
	rootCmd.Flags().BoolVar(&useX11, "x11", false, "Track the real X11 focus")
	rootCmd.Flags().StringVar(&focusApp, "focus", "", "Application focused at start when not using X11")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Debug logging")
}

func newProbe(cfg *config.Config) (collector.Probe, *collector.Static, error) {
	if useX11 || cfg.Simulator.UseX11 {
		p, err := x11.NewProbe()
		if err != nil {
			return nil, nil, fmt.Errorf("x11 probe: %w", err)
		}
		return p, nil, nil
	}
	s := collector.NewStatic(collector.Window{AppName: focusApp, Title: focusApp})
	return s, s, nil
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if listenAddr == "" {
		listenAddr = cfg.Simulator.Listen
	}

	probe, static, err := newProbe(cfg)
	if err != nil {
		return err
	}

	server, player := enginesim.New(enginesim.Config{
		StepInterval: cfg.Simulator.StepInterval(),
		TotalSteps:   cfg.Simulator.TotalSteps,
	}, probe)
	player.Start()
	defer player.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, listenAddr) })
	if static != nil {
		g.Go(func() error {
			toggleFocus(gctx, static)
			return nil
		})
	}
	return g.Wait()
}

// toggleFocus flips the fixed window on SIGUSR1.
func toggleFocus(ctx context.Context, s *collector.Static) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	focused := focusApp != ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			focused = !focused
			w := collector.Window{AppName: "desktop", Title: "Desktop"}
			if focused {
				w = collector.Window{AppName: focusApp, Title: focusApp}
			}
			slog.Info("focus switched", "app", w.AppName)
			s.Set(w)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
