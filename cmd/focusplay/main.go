package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sevlyar/go-daemon"

	"focusplay/internal/app"
	"focusplay/internal/config"
)

var (
	configPath = flag.String("c", "", "Path to configuration file (e.g., config.yaml). Defaults to ./config.yaml, ~/.config/focusplay/config.yaml, /etc/focusplay/config.yaml")
	logPath    = flag.String("log", "", "Path to log file (optional, defaults to stderr)")
	daemonize  = flag.Bool("d", false, "Run in the background (requires -log)")
	pidPath    = flag.String("pid", "/tmp/focusplay.pid", "PID file used in daemon mode")
)

// setupLogging opens the log destination and installs the default slog handler.
func setupLogging(logFilePath string, level *slog.LevelVar) (*os.File, error) {
	var out io.Writer = os.Stderr
	var file *os.File

	if logFilePath != "" {
		dir := filepath.Dir(logFilePath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
		f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
		}
		out, file = f, f
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return file, nil
}

func main() {
	flag.Parse()

	if *daemonize {
		if *logPath == "" {
			fmt.Fprintln(os.Stderr, "daemon mode needs -log")
			os.Exit(2)
		}
		dctx := &daemon.Context{
			PidFileName: *pidPath,
			PidFilePerm: 0644,
			LogFileName: *logPath,
			LogFilePerm: 0640,
			Umask:       027,
		}
		child, err := dctx.Reborn()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to daemonize: %v\n", err)
			os.Exit(1)
		}
		if child != nil {
			fmt.Printf("focusplay started in background (pid %d)\n", child.Pid)
			return
		}
		defer dctx.Release()
	}

	level := new(slog.LevelVar)
	logFile, logErr := setupLogging(*logPath, level)
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "Error setting up file logging: %v. Logging to stderr instead.\n", logErr)
		setupLogging("", level)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	loader := config.NewLoader(nil)
	cfg, err := loader.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if l, ok := config.ParseLevel(cfg.LogLevel); ok {
		level.Set(l)
	}
	loader.Watch(func(c *config.Config) {
		if l, ok := config.ParseLevel(c.LogLevel); ok && l != level.Level() {
			slog.Info("log level changed", "level", l)
			level.Set(l)
		}
	})

	application, err := app.NewApp(cfg)
	if err != nil {
		slog.Error("failed to create application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("application exited with error", "error", err)
		os.Exit(1)
	}
}
