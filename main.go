package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mcpguard/mcpguard/internal/cli"
	"github.com/mcpguard/mcpguard/internal/config"
	"github.com/mcpguard/mcpguard/internal/daemon"
	"github.com/mcpguard/mcpguard/internal/eventbus"
	"github.com/mcpguard/mcpguard/internal/gate"
	"github.com/mcpguard/mcpguard/internal/router"
	"github.com/mcpguard/mcpguard/internal/store"
)

var version = "dev"

func main() {
	// Check for subcommands before flag parsing
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			// Foreground server mode, what the toggle spawns in the background.
			runServe(os.Args[2:])
			return
		case "status":
			if err := runStatus(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		case "version":
			fmt.Fprintf(os.Stderr, "mcpguard %s\n", version)
			return
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}

	// Toggle mode: parse flags
	toggleFlags := flag.NewFlagSet("mcpguard", flag.ExitOnError)
	configPath := toggleFlags.String("config", "", "path to config file (JSON or YAML)")
	debug := toggleFlags.Bool("debug", false, "run the proxy in the foreground instead of toggling")
	logLevel := toggleFlags.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := toggleFlags.Bool("version", false, "print version and exit")
	toggleFlags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Fprintf(os.Stderr, "mcpguard %s\n", version)
		os.Exit(0)
	}

	if *debug {
		if err := runServer(*configPath, *logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runToggle(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runToggle flips the background proxy: stop it when it is running,
// start it when it is not.
func runToggle(configPath string) error {
	out := cli.NewPrinter(os.Stdout)

	stateDir, err := daemon.DefaultStateDir()
	if err != nil {
		return err
	}
	ctrl := daemon.New(stateDir)

	state, err := ctrl.Status(context.Background())
	if err != nil {
		return err
	}

	if state.Running {
		if err := ctrl.Stop(); err != nil {
			return err
		}
		out.Warn("mcpguard is off")
		return nil
	}

	path, err := config.Find(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	rec, err := ctrl.Start(path, cfg.Port)
	if err != nil {
		return err
	}
	out.Success("mcpguard is on (port %d, pid %d)", rec.Port, rec.PID)
	for _, name := range cfg.GateNames() {
		out.Info("  http://127.0.0.1:%d/%s -> %s", cfg.Port, name, cfg.Servers[name].URL)
	}
	out.Info("logs: %s", ctrl.LogPath())
	return nil
}

// runStatus reports whether the background proxy is up.
func runStatus() error {
	out := cli.NewPrinter(os.Stdout)

	stateDir, err := daemon.DefaultStateDir()
	if err != nil {
		return err
	}
	state, err := daemon.New(stateDir).Status(context.Background())
	if err != nil {
		return err
	}
	if state.Running {
		out.Success("mcpguard is on (port %d, pid %d)", state.Record.Port, state.Record.PID)
	} else {
		out.Warn("mcpguard is off")
	}
	return nil
}

// runServe is the hidden foreground mode the toggle spawns.
func runServe(args []string) {
	serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := serveFlags.String("config", "", "path to config file (JSON or YAML)")
	logLevel := serveFlags.String("log-level", "info", "log level (debug, info, warn, error)")
	serveFlags.Parse(args)

	if err := runServer(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(configPath, logLevel string) error {
	level := parseLogLevel(logLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	path, err := config.Find(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", path, "gates", len(cfg.Servers))

	// First signal shuts down gracefully, a second one exits immediately.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go watchSignals(sigCh, cancel, os.Exit)

	sqliteStore, err := store.NewSQLiteStore(defaultDBPath(), logger)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer sqliteStore.Close()

	eb := eventbus.New(256)
	registry := gate.NewRegistry(logger)

	srv := router.New(cfg, registry, sqliteStore, eb, logger)
	return srv.Run(ctx)
}

// watchSignals cancels the server context on the first signal and exits the
// process on the second, skipping the graceful teardown.
func watchSignals(sig <-chan os.Signal, cancel context.CancelFunc, exit func(int)) {
	if _, ok := <-sig; !ok {
		return
	}
	cancel()
	if _, ok := <-sig; ok {
		fmt.Fprintln(os.Stderr, "forced shutdown")
		exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "mcpguard — gating proxy for MCP servers")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  mcpguard [options]        Toggle the background proxy on or off")
	fmt.Fprintln(os.Stderr, "  mcpguard status           Report whether the proxy is running")
	fmt.Fprintln(os.Stderr, "  mcpguard version          Print version")
	fmt.Fprintln(os.Stderr, "  mcpguard help             Show this help")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprintln(os.Stderr, "  -config string            Path to config file (JSON or YAML)")
	fmt.Fprintln(os.Stderr, "  -debug                    Run the proxy in the foreground")
	fmt.Fprintln(os.Stderr, "  -log-level string         Log level: debug, info, warn, error (default \"info\")")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Config search order (when -config is not given):")
	fmt.Fprintln(os.Stderr, "  ./mcpguard.{json,yaml,yml}")
	fmt.Fprintln(os.Stderr, "  ~/.mcpguard/config.{json,yaml,yml}")
	fmt.Fprintln(os.Stderr, "  ~/.config/mcpguard/config.{json,yaml,yml}")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  mcpguard                  Turn the guard on (or off, if running)")
	fmt.Fprintln(os.Stderr, "  mcpguard -config ./mcpguard.yaml")
	fmt.Fprintln(os.Stderr, "  mcpguard -debug -log-level debug")
}

func defaultDBPath() string {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".mcpguard")
	os.MkdirAll(dir, 0755)
	return filepath.Join(dir, "mcpguard.db")
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
