// WebPilot drives a web browser from natural-language tasks.
//
// A language model turns each task into TOOL_CALL directives; WebPilot
// runs them against a browser worker process (webpilot-worker) over a
// line-delimited JSON-RPC session and reports the results. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	webpilot serve              Start the HTTP API server
//	webpilot init [dir]         Write a default config.yaml
//	webpilot ask <task>         Run a single task and print the result
//	webpilot tools              List the worker's tools
//	webpilot version            Print version and build information
//	webpilot -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/webpilot/internal/api"
	"github.com/nugget/webpilot/internal/audit"
	"github.com/nugget/webpilot/internal/automation"
	"github.com/nugget/webpilot/internal/buildinfo"
	"github.com/nugget/webpilot/internal/config"
	"github.com/nugget/webpilot/internal/events"
	"github.com/nugget/webpilot/internal/executor"
	"github.com/nugget/webpilot/internal/health"
	"github.com/nugget/webpilot/internal/llm"
	"github.com/nugget/webpilot/internal/mcp"
	"github.com/nugget/webpilot/internal/mqtt"
	"github.com/nugget/webpilot/internal/usage"
)

// shutdownTimeout bounds the HTTP drain on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	automation.ReportLeaks(slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// env carries the process-level dependencies that tests replace.
type env struct {
	stdout io.Writer
	stderr io.Writer
	spawn  mcp.Spawner
}

// run is the real entry point for the webpilot command. Structured logs
// from serve go to stdout; ask and tools log to stderr so stdout carries
// only their result. args is os.Args[1:], parsed by hand to avoid the
// flag package's global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	return runWith(ctx, env{stdout: stdout, stderr: stderr, spawn: mcp.ExecSpawner}, args)
}

func runWith(ctx context.Context, e env, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(e.stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, e, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(e.stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: webpilot ask <task>")
		}
		return runAsk(ctx, e, configPath, cmdArgs)
	case "tools":
		return runTools(ctx, e, configPath, outputFmt)
	case "version":
		return runVersion(e.stdout, outputFmt)
	case "":
		return printUsage(e.stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "WebPilot - natural-language browser automation")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: webpilot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the HTTP API server")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <task>   Run one task and print the result")
	fmt.Fprintln(w, "  tools        List the browser worker's tools")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/webpilot/config.yaml, /etc/webpilot/config.yaml")
	return nil
}

// runAsk handles "webpilot ask <task>": one request through a scoped
// session, result on stdout.
func runAsk(ctx context.Context, e env, configPath string, args []string) error {
	task := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(e.stderr, cfg)
	logger.Debug("config loaded", "path", cfgPath)

	a, err := newApp(cfg, nil, logger, e.spawn)
	if err != nil {
		return err
	}
	defer a.close()

	return automation.Run(ctx, a.manager, func(ctx context.Context, m *automation.Manager) error {
		fmt.Fprintln(e.stdout, m.ProcessRequest(ctx, task))
		return nil
	})
}

// runTools handles "webpilot tools": start a session, print the
// registry, stop.
func runTools(ctx context.Context, e env, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(e.stderr, cfg)

	a, err := newApp(cfg, nil, logger, e.spawn)
	if err != nil {
		return err
	}
	defer a.close()

	return automation.Run(ctx, a.manager, func(_ context.Context, m *automation.Manager) error {
		tools := m.Tools()
		if outputFmt == "json" {
			enc := json.NewEncoder(e.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tools)
		}
		for _, t := range tools {
			fmt.Fprintf(e.stdout, "%-18s %s\n", t.Name, t.Description)
			if params := t.Parameters(); len(params) > 0 {
				fmt.Fprintf(e.stdout, "%-18s parameters: %s\n", "", strings.Join(params, ", "))
			}
		}
		return nil
	})
}

// runServe handles "webpilot serve", the primary operating mode. It
// starts the worker session, the background watchers, the optional MQTT
// publisher and the HTTP API, then blocks until ctx is canceled or a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The automation manager stops the worker session
//  4. The audit store is closed via defers
func runServe(ctx context.Context, e env, configPath string) error {
	logger := config.NewLogger(e.stdout, slog.LevelInfo, "text")
	logger.Info("starting WebPilot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(e.stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"worker", cfg.Worker.Command,
		"llm_provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.New()

	a, err := newApp(cfg, bus, logger, e.spawn)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.Initialize(ctx); err != nil {
		return errors.Join(fmt.Errorf("initialize automation: %w", err), a.manager.Cleanup())
	}
	defer func() {
		if err := a.manager.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	// Background health watchers.
	monitor := health.NewMonitor(logger)
	defer monitor.Stop()
	schedule := health.DefaultSchedule()
	schedule.PollInterval = cfg.Health.PollInterval()
	monitor.Watch(ctx, health.WatchConfig{
		Name:     "worker",
		Probe:    a.session.Ping,
		Schedule: schedule,
		OnChange: health.Publish(bus),
	})
	monitor.Watch(ctx, health.WatchConfig{
		Name:     "llm",
		Probe:    a.llm.Ping,
		Schedule: schedule,
		OnChange: health.Publish(bus),
	})

	// MQTT event publisher (optional).
	mqttDone := make(chan struct{})
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub := mqtt.New(cfg.MQTT, instanceID, bus, logger)
		go func() {
			defer close(mqttDone)
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	} else {
		close(mqttDone)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.manager, logger)
	server.SetEventBus(bus)
	server.SetHealth(monitor)
	if a.store != nil {
		server.SetCallLog(a.store)
	}
	if a.usage != nil {
		server.SetUsageLog(a.usage)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown incomplete", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-mqttDone
		return fmt.Errorf("API server: %w", err)
	}

	<-mqttDone
	logger.Info("WebPilot stopped")
	return nil
}

// app holds the components shared by serve, ask and tools.
type app struct {
	session *mcp.Session
	llm     llm.Client
	manager *automation.Manager
	store   *audit.Store
	usage   *usage.Store
	logger  *slog.Logger
}

// newApp builds the worker session, the LLM client, the optional audit
// and usage stores and the automation manager. Nothing is started.
func newApp(cfg *config.Config, bus *events.Bus, logger *slog.Logger, spawn mcp.Spawner) (*app, error) {
	llmClient, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}

	transport := mcp.NewStdioTransport(mcp.StdioConfig{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.CommandArgs(),
		Env:     cfg.Worker.EnvList(),
		Spawn:   spawn,
		Logger:  logger,
	})
	session := mcp.NewSession(transport, mcp.SessionConfig{
		Name:             "browser",
		ClientName:       "webpilot",
		ClientVersion:    buildinfo.Version,
		HandshakeTimeout: cfg.Worker.HandshakeTimeout(),
		CallTimeout:      cfg.Worker.CallTimeout(),
		OnStateChange: func(from, to mcp.State) {
			bus.Emit(events.SourceSession, events.KindStateChange, map[string]any{
				"from": from.String(),
				"to":   to.String(),
			})
		},
		Logger: logger,
	})

	var store *audit.Store
	var usageStore *usage.Store
	if cfg.Audit.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		usageStore, err = usage.Open(cfg.Audit.UsagePath)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		llmClient = usage.NewRecorder(llmClient, usageStore, cfg.LLM, logger)
		logger.Info("audit log enabled", "path", cfg.Audit.Path, "usage_path", cfg.Audit.UsagePath)
	}

	manager := automation.NewManager(session, llmClient, automation.Config{
		Model:      cfg.LLM.Model,
		MaxHistory: cfg.History.MaxMessages,
		Executor: executor.Config{
			MaxAttempts:            cfg.Executor.MaxAttempts,
			Backoff:                retryBackoff(cfg.Executor),
			RetryApplicationErrors: cfg.Executor.RetryApplicationErrors,
			Observer:               audit.Observer(store, logger),
			Logger:                 logger,
		},
		Bus:    bus,
		Logger: logger,
	})

	return &app{
		session: session,
		llm:     llmClient,
		manager: manager,
		store:   store,
		usage:   usageStore,
		logger:  logger,
	}, nil
}

// close releases the audit and usage stores. The manager is cleaned up
// by its owner.
func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close audit store", "error", err)
		}
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.logger.Warn("close usage store", "error", err)
		}
	}
}

// retryBackoff maps the configured delay onto the executor, where zero
// means the default.
func retryBackoff(cfg config.ExecutorConfig) time.Duration {
	if d := cfg.Backoff(); d > 0 {
		return d
	}
	return executor.NoBackoff
}

// configuredLogger builds the logger described by cfg. Validate has
// already checked the level.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates, parses and validates the YAML configuration file.
// If explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
