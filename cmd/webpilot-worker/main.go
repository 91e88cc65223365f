// Webpilot-worker is the browser half of WebPilot. It speaks
// line-delimited JSON-RPC on stdin/stdout and exposes browser tools
// (start_browser, navigate_to, find_element, ...) backed by Playwright.
// Logs go to stderr; stdout carries only protocol messages.
//
// Usage:
//
//	webpilot-worker [-browser chromium] [-headless=true] [-install]
//	                [-screenshot-dir dir] [-log-level info] [-log-format text]
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nugget/webpilot/internal/browser"
	"github.com/nugget/webpilot/internal/buildinfo"
	"github.com/nugget/webpilot/internal/config"
	"github.com/nugget/webpilot/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "webpilot-worker: %s\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the worker's command-line settings.
type options struct {
	browser       string
	headless      bool
	install       bool
	screenshotDir string
	logLevel      string
	logFormat     string
	version       bool
}

// parseArgs reads flags by hand, as the webpilot command does. Both
// "-name value" and "-name=value" forms are accepted.
func parseArgs(args []string) (options, error) {
	opts := options{browser: "chromium", headless: true, logFormat: "text"}

	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(strings.TrimLeft(args[i], "-"), "=")
		if !strings.HasPrefix(args[i], "-") {
			return opts, fmt.Errorf("unexpected argument: %s", args[i])
		}

		// next returns the flag's value from "=value" or the next arg.
		next := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("flag -%s needs a value", name)
			}
			i++
			return args[i], nil
		}
		// boolean flags take an optional "=value".
		flag := func() (bool, error) {
			if !hasValue {
				return true, nil
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return false, fmt.Errorf("flag -%s: %w", name, err)
			}
			return b, nil
		}

		var err error
		switch name {
		case "browser":
			opts.browser, err = next()
		case "headless":
			opts.headless, err = flag()
		case "install":
			opts.install, err = flag()
		case "screenshot-dir":
			opts.screenshotDir, err = next()
		case "log-level":
			opts.logLevel, err = next()
		case "log-format":
			opts.logFormat, err = next()
		case "version":
			opts.version, err = flag()
		default:
			return opts, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return opts, err
		}
	}

	switch opts.browser {
	case "chromium", "chrome", "firefox", "webkit":
	default:
		return opts, fmt.Errorf("unsupported browser %q (valid: chromium, firefox, webkit)", opts.browser)
	}
	if opts.logFormat != "text" && opts.logFormat != "json" {
		return opts, fmt.Errorf("unknown log format %q (expected text or json)", opts.logFormat)
	}
	return opts, nil
}

func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.version {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}

	level, err := config.ParseLogLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, level, opts.logFormat).With("component", "worker")

	launcher := browser.NewPlaywrightLauncher(browser.PlaywrightConfig{
		Install: opts.install,
		Logger:  logger,
	})
	return serve(ctx, stdin, stdout, opts, launcher, logger)
}

// serve runs the protocol loop until stdin closes or ctx ends, then
// shuts down any open browser.
func serve(ctx context.Context, stdin io.Reader, stdout io.Writer, opts options, launcher browser.Launcher, logger *slog.Logger) (err error) {
	controller := browser.NewController(launcher, browser.Config{
		Browser:       opts.browser,
		Headless:      opts.headless,
		ScreenshotDir: opts.screenshotDir,
		Logger:        logger,
	})
	defer func() {
		if cerr := controller.Close(); cerr != nil {
			logger.Warn("browser shutdown failed", "error", cerr)
		}
	}()

	srv := worker.NewServer(worker.ServerConfig{
		Version: buildinfo.Version,
		Logger:  logger,
	}, controller.Tools()...)

	logger.Info("worker ready", "browser", opts.browser, "headless", opts.headless, "version", buildinfo.Version)
	err = srv.Serve(ctx, stdin, stdout)
	logger.Info("worker stopped")
	return err
}
