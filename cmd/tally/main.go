// Tally is an assistant that keeps structured records through
// conversation. It exposes an HTTP API for conversations, collections,
// and the background job queue; all model turns run on a single
// background worker so the API never blocks on inference.
//
// Usage:
//
//	tally serve       Start the API server and worker
//	tally init [dir]  Initialize a working directory with a default config
//	tally version     Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tallyware/tally/examples"
	"github.com/tallyware/tally/internal/assistant"
	"github.com/tallyware/tally/internal/buildinfo"
	"github.com/tallyware/tally/internal/config"
	"github.com/tallyware/tally/internal/engine"
	"github.com/tallyware/tally/internal/llm"
	"github.com/tallyware/tally/internal/store"
	"github.com/tallyware/tally/internal/web"
	"github.com/tallyware/tally/internal/worker"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates to run, keeping os.Exit and
// os.Args out of the application logic so the lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which makes run() impossible to call
// concurrently from tests, and the argument surface here is too small
// to justify a CLI framework.
func run(ctx context.Context, stdout io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tally - Conversational record keeper")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tally [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server and worker")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	return nil
}

// runInit writes the embedded example config into dir. It refuses to
// overwrite an existing config.yaml.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; not overwriting", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", path)
	fmt.Fprintln(stdout, "Set ANTHROPIC_API_KEY (or edit the file) before running tally serve.")
	return nil
}

// runServe is the primary operating mode: load config, open the store,
// start the worker and the HTTP server, and block until a shutdown
// signal arrives. The worker and the server share a lifetime; either
// one failing brings the process down.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}))

	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	if cfg.Anthropic.APIKey == "" {
		return errors.New("anthropic.api_key is not configured")
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	inference := llm.NewAnthropicClient(
		cfg.Anthropic.APIKey,
		cfg.Anthropic.Model,
		cfg.Anthropic.MaxTokens,
		cfg.Anthropic.Timeout(),
		logger,
	)

	eng := engine.New(logger, engine.WithMaxIterations(cfg.Engine.MaxIterations))

	wrk := worker.New(st, cfg.Worker.PollInterval(), logger)
	wrk.Register(store.JobProcessConversation, (&worker.ConversationProcessor{
		Store:     st,
		Engine:    eng,
		Inference: inference,
		Logger:    logger,
	}).Handle)
	wrk.Register(store.JobDownSyncCollection, (&worker.DownSyncProcessor{
		Store:   st,
		Fetcher: worker.NewHTTPCollectionFetcher(),
		Logger:  logger,
	}).Handle)

	handler := web.NewHandler(web.Deps{
		Service: assistant.NewService(st, logger),
		Store:   st,
		Logger:  logger,
	})

	addr := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wrk.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
