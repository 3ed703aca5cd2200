// cmd/entbridge-mcp is the entry point for the entbridge MCP (Model Context
// Protocol) server, for clients that launch a dedicated binary instead of
// `entbridge serve`.
//
// Startup sequence:
//  1. Load configuration from environment variables.
//  2. Build the engine, which loads the connection profile file.
//  3. Watch the profile file and reload connections when it changes.
//  4. Create the MCP server around the engine.
//  5. Serve JSON-RPC 2.0 requests from stdin, writing responses to stdout.
//
// CRITICAL: ALL logging MUST go to stderr.  Any bytes written to stdout that
// are not valid JSON-RPC 2.0 response frames will corrupt the protocol.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/entbridge/internal/api/mcp"
	"github.com/scrypster/entbridge/internal/cli"
	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/engine"
	"github.com/scrypster/entbridge/internal/logging"
)

func main() {
	// Incidental log calls from imported packages must never reach stdout.
	log.SetOutput(os.Stderr)
	log.SetPrefix("entbridge-mcp: ")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine close error", "error", err)
		}
	}()

	logger.Info("entbridge MCP server starting",
		"version", cli.Version,
		"profiles", cfg.Profiles.Path,
		"connections", len(eng.ListConnections()))

	if cfg.Profiles.Watch {
		stopWatch := cli.WatchProfiles(ctx, eng, logger)
		defer stopWatch()
	}

	srv := mcp.NewServer(eng, mcp.WithLogger(logger), mcp.WithVersion(cli.Version))
	if err := cli.ServeStdio(ctx, srv, os.Stdin, os.Stdout); err != nil {
		logger.Error("MCP server error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("entbridge MCP server stopped")
}
