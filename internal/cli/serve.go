package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/scrypster/entbridge/internal/api/mcp"
	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/engine"
	"github.com/scrypster/entbridge/internal/notify"
	"github.com/scrypster/entbridge/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		useHTTP bool
		addr    string
		noWatch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP tool server",
		Long: `Serve the enterprise_* MCP tools.

By default requests are read from stdin and answered on stdout, one JSON-RPC
message per line. With --http the tools are served on POST /mcp instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cfg, logger, err := a.newEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if cfg.Profiles.Watch && !noWatch {
				stop := WatchProfiles(cmd.Context(), eng, logger)
				defer stop()
			}

			tools := mcp.NewServer(eng, mcp.WithLogger(logger), mcp.WithVersion(Version))
			if !useHTTP {
				return ServeStdio(cmd.Context(), tools, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serveHTTP(cmd.Context(), cfg.Server, tools, logger)
		},
	}
	cmd.Flags().BoolVar(&useHTTP, "http", false, "Serve over HTTP instead of stdio")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default: EB_HTTP_ADDR or 127.0.0.1:7373)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload connections when the profile file changes")
	return cmd
}

// ServeStdio answers JSON-RPC requests from in until in is closed or ctx is
// cancelled. Cancellation is a clean shutdown.
func ServeStdio(ctx context.Context, tools *mcp.Server, in io.Reader, out io.Writer) error {
	err := mcp.NewStdioTransport(tools, in, out).Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveHTTP(ctx context.Context, cfg config.ServerConfig, tools *mcp.Server, logger *slog.Logger) error {
	bound, err := server.Start(ctx, cfg, tools, logger)
	if err != nil {
		return err
	}
	logger.Info("serving MCP over HTTP", "addr", bound, "auth", cfg.APIToken != "")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// WatchProfiles reloads eng whenever its profile file changes. A file that
// fails to parse leaves the previous profiles in place. The returned func
// stops the watcher.
func WatchProfiles(ctx context.Context, eng *engine.Engine, logger *slog.Logger) func() {
	path := eng.Profiles().Path()
	if path == "" {
		return func() {}
	}
	w := notify.NewProfileWatcher(path, func() {
		res, err := eng.Reload(ctx)
		if err != nil {
			logger.Warn("profile reload failed", "path", path, "error", err)
			return
		}
		logger.Info("connection profiles reloaded", "connections", len(res.Connections), "invalid", len(res.Invalid))
	}, notify.WithLogger(logger))
	if err := w.Start(); err != nil {
		logger.Warn("profile watching disabled", "path", path, "error", err)
		return func() {}
	}
	return w.Stop
}
