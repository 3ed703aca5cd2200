// Package cli implements the entbridge command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/engine"
	"github.com/scrypster/entbridge/internal/logging"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// app holds the state shared by every subcommand.
type app struct {
	profilePath string
	logLevel    string
	jsonOut     bool

	stderr     io.Writer
	engineOpts []engine.Option
}

// Option customizes the root command, mainly for tests.
type Option func(*app)

// WithEngineOptions passes extra options to every engine the CLI builds.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *app) {
		a.engineOpts = append(a.engineOpts, opts...)
	}
}

// WithStderr redirects log output.
func WithStderr(w io.Writer) Option {
	return func(a *app) {
		a.stderr = w
	}
}

// NewRootCommand builds the entbridge command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{stderr: os.Stderr}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:   "entbridge",
		Short: "Unified data access for SAP, Salesforce, NetSuite and Oracle Fusion",
		Long: `entbridge gives one query model over SAP S/4HANA OData v2, Salesforce SOQL,
NetSuite SuiteQL and Oracle Fusion REST.

Connection profiles live in ~/.enterprise-bridge/config.yaml by default.
Run "entbridge init" to write a template.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = Version
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	pf := root.PersistentFlags()
	pf.StringVar(&a.profilePath, "config", "", "Connection profile file (default ~/.enterprise-bridge/config.yaml)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&a.jsonOut, "json", false, "Output in JSON format")

	root.AddCommand(
		a.initCmd(),
		a.connectionsCmd(),
		a.testCmd(),
		a.entitiesCmd(),
		a.describeCmd(),
		a.fieldsCmd(),
		a.queryCmd(),
		a.getCmd(),
		a.createCmd(),
		a.updateCmd(),
		a.deleteCmd(),
		a.aggregateCmd(),
		a.rawCmd(),
		a.serveCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// loadConfig reads the process settings and applies the global flags.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if a.profilePath != "" {
		cfg.Profiles.Path = a.profilePath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	return cfg, nil
}

func (a *app) logger(cfg *config.Config) (*slog.Logger, error) {
	return logging.SetupWriter(cfg.Log, a.stderr)
}

// newEngine builds an engine from the environment and global flags.
func (a *app) newEngine() (*engine.Engine, *config.Config, *slog.Logger, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := a.logger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	opts := append([]engine.Option{engine.WithLogger(logger)}, a.engineOpts...)
	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, cfg, logger, nil
}

// withEngine runs fn with a fresh engine and closes it afterwards.
func (a *app) withEngine(fn func(eng *engine.Engine) error) error {
	eng, _, _, err := a.newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}
