// Package main is the entry point for the combined terminology proxy.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Default flag values.
const (
	defaultConfigPath = "configs/txproxy.yaml"
	defaultLogLevel   = "info"
	defaultLogFormat  = "json"
)

// cliFlags holds the persistent command line flags.
type cliFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the txproxy command tree.
func newRootCommand() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:          "txproxy",
		Short:        "Combined FHIR terminology proxy",
		Long:         "txproxy fronts several FHIR terminology servers and routes each operation to the upstream that owns it.",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", getEnvOrDefault("TXPROXY_CONFIG", defaultConfigPath),
		"Path to configuration file")
	pf.StringVar(&flags.logLevel, "log-level", getEnvOrDefault("TXPROXY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	pf.StringVar(&flags.logFormat, "log-format", getEnvOrDefault("TXPROXY_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration")

	root.AddCommand(
		newServeCommand(flags),
		newCapabilitiesCommand(flags),
		newRoutesCommand(flags),
		newVersionCommand(),
	)
	return root
}

// newVersionCommand prints build information.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "txproxy version %s\n", version)
	_, _ = fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	_, _ = fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// logConfig resolves logging settings. Flags and TXPROXY_* variables win
// over the configuration file.
func logConfig(flags *cliFlags, cfg *config.ProxyConfig, output string) observability.LogConfig {
	lc := observability.LogConfig{
		Level:  defaultLogLevel,
		Format: defaultLogFormat,
		Output: output,
	}
	if cfg != nil && cfg.Spec.Observability != nil && cfg.Spec.Observability.Logging != nil {
		if l := cfg.Spec.Observability.Logging.Level; l != "" {
			lc.Level = l
		}
		if f := cfg.Spec.Observability.Logging.Format; f != "" {
			lc.Format = f
		}
	}
	if flags.logLevel != "" {
		lc.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		lc.Format = flags.logFormat
	}
	return lc
}

// loadConfig loads and validates the configuration, then builds a logger
// from it.
func loadConfig(flags *cliFlags, output string) (*config.ProxyConfig, observability.Logger, error) {
	cfg, err := config.LoadAndValidate(flags.configPath)
	if err != nil {
		return nil, nil, err
	}

	logger, err := observability.NewLogger(logConfig(flags, cfg, output))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("configuration loaded",
		observability.String("config", flags.configPath),
		observability.String("name", cfg.Metadata.Name),
		observability.Int("upstreams", len(cfg.Spec.Upstreams)),
		observability.Int("overrides", len(cfg.Spec.Routing.Overrides)),
		observability.Strings("defaults", cfg.Spec.Routing.Defaults),
	)
	return cfg, logger, nil
}
