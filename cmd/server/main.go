// Package main is the htscan command: it scans a WordPress-style install for
// .htaccess and stray PHP files and serves the results to operators.
package main

import (
	"fmt"
	"os"

	"github.com/CageChen/htscan/internal/config"
	"github.com/CageChen/htscan/internal/logger"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "htscan",
		Short: "Find .htaccess files and stray PHP files in a WordPress install",
		Long: `htscan walks wp-includes, wp-content and wp-content/uploads looking for
.htaccess files and PHP files that should not be there, and lets operators
read them through a confined, audited retrieval path.`,
		Version:       fmt.Sprintf("%s (built at %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Path to config file (default "+config.GetConfigPath()+")")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	cmd.AddCommand(serveCmd(g))
	cmd.AddCommand(scanCmd(g))
	cmd.AddCommand(catCmd(g))
	cmd.AddCommand(initCmd(g))
	cmd.AddCommand(versionCmd())

	return cmd
}

// load reads the configuration and applies the log level.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	if _, ok := logger.ParseLevel(level); !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	logger.SetLevel(level)
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "htscan %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build Time: %s\n", buildTime)
		},
	}
}
