package main

import (
	"fmt"
	"os"

	"github.com/CageChen/htscan/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func initCmd(g *globalFlags) *cobra.Command {
	var (
		force       bool
		installRoot string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configFile
			if path == "" {
				path = config.GetConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			if installRoot != "" {
				cfg.InstallRoot = installRoot
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			cfg.SetConfigFilePath(path)
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", color.GreenString("✓"), path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	cmd.Flags().StringVar(&installRoot, "install-root", "", "WordPress installation directory")
	return cmd
}
