package main

import (
	"errors"
	"fmt"

	"github.com/CageChen/htscan/internal/audit"
	"github.com/CageChen/htscan/internal/inspector"
	"github.com/spf13/cobra"
)

const cliOperator = "cli"

func catCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file below one of the configured roots",
		Long: `Print a file given by its path relative to the install root, for example
wp-content/uploads/2024/01/shell.php. The path goes through the same
validation as HTTP retrievals and is written to the audit log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			auditLog, err := audit.New(cfg.AuditLog)
			if err != nil {
				return err
			}
			defer auditLog.Close()

			in, err := inspector.New(cfg, auditLog, nil)
			if err != nil {
				return fmt.Errorf("invalid roots: %w", err)
			}

			res := in.RetrieveFile(cmd.Context(), args[0], cliOperator)
			if !res.OK {
				return errors.New(res.Reason)
			}
			_, err = cmd.OutOrStdout().Write(res.Content)
			return err
		},
	}
}
