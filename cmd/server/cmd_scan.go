package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/CageChen/htscan/internal/inspector"
	"github.com/CageChen/htscan/internal/markdown"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func scanCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "scan [root-key...]",
		Short: "List matching files under the configured roots",
		Long: `Scan every configured root, or only the named ones, and print the
matching files. Paths are shown relative to the root that contains them.`,
		Example: `  htscan scan
  htscan scan uploads --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			in, err := inspector.New(cfg, nil, nil)
			if err != nil {
				return fmt.Errorf("invalid roots: %w", err)
			}

			var listings []*inspector.Listing
			if len(args) == 0 {
				listings, err = in.ListAll(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				for _, key := range args {
					l, err := in.ListMatches(cmd.Context(), key)
					if err != nil {
						return err
					}
					listings = append(listings, l)
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(listings)
			}
			out := cmd.OutOrStdout()
			if f, ok := out.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
				color.NoColor = true
			}
			printListings(out, listings)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func printListings(out io.Writer, listings []*inspector.Listing) {
	for i, l := range listings {
		if i > 0 {
			fmt.Fprintln(out)
		}
		kind := markdown.Kind(l.Root.Suffix)
		heading := color.New(color.Bold).Sprintf("%s files in %s", kind, l.Root.Label)
		if len(l.Matches) == 0 {
			fmt.Fprintf(out, "%s: %s\n", heading, color.GreenString("none"))
		} else {
			fmt.Fprintf(out, "%s: %s\n", heading, color.YellowString("%d found", len(l.Matches)))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  PATH\tSIZE\tRETRIEVE")
			for _, m := range l.Matches {
				size := humanize.Comma(m.Size) + " bytes"
				token := m.Token
				if m.Empty {
					size = "empty"
					token = "-"
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n", m.DisplayPath, size, token)
			}
			_ = w.Flush()
		}
		for _, s := range l.Skipped {
			fmt.Fprintf(out, "  %s %s: %s\n", color.RedString("skipped"), s.Path, s.Reason)
		}
	}
}
