package main

import (
	"fmt"

	"github.com/mbeema/loadguard/pkg/blocklist"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSelectedConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "configuration OK")
		fmt.Fprintf(out, "  blocked modules:  %d\n", len(blocklist.Parse(cfg.Blocklist)))
		fmt.Fprintf(out, "  overrides:        %d\n", len(cfg.Redirect.Overrides))
		fmt.Fprintf(out, "  redirect base:    %s\n", cfg.RedirectBaseDir())
		fmt.Fprintf(out, "  audit interval:   %s\n", cfg.Audit.Interval)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "loadguard %s (commit: %s, built: %s)\n", version, commit, buildDate)
	},
}
