package cli

import (
	"fmt"

	"github.com/fmueller/krisphook/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "krisphook v%s\n", version.Resolve())
			if commit := version.Commit; commit != "unknown" {
				fmt.Fprintf(cmd.OutOrStdout(), "commit %s (%s)\n", commit, version.Date)
			}
			return nil
		},
	}
}
