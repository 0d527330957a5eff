package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/protocol"
)

// VersionCmd prints build and protocol versions.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tabrelay %s (extension protocol v%d)\n", Version, protocol.Version)
		},
	}
}
