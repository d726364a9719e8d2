package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type buildInfo struct {
	Version string
	Commit  string
	Date    string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", Date: "unknown"}

// SetVersion records build information for the version command.
func SetVersion(version, commit, date string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.Date = date
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "redeven-chat %s (%s) %s\n", versionInfo.Version, versionInfo.Commit, versionInfo.Date)
		},
	}
}
