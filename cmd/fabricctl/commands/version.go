package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is the CLI build version, overridden at build time via
// -ldflags "-X .../commands.version=...".
var version = "dev"

// gitCommit is the git commit hash, set at build time via ldflags.
var gitCommit = "unknown"

// buildDate is the build timestamp, set at build time via ldflags.
var buildDate = "unknown"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print fabricctl build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("fabricctl %s\n", version)
			fmt.Printf("  commit:  %s\n", gitCommit)
			fmt.Printf("  built:   %s\n", buildDate)
		},
	}
}
