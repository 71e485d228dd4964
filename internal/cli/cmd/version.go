package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information - these can be set during build using -ldflags
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clipbridge %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Build time: %s\n", buildTime)
		},
	}
}
