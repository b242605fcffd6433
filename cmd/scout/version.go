package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scout version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scout %s (%s)\n", version, commit)
		},
	}
}
