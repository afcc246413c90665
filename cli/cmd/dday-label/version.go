package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dday-label/dday/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Reports the current version of dday-label",

	DisableFlagsInUseLine: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, "dday-label version", version.Version)
		if verbosity > 0 {
			fmt.Fprintf(os.Stdout, "channel:  %s\nrevision: %s\nmodified: %t\ngo:       %s %s/%s\n",
				version.Channel, version.Revision, version.Modified, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
