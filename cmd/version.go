package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information (injected at build time via -ldflags)
// These default values indicate a development build
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func newVersionCmd() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			detailed, _ := cmd.Flags().GetBool("detailed")
			out := cmd.OutOrStdout()
			if !detailed {
				fmt.Fprintf(out, "seca-scan version %s\n", Version)
				return
			}
			fmt.Fprintf(out, `seca-scan Version Information:
  Version:    %s
  Git Commit: %s
  Build Date: %s
  Go Version: %s
  OS/Arch:    %s/%s
  Compiler:   %s
`, Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.Compiler)
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "show detailed version information")
	return versionCmd
}
