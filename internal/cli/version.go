package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags
	commit    = "unknown"
	buildDate = "unknown"

	versionFull bool
)

// SetBuildInfo sets build information from ldflags
func SetBuildInfo(c, d string) {
	commit = c
	buildDate = d
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "print commit, build date and Go version")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("mapeo version %s\n", version)
	if !versionFull {
		return
	}

	fmt.Println()
	fmt.Printf("  Commit:     %s\n", buildSetting("vcs.revision", commit))
	fmt.Printf("  Built:      %s\n", buildSetting("vcs.time", buildDate))
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// buildSetting returns fallback when it was set via ldflags, otherwise
// the named setting from the embedded build info.
func buildSetting(key, fallback string) string {
	if fallback != "unknown" {
		return fallback
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fallback
	}
	for _, s := range info.Settings {
		if s.Key == key {
			if key == "vcs.revision" && len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return fallback
}
