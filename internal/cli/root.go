// Package cli implements the mapeo command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mapeo.dev/go/mapeo/internal/client"
)

// requestTimeout bounds API calls that do not wait on a peer
const requestTimeout = 30 * time.Second

var (
	version   = "dev"
	configDir string
	jsonOut   bool
)

func SetVersion(v string) {
	version = v
}

// RootCmd is the root command
var RootCmd = &cobra.Command{
	Use:   "mapeo",
	Short: "Peer control plane for Mapeo devices",
	Long: `mapeo - peer control plane for Mapeo devices

Connects devices directly over the local network, exchanges device
information and invites devices into projects. No server required.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configDir != "" {
			os.Setenv("MAPEO_CONFIG_DIR", configDir)
		}
	},
}

var rootCmd = RootCmd

// Execute runs the command line with ctx.
func Execute(ctx context.Context) error {
	err := RootCmd.ExecuteContext(ctx)
	if errors.Is(err, client.ErrDaemonNotRunning) {
		return fmt.Errorf("daemon is not running. Start it with: mapeo daemon start")
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory (default $HOME/.config/mapeo)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON instead of text")
}

// apiClient returns a client for the local daemon and a context bounded by
// timeout.
func apiClient(cmd *cobra.Command, timeout time.Duration) (*client.Client, context.Context, context.CancelFunc, error) {
	c, err := client.Connect()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return c, ctx, cancel, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
