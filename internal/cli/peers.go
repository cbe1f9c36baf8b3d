package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(peersCmd)
	peersCmd.AddCommand(peersConnectCmd)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers",
	Long: `List devices this daemon has a session with, including ones that
recently disconnected.`,
	RunE: runPeersList,
}

func runPeersList(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	peers, err := c.Peers(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(peers)
	}

	if len(peers) == 0 {
		fmt.Println("No peers.")
		fmt.Println()
		fmt.Println("To connect to a device: mapeo peers connect <device_id@host:port>")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "DEVICE ID\tNAME\tTYPE\tSTATUS\tSINCE")
	for _, p := range peers {
		since := p.ConnectedAt
		if p.Status != "connected" {
			since = p.DisconnectedAt
		}
		name := p.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(p.DeviceID), name, p.DeviceType, p.Status, ago(since))
	}
	return w.Flush()
}

var peersConnectCmd = &cobra.Command{
	Use:   "connect <[device_id@]host:port>",
	Short: "Connect to a peer",
	Long: `Open a session with a device at the given address.

When the device ID is given, the connection only succeeds if the remote
device proves it holds that identity. Compare the verification words with
the other device to confirm nobody is in the middle.

Examples:
  mapeo peers connect 192.168.1.50:7934
  mapeo peers connect 3f2a...c9@field-tablet.local:7934`,
	Args: cobra.ExactArgs(1),
	RunE: runPeersConnect,
}

func runPeersConnect(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	res, err := c.ConnectPeer(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(res)
	}

	fmt.Printf("Connected to %s (%s).\n", shortID(res.DeviceID), res.Status)
	fmt.Printf("Verification words: %v\n", res.SAS)
	return nil
}
