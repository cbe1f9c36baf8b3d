package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(metricsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(status)
	}

	fmt.Println("Daemon Status")
	fmt.Println()
	fmt.Printf("  Running:     yes (PID %d)\n", status.PID)
	fmt.Printf("  Uptime:      %s\n", status.Uptime)
	fmt.Printf("  Device:      %s (%s)\n", status.DeviceName, status.DeviceType)
	fmt.Printf("  Device ID:   %s\n", status.DeviceID)
	fmt.Printf("  P2P Address: %s\n", status.P2PAddr)
	fmt.Printf("  Peers:       %d connected\n", status.PeerCount)
	fmt.Printf("  Projects:    %d\n", status.ProjectCount)
	if status.PendingInvites > 0 {
		fmt.Printf("  Invites:     %d pending (see 'mapeo invites')\n", status.PendingInvites)
	}
	return nil
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show daemon counters and latencies",
	RunE:  runMetrics,
}

func runMetrics(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	m, err := c.Metrics(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(m)
	}

	fmt.Printf("Uptime %s, %d goroutines, %.1f MB allocated\n\n", m.Uptime, m.System.NumGoroutine, m.System.MemAllocMB)

	w := newTable()
	fmt.Fprintf(w, "Sessions accepted\t%d\n", m.Counters.SessionsAccepted)
	fmt.Fprintf(w, "Sessions dialed\t%d\n", m.Counters.SessionsDialed)
	fmt.Fprintf(w, "Dial failures\t%d\n", m.Counters.DialFailures)
	fmt.Fprintf(w, "Messages failed\t%d\n", m.Counters.MessagesFailed)
	fmt.Fprintf(w, "Invites received\t%d\n", m.Counters.InvitesReceived)
	fmt.Fprintf(w, "Invites accepted\t%d\n", m.Counters.InvitesAccepted)
	fmt.Fprintf(w, "Invites rejected\t%d\n", m.Counters.InvitesRejected)
	fmt.Fprintf(w, "Invites sent\t%d\n", m.Counters.InvitesSent)
	fmt.Fprintf(w, "Rate limited messages\t%d\n", m.Gauges.RateLimited)
	fmt.Fprintf(w, "Dial latency\tavg %.0fms p95 %.0fms max %.0fms\n", m.Latencies.DialAvgMs, m.Latencies.DialP95Ms, m.Latencies.DialMaxMs)
	fmt.Fprintf(w, "Invite latency\tavg %.0fms p95 %.0fms max %.0fms\n", m.Latencies.InviteAvgMs, m.Latencies.InviteP95Ms, m.Latencies.InviteMaxMs)
	w.Flush()

	if len(m.RecentErrors) > 0 {
		fmt.Println()
		fmt.Println("Recent errors:")
		for _, e := range m.RecentErrors {
			fmt.Printf("  %s  %s  %s\n", e.Time.Format("15:04:05"), e.Type, e.Message)
		}
	}
	return nil
}
