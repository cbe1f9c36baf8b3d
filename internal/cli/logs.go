package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mapeo.dev/go/mapeo/internal/client"
	"mapeo.dev/go/mapeo/internal/daemon"
)

var (
	logsLevel string
	logsSince time.Duration
	logsLimit int
)

func init() {
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(eventsCmd)

	logsCmd.Flags().StringVarP(&logsLevel, "level", "l", "", "minimum level: debug, info, warn, error")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "only show entries newer than this (e.g. 10m)")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 100, "maximum number of entries")
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent daemon logs",
	RunE:  runLogs,
}

func runLogs(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := apiClient(cmd, requestTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	q := client.LogQuery{Level: logsLevel, Limit: logsLimit}
	if logsSince > 0 {
		q.Since = time.Now().Add(-logsSince)
	}
	logs, err := c.Logs(ctx, q)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(logs)
	}

	for _, e := range logs.Entries {
		fmt.Println(formatLogEntry(e))
	}
	return nil
}

func formatLogEntry(e daemon.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", e.Timestamp.Local().Format("15:04:05.000"), e.Level, e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events",
	Long: `Print peer, invite and project events as they happen, one JSON object
per line. Stops on Ctrl-C.`,
	RunE: runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	c, err := client.Connect()
	if err != nil {
		return err
	}
	events, err := c.Events(cmd.Context())
	if err != nil {
		return err
	}
	for ev := range events {
		fmt.Printf("{\"event\":%q,\"payload\":%s}\n", ev.Event, ev.Payload)
	}
	return nil
}
