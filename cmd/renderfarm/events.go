package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/cuemby/renderfarm/pkg/events"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow farm events as they happen",
	Long: `Follow farm events as they happen, until interrupted.

Examples:
  # Everything
  renderfarm events

  # Only job completions
  renderfarm events --type job.done --type job.failed`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringSlice("type", nil, "event type to show (repeatable)")
}

func runEvents(cmd *cobra.Command, args []string) error {
	names, _ := cmd.Flags().GetStringSlice("type")
	only := make([]events.EventType, len(names))
	for i, n := range names {
		only[i] = events.EventType(n)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	return newClient().Events(ctx, func(ev *events.Event) error {
		if isJSONOutput() {
			return enc.Encode(ev)
		}
		fmt.Printf("%s  %-15s %s%s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.Message, formatMetadata(ev.Metadata))
		return nil
	}, only...)
}

func formatMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, meta[k])
	}
	return b.String()
}
