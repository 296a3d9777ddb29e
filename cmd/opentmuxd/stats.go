package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"opentmuxd/internal/config"
	"opentmuxd/internal/control"
)

func newStatsCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Query a running daemon's tracked/pending session counts and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := socketPath
			if path == "" {
				path = config.Default().SocketPath
			}
			client := control.NewClient(path)
			snap, err := client.Stats()
			if err != nil {
				return fmt.Errorf("query stats over %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tracked=%d pending=%d queueDepth=%d\n",
				snap.TrackedSessions, snap.PendingSessions, snap.QueueDepth)
			return nil
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "control socket path (defaults to the daemon's default socketPath)")
	return cmd
}
