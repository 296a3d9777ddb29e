package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"opentmuxd/internal/reaper"
)

func newReapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Kill zombie opencode attach processes across every reachable host, without going through a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			killed := reaper.ReapAll(nil, nil)
			fmt.Fprintf(cmd.OutOrStdout(), "killed %d zombie attach process(es)\n", killed)
			return nil
		},
	}
	return cmd
}
