// Command opentmuxd runs the pane-coordination daemon: it loads config,
// starts the control socket, and blocks until the process is signalled to
// stop. Subcommands also let an operator query a running daemon or force a
// one-shot zombie reap without going through the control socket.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// usageError marks a failure as a CLI usage mistake (a flag-parsing error)
// rather than a runtime failure, so main can exit 2 instead of 1 per
// spec.md §6. Other cobra errors, such as an unknown subcommand, exit 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var uerr usageError
		if errors.As(err, &uerr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "opentmuxd",
		Short:         "Coordination daemon that attaches agent sessions to multiplexer panes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	root.AddCommand(newServeCmd())
	root.AddCommand(newReapCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// version is set via -ldflags by release builds; "dev" otherwise.
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
