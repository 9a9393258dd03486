// Command lucoro is the CLI front end for the suspendable Lua 5.2 engine,
// grounded on nooga-paserati/cmd/paserati's flag-based dispatch but rebuilt
// on spf13/cobra: once there's more than one verb (run/resume/repl), a
// command tree reads better than a flat set of flag.Bool switches.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lucoro",
		Short: "A suspendable, resumable Lua 5.2 bytecode engine",
	}
	root.AddCommand(newRunCmd(), newResumeCmd(), newReplCmd())
	return root
}
