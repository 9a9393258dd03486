package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lucoro/pkg/driver"
)

func newRunCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "run <file.luac>",
		Short: "Load and run a compiled chunk, writing a snapshot if it suspends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, err := loadPrototype(args[0])
			if err != nil {
				return err
			}
			engine := driver.NewEngine()
			cl := engine.Load(proto)

			// A chunk may reach a suspending host call (obj.coreDelay/coreFun);
			// the synchronous entry point would reject that, so run always
			// drives the suspendable path, exactly like resume does.
			val, suspended, err := engine.SuspendableCall(cl)
			if err != nil {
				return err
			}
			if suspended {
				out := outPath
				if out == "" {
					out = "lucoro-" + uuid.NewString() + ".snap"
				}
				snap, err := engine.SerializeExecutionContext(cl)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, snap, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "suspended; wrote a %s snapshot to %s\n",
					humanize.Bytes(uint64(len(snap))), out)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), val.ToString())
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "path to write a snapshot to, if execution suspends (default: a generated lucoro-<uuid>.snap)")

	return cmd
}
