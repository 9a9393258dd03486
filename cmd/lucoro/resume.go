package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lucoro/pkg/driver"
)

func newResumeCmd() *cobra.Command {
	var returnValue string
	var stop bool
	var outPath string

	cmd := &cobra.Command{
		Use:   "resume <snapshot>",
		Short: "Resume a previously serialized suspended execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			engine := driver.NewEngine()
			cl, err := engine.DeserializeExecutionContext(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resuming a %s snapshot of a run started %s\n",
				humanize.Bytes(uint64(len(data))), humanize.Time(time.Unix(cl.ExecStack.StartTime, 0)))

			if cmd.Flags().Changed("return") {
				if err := engine.SetReturnValueString(cl, returnValue); err != nil {
					return err
				}
			}
			if stop {
				if err := engine.Stop(cl); err != nil {
					return err
				}
			}

			val, suspended, err := engine.SuspendableCall(cl)
			if err != nil {
				return err
			}
			if suspended {
				out := outPath
				if out == "" {
					// Default to a fresh name rather than clobbering the input, so a
					// chain of resumes leaves every intermediate snapshot on disk.
					out = "lucoro-" + uuid.NewString() + ".snap"
				}
				snap, err := engine.SerializeExecutionContext(cl)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, snap, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "suspended again; wrote a %s snapshot to %s\n",
					humanize.Bytes(uint64(len(snap))), out)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), val.ToString())
			return nil
		},
	}

	cmd.Flags().StringVar(&returnValue, "return", "", "string value to splice in at the suspended host call")
	cmd.Flags().BoolVar(&stop, "stop", false, "unwind the suspended stack instead of resuming normally")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write a follow-up snapshot to, if execution suspends again (default: a generated lucoro-<uuid>.snap)")

	return cmd
}
