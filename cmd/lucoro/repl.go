package main

import (
	"github.com/spf13/cobra"

	"lucoro/pkg/driver"
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive expression REPL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := driver.NewEngine()
			r := driver.NewREPL(engine)
			return r.Run(cmd.OutOrStdout())
		},
	}
}
