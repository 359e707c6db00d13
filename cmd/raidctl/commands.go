package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/freebrew/liveRAID/internal/planfile"
	"github.com/freebrew/liveRAID/internal/planner"
)

func newScriptCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "script <plan.json>",
		Short: "Render a saved plan as a bash script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			p, err := planfile.Load(args[0])
			if err != nil {
				return err
			}
			script := planner.Script(p, a.cfg.SettleTimeout)
			if output == "" {
				fmt.Print(script)
				return nil
			}
			return os.WriteFile(output, []byte(script), 0o755)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the script to this file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("raidctl %s (commit: %s, built: %s, %s)\n", Version, GitCommit, BuildTime, runtime.Version())
		},
	}
}
