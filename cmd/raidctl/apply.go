package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/freebrew/liveRAID/internal/executor"
	"github.com/freebrew/liveRAID/internal/planfile"
	"github.com/freebrew/liveRAID/internal/planner"
	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
)

const confirmPhrase = "DESTROY"

var errNotConfirmed = errors.New("apply not confirmed")

func newApplyCmd() *cobra.Command {
	var (
		confirm string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "apply <plan.json>",
		Short: "Execute a saved plan",
		Long: `Execute a plan written by "raidctl plan -o". The file is validated and
the disks it names are rescanned before anything runs. A live apply
erases every selected disk and must be confirmed by typing DESTROY or
by passing --confirm DESTROY.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			p, err := planfile.Load(args[0])
			if err != nil {
				return err
			}
			inv, sys, err := a.scan(cmd.Context())
			if err != nil {
				return err
			}
			if err := stillAvailable(p, inv); err != nil {
				return fmt.Errorf("plan is stale, re-run plan: %w", err)
			}

			live := !p.DryRun && !a.cfg.DryRun
			if !asJSON {
				printPlan(os.Stdout, p)
				fmt.Println()
			}
			if !p.DryRun && a.cfg.DryRun {
				color.Yellow("Dry-run is enabled by configuration; no disk will be modified.")
			}
			if live {
				if err := confirmApply(p, confirm); err != nil {
					return err
				}
			}

			var bar *progressbar.ProgressBar
			var observe func(executor.Event)
			if live && !asJSON {
				bar = progressbar.Default(int64(len(p.Steps)), "Provisioning")
				observe = func(ev executor.Event) {
					if ev.Status == executor.StatusRunning {
						bar.Describe(ev.Step.Description)
						return
					}
					_ = bar.Add(1)
				}
			}
			rep, err := a.guard(sys, a.executor(observe)).Apply(cmd.Context(), p, nil)
			if bar != nil {
				_ = bar.Finish()
				fmt.Println()
			}
			if rep != nil {
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if jerr := enc.Encode(rep); jerr != nil {
						return jerr
					}
				} else {
					printReport(os.Stdout, rep)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "skip the prompt by passing DESTROY")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report in JSON format")
	return cmd
}

// stillAvailable rechecks the planned disks against a fresh scan.
func stillAvailable(p *planner.Plan, inv blk.Inventory) error {
	for _, planned := range p.Devices {
		d, ok := inv.Lookup(planned.Path)
		if !ok {
			return fmt.Errorf("%w: %s", raid.ErrDeviceNotFound, planned.Path)
		}
		if planned.Serial != "" && d.Serial != planned.Serial {
			return fmt.Errorf("%w: %s now reports serial %q, planned %q", raid.ErrDeviceNotFound, d.Path, d.Serial, planned.Serial)
		}
		if d.IsRoot || d.Mounted {
			return fmt.Errorf("%w: %s", raid.ErrDeviceInUse, d.Path)
		}
	}
	return nil
}

func confirmApply(p *planner.Plan, given string) error {
	if given != "" {
		if given != confirmPhrase {
			return fmt.Errorf("%w: --confirm must be %s", errNotConfirmed, confirmPhrase)
		}
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("%w: pass --confirm %s when not running on a terminal", errNotConfirmed, confirmPhrase)
	}
	color.Red("⚠️  WARNING: This will DESTROY ALL DATA on:")
	for _, d := range p.Devices {
		color.Red("     %s", d.String())
	}
	var typed string
	prompt := &survey.Input{Message: fmt.Sprintf("Type '%s' to confirm:", confirmPhrase)}
	if err := survey.AskOne(prompt, &typed); err != nil {
		return err
	}
	if typed != confirmPhrase {
		return errNotConfirmed
	}
	return nil
}

func printReport(w io.Writer, rep *executor.Report) {
	ok := color.New(color.FgGreen).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	for _, s := range rep.Steps {
		var mark string
		switch s.Status {
		case executor.StatusOK:
			mark = ok("✓")
		case executor.StatusWarning:
			mark = warn("!")
		case executor.StatusFailed:
			mark = bad("✗")
		default:
			mark = "-"
		}
		line := fmt.Sprintf(" %s %s", mark, s.Description)
		if s.Status != executor.StatusOK {
			line += fmt.Sprintf(" (%s", s.Status)
			if s.Reason != "" {
				line += ": " + s.Reason
			}
			line += ")"
		}
		fmt.Fprintln(w, line)
		if s.Error != "" {
			fmt.Fprintf(w, "     %s\n", bad(s.Error))
		}
	}

	if len(rep.Warnings) > 0 {
		fmt.Fprintln(w, warn("\nWarnings:"))
		for _, msg := range rep.Warnings {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}
	if rep.Rollback != nil && rep.Rollback.Attempted {
		fmt.Fprintln(w, warn("\nRollback:"))
		for _, act := range rep.Rollback.Actions {
			res := ok("ok")
			if !act.OK {
				res = bad("failed: " + act.Error)
			}
			fmt.Fprintf(w, "  %s: %s\n", act.Command, res)
		}
		if !rep.Rollback.Clean() {
			fmt.Fprintln(w, bad("Rollback was incomplete; inspect the disks before retrying."))
		}
	}

	fmt.Fprintln(w)
	switch {
	case rep.DryRun:
		fmt.Fprintf(w, "Dry run %s: %d steps checked, %d warnings.\n", rep.RunID, len(rep.Steps), len(rep.Warnings))
	case !rep.OK:
		fmt.Fprintf(w, "%s run %s failed at %s\n", bad("✗"), rep.RunID, rep.FailedStep)
	case rep.Partial:
		fmt.Fprintf(w, "%s Volume provisioned, but boot configuration did not complete (run %s).\n", warn("!"), rep.RunID)
	default:
		fmt.Fprintf(w, "%s Provisioning completed (run %s).\n", ok("✓"), rep.RunID)
	}
}
