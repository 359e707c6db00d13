package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/freebrew/liveRAID/internal/planfile"
	"github.com/freebrew/liveRAID/internal/planner"
	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/pkg/shell"
)

func newPlanCmd() *cobra.Command {
	var (
		devices []string
		level   string
		fs      string
		mount   string
		output  string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build a provisioning plan for the selected disks",
		Long: `Validate the selected disks against a fresh scan and print the ordered
steps that apply would run. Nothing is written to the disks.

With no --devices on a terminal, candidates are offered for selection.`,
		Example: `  raidctl plan --devices /dev/sda,/dev/sdb --level raid1 -o plan.json
  raidctl plan --level raid5 --fs xfs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			lvl, err := raid.ParseLevel(level)
			if err != nil {
				return err
			}
			fsys := a.cfg.Filesystem
			if fs != "" {
				if fsys, err = raid.ParseFilesystem(fs); err != nil {
					return err
				}
			}
			if mount == "" {
				mount = a.cfg.TargetMount
			}

			inv, sys, err := a.scan(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				if devices, err = selectDevices(inv.Candidates(a.candidates()), lvl); err != nil {
					return err
				}
			}

			g := a.guard(sys, a.executor(nil))
			p, lease, err := g.Plan(planner.New(inv, sys, a.plannerOptions()), planner.Request{
				Devices:    devices,
				Level:      lvl,
				Filesystem: fsys,
				MountRoot:  mount,
			})
			if err != nil {
				return err
			}
			defer lease.Release()

			if output != "" {
				if err := planfile.Save(cmd.Context(), output, p); err != nil {
					return fmt.Errorf("save plan: %w", err)
				}
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			}
			printPlan(os.Stdout, p)
			if output != "" {
				color.Green("\n✓ Plan written to %s", output)
				fmt.Printf("Apply it with: raidctl apply %s\n", shell.Join(output))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&devices, "devices", "d", nil, "whole disks to use (comma separated)")
	cmd.Flags().StringVarP(&level, "level", "l", "raid1", "RAID level (none, raid0, raid1, raid5, raid6, raid10)")
	cmd.Flags().StringVar(&fs, "fs", "", "root filesystem (default from config)")
	cmd.Flags().StringVar(&mount, "mount", "", "where the new root is mounted (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the plan to this file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

// selectDevices asks for disks interactively.
func selectDevices(candidates []blk.Device, lvl raid.Level) ([]string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("no devices given; pass --devices")
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate disks found", raid.ErrDeviceNotFound)
	}
	options := make([]string, len(candidates))
	for i, d := range candidates {
		options[i] = d.String()
	}
	var picked []int
	prompt := &survey.MultiSelect{
		Message: fmt.Sprintf("Select disks for %s (at least %d):", lvl.DisplayName(), lvl.MinDevices()),
		Options: options,
	}
	if err := survey.AskOne(prompt, &picked, survey.WithValidator(survey.MinItems(lvl.MinDevices()))); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(picked))
	for _, i := range picked {
		out = append(out, candidates[i].Path)
	}
	return out, nil
}

func printPlan(w io.Writer, p *planner.Plan) {
	mode := "LIVE"
	if p.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "Plan %s (%s)\n", p.ID, mode)
	fmt.Fprintf(w, "  %s with %s on %s\n", p.Level.DisplayName(), p.Filesystem, strings.Join(p.Layout.Disks(), ", "))
	fmt.Fprintf(w, "  Root device: %s mounted at %s\n", p.RootDevice, p.MountRoot)
	fmt.Fprintf(w, "  Firmware: %s, partition table: %s\n\n", p.Firmware, p.Table)
	for i, s := range p.Steps {
		tag := ""
		if s.Criticality == planner.BestEffort {
			tag = color.New(color.FgYellow).Sprint(" [best effort]")
		}
		fmt.Fprintf(w, "%3d. %s%s\n", i+1, s.Description, tag)
		for _, argv := range s.Argv {
			fmt.Fprintf(w, "       $ %s\n", shell.Join(argv...))
		}
	}
}
