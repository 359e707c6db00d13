package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
)

func newDiscoverCmd() *cobra.Command {
	var (
		all     bool
		asJSON  bool
		minSize string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List disks that can become RAID members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			inv, sys, err := a.scan(cmd.Context())
			if err != nil {
				return err
			}
			opts := a.candidates()
			if minSize != "" {
				if opts.MinSize, err = blk.ParseSize(minSize); err != nil {
					return fmt.Errorf("--min-size: %w", err)
				}
			}
			candidates := inv.Candidates(opts)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"system": sys, "candidates": candidates, "devices": inv.Devices})
			}

			fmt.Printf("Firmware: %s  Partition table: %s  Live environment: %v\n", sys.Firmware, sys.Table, sys.LiveEnvironment)
			if sys.RootSource != "" {
				fmt.Printf("Running system: %s\n", sys.RootSource)
			}
			if missing := sys.Missing("mdadm", "parted", "wipefs", "udevadm"); len(missing) > 0 {
				color.Yellow("Missing tools: %s", strings.Join(missing, ", "))
			}
			fmt.Println()

			list := candidates
			if all {
				list = inv.Devices
			}
			if len(list) == 0 {
				color.Yellow("No candidate disks found.")
				return nil
			}
			ok := map[string]bool{}
			for _, d := range candidates {
				ok[d.Path] = true
			}
			printDevices(os.Stdout, list, ok)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disks that cannot be selected")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&minSize, "min-size", "", "hide disks smaller than this (e.g. 16G)")
	return cmd
}

func printDevices(w io.Writer, devices []blk.Device, candidate map[string]bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSIZE\tTRAN\tMODEL\tSERIAL\tSTATUS")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Path, blk.FormatSize(d.SizeBytes), dash(d.Transport), dash(d.Model), dash(d.Serial), deviceStatus(d, candidate[d.Path]))
	}
	_ = tw.Flush()
}

func deviceStatus(d blk.Device, candidate bool) string {
	var notes []string
	switch {
	case d.IsRoot:
		notes = append(notes, "running system")
	case d.Mounted:
		notes = append(notes, "mounted at "+strings.Join(d.Mountpoints, ","))
	}
	if d.ReadOnly {
		notes = append(notes, "read-only")
	}
	if d.Removable {
		notes = append(notes, "removable")
	}
	if len(d.Holders) > 0 {
		notes = append(notes, "member of "+strings.Join(d.Holders, ","))
	}
	if d.FSType != "" {
		notes = append(notes, d.FSType)
	}
	if candidate {
		notes = append([]string{"available"}, notes...)
	}
	if len(notes) == 0 {
		return "unavailable"
	}
	return strings.Join(notes, ", ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newLevelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "Describe the supported RAID levels and filesystems",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "LEVEL\tNAME\tMIN DISKS\tREDUNDANCY\tSURVIVES DISK LOSS\tDESCRIPTION")
			for _, l := range raid.Levels() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%v\t%s\n",
					l, l.DisplayName(), l.MinDevices(), l.Redundancy(), l.ToleratesDiskFailure(), l.Description())
			}
			_ = tw.Flush()

			fmt.Println()
			names := []string{}
			for _, f := range raid.Filesystems() {
				names = append(names, string(f))
			}
			fmt.Printf("Filesystems: %s\n", strings.Join(names, ", "))
		},
	}
}
