package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/freebrew/liveRAID/internal/boot"
)

func newBootCmd() *cobra.Command {
	var (
		esps   []string
		disks  []string
		array  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "boot <root>",
		Short: "Install the bootloader into a populated target root",
		Long: `Install GRUB on every boot target, regenerate the bootloader
configuration and initramfs inside <root> and mirror the first installed ESP to
the others. Run it once the operating system has been installed into the
provisioned volume.

ESPs are given as the mount point below <root>, optionally prefixed with
the disk and partition: --esp /dev/sda:/dev/sda1:/boot/efi. The first ESP
is the primary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			root := filepath.Clean(args[0])
			if !filepath.IsAbs(root) || root == "/" {
				return fmt.Errorf("root must be an absolute path other than /: %q", args[0])
			}
			req := boot.Request{Root: root, Array: array}
			for i, spec := range esps {
				t, err := parseESP(spec)
				if err != nil {
					return err
				}
				t.Primary = i == 0
				req.Targets = append(req.Targets, t)
			}
			for _, d := range disks {
				req.Targets = append(req.Targets, boot.Target{Kind: boot.TargetBIOS, Disk: d})
			}
			if len(req.Targets) == 0 {
				return fmt.Errorf("no boot targets; pass --esp or --bios-disk")
			}

			if a.cfg.DryRun {
				color.Yellow("Dry-run: would configure boot in %s for:", root)
				for _, t := range req.Targets {
					fmt.Printf("  %s %s\n", t.Kind, firstNonEmpty(t.MountPoint, t.Disk))
				}
				return nil
			}

			rep, err := a.bootConfigurer().Configure(cmd.Context(), req)
			if rep != nil {
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if jerr := enc.Encode(rep); jerr != nil {
						return jerr
					}
				} else {
					printBootReport(rep)
				}
			}
			return err
		},
	}
	cmd.Flags().StringArrayVar(&esps, "esp", nil, "ESP as [disk:partition:]mountpoint (repeatable)")
	cmd.Flags().StringArrayVar(&disks, "bios-disk", nil, "disk to receive a BIOS boot sector (repeatable)")
	cmd.Flags().StringVar(&array, "array", "", "md array backing the root filesystem")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report in JSON format")
	return cmd
}

func parseESP(spec string) (boot.Target, error) {
	parts := strings.Split(spec, ":")
	t := boot.Target{Kind: boot.TargetESP}
	switch len(parts) {
	case 1:
		t.MountPoint = parts[0]
	case 3:
		t.Disk, t.Device, t.MountPoint = parts[0], parts[1], parts[2]
	default:
		return t, fmt.Errorf("invalid --esp %q: want [disk:partition:]mountpoint", spec)
	}
	if !strings.HasPrefix(t.MountPoint, "/") {
		return t, fmt.Errorf("invalid --esp %q: mount point must be absolute within the target", spec)
	}
	return t, nil
}

func printBootReport(rep *boot.Report) {
	if rep.Skipped {
		color.Yellow("Boot configuration skipped: %s", rep.Reason)
		return
	}
	for _, in := range rep.Installs {
		if in.OK {
			color.Green(" ✓ %s %s", in.Kind, in.Target)
		} else {
			color.Red(" ✗ %s %s: %s", in.Kind, in.Target, in.Error)
		}
	}
	if rep.ConfigTool != "" {
		fmt.Printf("Configuration generated with %s\n", rep.ConfigTool)
	}
	if rep.InitramfsTool != "" {
		fmt.Printf("Initramfs regenerated with %s\n", rep.InitramfsTool)
	}
	for _, s := range rep.Synced {
		fmt.Printf("Mirrored ESP contents to %s\n", s)
	}
	for _, b := range rep.Backups {
		fmt.Printf("Backup: %s\n", b)
	}
	for _, w := range rep.Warnings {
		color.Yellow("Warning: %s", w)
	}
	if !rep.Released {
		color.Red("Some bind mounts below %s could not be released.", rep.Root)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
