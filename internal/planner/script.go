package planner

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/freebrew/liveRAID/internal/boot"
	"github.com/freebrew/liveRAID/pkg/shell"
)

// Script renders the plan as a standalone bash script for review or
// manual execution on another machine.
func Script(p *Plan, settle time.Duration) string {
	secs := int(settle.Seconds())
	if secs <= 0 {
		secs = 30
	}
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# raidctl plan %s\n", p.ID)
	fmt.Fprintf(&b, "# %s, %s on %s, firmware %s\n", p.Level.DisplayName(), p.Filesystem, strings.Join(p.Layout.Disks(), " "), p.Firmware)
	b.WriteString("set -euo pipefail\n")
	started := map[string]bool{}
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "\n# [%s] %s\n", s.Criticality, s.Description)
		fmt.Fprintf(&b, "echo %s\n", shell.Join("==> "+s.Description))
		var lines []string
		switch s.Kind {
		case KindSettle:
			lines = append(lines, fmt.Sprintf("udevadm settle --timeout=%d", secs))
			for _, w := range s.Wait {
				lines = append(lines, fmt.Sprintf("test -b %s", shell.Join(w)))
			}
		case KindMount:
			lines = append(lines, "mkdir -p "+shell.Join(s.MountPoint))
			lines = append(lines, joinAll(s.Argv)...)
		case KindFstab:
			lines = append(lines, "mkdir -p "+shell.Join(filepath.Dir(s.Target)))
			if !started[s.Target] {
				started[s.Target] = true
				lines = append(lines, fstabReset(s.Target)...)
			}
			e := s.Fstab
			opts, pass := FstabOptions(*e)
			lines = append(lines, fmt.Sprintf(`echo "UUID=$(blkid -s UUID -o value %s) %s %s %s 0 %d" >> %s`,
				shell.Join(e.Device), e.MountPoint, e.Filesystem.FstabType(), opts, pass, shell.Join(s.Target)))
		case KindBoot:
			lines = append(lines, bootCommand(p, s.Target))
		default:
			lines = append(lines, joinAll(s.Argv)...)
		}
		for _, ln := range lines {
			if s.Criticality == BestEffort {
				ln += " || echo 'warning: step " + s.ID + " failed' >&2"
			}
			b.WriteString(ln + "\n")
		}
	}
	return b.String()
}

// fstabReset backs up an existing fstab and starts it over with the header,
// so re-running the script does not duplicate entries.
func fstabReset(path string) []string {
	q := shell.Join(path)
	return []string{
		fmt.Sprintf(`if [ -f %s ]; then cp -a %s %s.backup.$(date +%%Y%%m%%d_%%H%%M%%S); fi`, q, q, q),
		fmt.Sprintf("printf '%%s' %s > %s", shell.Join(FstabHeader), q),
	}
}

// FstabOptions returns the options column and fsck pass for an entry.
func FstabOptions(e FstabEntry) (string, int) {
	if e.ESP {
		return "umask=0077,nofail", 2
	}
	if e.MountPoint == "/" {
		return "defaults", 1
	}
	return "defaults", 2
}

// FstabHeader opens every fstab raidctl writes. Earlier contents are kept
// only in the backup copy.
const FstabHeader = "# /etc/fstab: static file system information.\n# Generated by raidctl.\n#\n# <file system> <mount point> <type> <options> <dump> <pass>\n"

// FormatFstabLine renders an fstab line keyed by filesystem UUID.
func FormatFstabLine(uuid string, e FstabEntry) string {
	opts, pass := FstabOptions(e)
	return fmt.Sprintf("UUID=%s %s %s %s 0 %d", uuid, e.MountPoint, e.Filesystem.FstabType(), opts, pass)
}

// bootCommand is the raidctl invocation equivalent to the boot step.
func bootCommand(p *Plan, root string) string {
	argv := []string{"raidctl", "boot", root}
	if p.Array != "" {
		argv = append(argv, "--array", p.Array)
	}
	for _, t := range p.BootTargets() {
		switch t.Kind {
		case boot.TargetESP:
			argv = append(argv, "--esp", t.Disk+":"+t.Device+":"+t.MountPoint)
		case boot.TargetBIOS:
			argv = append(argv, "--bios-disk", t.Disk)
		}
	}
	argv = append(argv, "--dry-run=false")
	return shell.Join(argv...)
}

func joinAll(argv [][]string) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		out = append(out, shell.Join(a...))
	}
	return out
}
