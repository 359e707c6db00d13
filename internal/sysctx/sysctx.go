// Package sysctx gathers the facts about the running system that planning
// and execution depend on, so they are passed explicitly instead of being
// read from ambient state.
package sysctx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/freebrew/liveRAID/pkg/shell"
)

type Firmware string

const (
	UEFI Firmware = "uefi"
	BIOS Firmware = "bios"
	Both Firmware = "both"
)

func (f Firmware) HasUEFI() bool { return f == UEFI || f == Both }
func (f Firmware) HasBIOS() bool { return f == BIOS || f == Both }

func ParseFirmware(s string) (Firmware, error) {
	switch Firmware(strings.ToLower(strings.TrimSpace(s))) {
	case UEFI, "efi":
		return UEFI, nil
	case BIOS, "legacy":
		return BIOS, nil
	case Both:
		return Both, nil
	}
	return "", fmt.Errorf("unknown firmware mode %q", s)
}

// Table is a partition table format as named by parted mklabel.
type Table string

const (
	GPT Table = "gpt"
	MBR Table = "msdos"
)

func ParseTable(s string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gpt", "":
		return GPT, nil
	case "msdos", "mbr", "dos":
		return MBR, nil
	}
	return "", fmt.Errorf("unknown partition table %q", s)
}

// Context is an explicit snapshot of the environment.
type Context struct {
	Firmware        Firmware        `json:"firmware"`
	Table           Table           `json:"table"`
	Tools           map[string]bool `json:"tools"`
	LiveEnvironment bool            `json:"liveEnvironment"`
	RootSource      string          `json:"rootSource,omitempty"`
}

// HasTool reports whether name was found on PATH at detection time.
func (c Context) HasTool(name string) bool { return c.Tools[name] }

// Missing returns the subset of names that were not found, sorted.
func (c Context) Missing(names ...string) []string {
	out := []string{}
	for _, n := range names {
		if !c.Tools[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Tools found on the host.
var HostTools = []string{
	"lsblk", "blkid", "findmnt", "wipefs", "parted", "mdadm", "udevadm",
	"mount", "umount", "chroot",
	"mkfs.ext4", "mkfs.ext3", "mkfs.ext2", "mkfs.xfs", "mkfs.btrfs",
	"mkfs.reiserfs", "mkfs.jfs", "mkfs.ntfs", "mkfs.fat", "mkfs.exfat",
}

type Options struct {
	// Firmware and Table override detection when set ("auto" means detect).
	Firmware string
	Table    string
	// SysRoot prefixes every inspected path; empty means "/".
	SysRoot string
}

var lookPath = exec.LookPath

// Detect inspects firmware, tools, live-media markers and the root source.
func Detect(ctx context.Context, r shell.Runner, opts Options) (Context, error) {
	root := opts.SysRoot
	if root == "" {
		root = "/"
	}
	out := Context{Tools: map[string]bool{}}

	if fw := strings.TrimSpace(opts.Firmware); fw != "" && fw != "auto" {
		f, err := ParseFirmware(fw)
		if err != nil {
			return out, err
		}
		out.Firmware = f
	} else if exists(filepath.Join(root, "sys/firmware/efi")) {
		out.Firmware = UEFI
	} else {
		out.Firmware = BIOS
	}

	t, err := ParseTable(opts.Table)
	if err != nil {
		return out, err
	}
	out.Table = t
	if out.Firmware.HasUEFI() {
		out.Table = GPT
	}

	for _, name := range HostTools {
		if _, err := lookPath(name); err == nil {
			out.Tools[name] = true
		}
	}

	out.LiveEnvironment = exists(filepath.Join(root, "run/live")) || exists(filepath.Join(root, "lib/live/mount"))
	if b, err := os.ReadFile(filepath.Join(root, "proc/cmdline")); err == nil {
		for _, f := range strings.Fields(string(b)) {
			if f == "boot=live" || f == "boot=casper" {
				out.LiveEnvironment = true
			}
		}
	}

	if out.Tools["findmnt"] {
		if res, err := r.Run(ctx, "findmnt", "-n", "-o", "SOURCE", "/"); err == nil {
			out.RootSource = cleanSource(res.Output())
		}
	}
	return out, nil
}

// cleanSource drops btrfs subvolume suffixes and non-block sources like overlay.
func cleanSource(s string) string {
	if i := strings.IndexByte(s, '['); i >= 0 {
		s = s[:i]
	}
	if !strings.HasPrefix(s, "/dev/") {
		return ""
	}
	return s
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
