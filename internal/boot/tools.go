package boot

import (
	"os"
	"path/filepath"

	"github.com/freebrew/liveRAID/internal/raid"
)

type Role string

const (
	RoleConfig    Role = "bootloader config generator"
	RoleInitramfs Role = "initramfs generator"
	RoleInstaller Role = "bootloader installer"
)

// Tool is one member of a tool family. Families are searched in order and
// the first binary present in the target wins.
type Tool struct {
	Name string
	Args []string
}

func (t Tool) Argv() []string { return append([]string{t.Name}, t.Args...) }

var (
	ConfigTools = []Tool{
		{Name: "update-grub"},
		{Name: "grub-mkconfig", Args: []string{"-o", "/boot/grub/grub.cfg"}},
		{Name: "grub2-mkconfig", Args: []string{"-o", "/boot/grub2/grub.cfg"}},
	}
	InitramfsTools = []Tool{
		{Name: "update-initramfs", Args: []string{"-u", "-k", "all"}},
		{Name: "dracut", Args: []string{"--regenerate-all", "--force"}},
		{Name: "mkinitcpio", Args: []string{"-P"}},
	}
	InstallerTools = []Tool{
		{Name: "grub-install"},
		{Name: "grub2-install"},
	}
)

var binDirs = []string{"usr/sbin", "usr/bin", "sbin", "bin", "usr/local/sbin", "usr/local/bin"}

// FindTool returns the first tool of the family installed under root.
func FindTool(root string, role Role, family []Tool) (Tool, error) {
	tried := make([]string, 0, len(family))
	for _, t := range family {
		if hasBinary(root, t.Name) {
			return t, nil
		}
		tried = append(tried, t.Name)
	}
	return Tool{}, &raid.ToolNotFoundError{Role: string(role), Tried: tried}
}

func hasBinary(root, name string) bool {
	for _, d := range binDirs {
		fi, err := os.Stat(filepath.Join(root, d, name))
		if err == nil && !fi.IsDir() {
			return true
		}
	}
	return false
}
