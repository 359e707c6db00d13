// Package layout decides how each member disk is partitioned for a given
// firmware mode. ESP and bios_grub partitions live outside the RAID member set.
package layout

import (
	"fmt"
	"strconv"

	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/internal/sysctx"
)

type Role string

const (
	RoleESP      Role = "esp"
	RoleBIOSGrub Role = "bios_grub"
	RoleData     Role = "data"
)

const (
	MiB            = uint64(1024 * 1024)
	DefaultESPSize = 512 * MiB
	biosGrubSize   = 2 * MiB
	alignment      = 1 * MiB
)

// Partition is one planned partition. SizeBytes of zero means "rest of disk".
type Partition struct {
	Number     int             `json:"number"`
	Role       Role            `json:"role"`
	Name       string          `json:"name"`
	Path       string          `json:"path"`
	Start      string          `json:"start"`
	End        string          `json:"end"`
	SizeBytes  uint64          `json:"sizeBytes,omitempty"`
	Flags      []string        `json:"flags,omitempty"`
	Filesystem raid.Filesystem `json:"filesystem,omitempty"`
	MountPoint string          `json:"mountPoint,omitempty"`
	RaidMember bool            `json:"raidMember"`
}

// Scheme is the full partition table for one disk.
type Scheme struct {
	Disk       string       `json:"disk"`
	DiskSize   uint64       `json:"diskSize"`
	Table      sysctx.Table `json:"table"`
	Partitions []Partition  `json:"partitions"`
}

// Layout maps each member disk to its scheme, in selection order.
type Layout struct {
	Firmware sysctx.Firmware `json:"firmware"`
	Table    sysctx.Table    `json:"table"`
	Schemes  []Scheme        `json:"schemes"`
}

type Options struct {
	ESPSize uint64
	// Array marks data partitions as RAID members.
	Array bool
}

// ESPMountPoint returns /boot/efi for the first ESP and /boot/efiN after it.
func ESPMountPoint(index int) string {
	if index == 0 {
		return "/boot/efi"
	}
	return "/boot/efi" + strconv.Itoa(index+1)
}

// Build lays out every disk. Under UEFI (or both) GPT is forced.
func Build(disks []blk.Device, fw sysctx.Firmware, table sysctx.Table, opts Options) (Layout, error) {
	if len(disks) == 0 {
		return Layout{}, fmt.Errorf("layout: no disks")
	}
	if opts.ESPSize == 0 {
		opts.ESPSize = DefaultESPSize
	}
	if fw.HasUEFI() {
		table = sysctx.GPT
	}
	if table == "" {
		table = sysctx.GPT
	}
	out := Layout{Firmware: fw, Table: table}
	for i, d := range disks {
		out.Schemes = append(out.Schemes, scheme(d, i, fw, table, opts))
	}
	if err := out.Verify(); err != nil {
		return Layout{}, err
	}
	return out, nil
}

func scheme(d blk.Device, index int, fw sysctx.Firmware, table sysctx.Table, opts Options) Scheme {
	s := Scheme{Disk: d.Path, DiskSize: d.SizeBytes, Table: table}
	offset := alignment
	add := func(p Partition, size uint64) {
		p.Number = len(s.Partitions) + 1
		p.Path = blk.PartitionPath(d.Path, p.Number)
		p.Start = mibString(offset)
		if size == 0 {
			p.End = "100%"
		} else {
			offset += size
			p.End = mibString(offset)
			p.SizeBytes = size
		}
		s.Partitions = append(s.Partitions, p)
	}
	if fw.HasUEFI() {
		add(Partition{
			Role:       RoleESP,
			Name:       "esp",
			Flags:      []string{"esp"},
			Filesystem: raid.ESPFilesystem,
			MountPoint: ESPMountPoint(index),
		}, opts.ESPSize)
	}
	if fw.HasBIOS() && table == sysctx.GPT {
		add(Partition{Role: RoleBIOSGrub, Name: "bios_grub", Flags: []string{"bios_grub"}}, biosGrubSize)
	}
	data := Partition{Role: RoleData, Name: "data", RaidMember: opts.Array}
	if opts.Array {
		data.Flags = append(data.Flags, "raid")
	}
	if table == sysctx.MBR {
		data.Flags = append(data.Flags, "boot")
	}
	add(data, 0)
	return s
}

func mibString(n uint64) string { return strconv.FormatUint(n/MiB, 10) + "MiB" }

// Members returns the data partitions of every disk, in disk order.
func (l Layout) Members() []string {
	out := []string{}
	for _, s := range l.Schemes {
		for _, p := range s.Partitions {
			if p.Role == RoleData {
				out = append(out, p.Path)
			}
		}
	}
	return out
}

// ESPs returns every ESP partition; the first is the primary.
func (l Layout) ESPs() []Partition {
	out := []Partition{}
	for _, s := range l.Schemes {
		for _, p := range s.Partitions {
			if p.Role == RoleESP {
				out = append(out, p)
			}
		}
	}
	return out
}

// Disks returns the member disk paths.
func (l Layout) Disks() []string {
	out := make([]string, 0, len(l.Schemes))
	for _, s := range l.Schemes {
		out = append(out, s.Disk)
	}
	return out
}

// Verify re-asserts that no ESP or bios_grub partition is a RAID member
// and that every ESP carries a FAT32 filesystem.
func (l Layout) Verify() error {
	members := map[string]bool{}
	for _, m := range l.Members() {
		members[m] = true
	}
	for _, s := range l.Schemes {
		for _, p := range s.Partitions {
			if p.Role == RoleData {
				continue
			}
			if p.RaidMember || members[p.Path] {
				return fmt.Errorf("%w: %s partition %s cannot be a raid member", raid.ErrInvalidRaidLevel, p.Role, p.Path)
			}
			if p.Role == RoleESP && !p.Filesystem.ESPCapable() {
				return fmt.Errorf("%w: esp %s must be fat32, got %s", raid.ErrInvalidRaidLevel, p.Path, p.Filesystem)
			}
		}
	}
	return nil
}

// MinDiskSize is the smallest disk that fits the fixed partitions plus a
// data partition able to hold fs.
func (s Scheme) MinDiskSize(fs raid.Filesystem) uint64 {
	total := 2 * alignment
	for _, p := range s.Partitions {
		total += p.SizeBytes
	}
	return total + fs.MinPartitionSize()
}

// Commands returns the parted invocations that create the scheme, label first.
func (s Scheme) Commands() [][]string {
	cmds := [][]string{{"parted", "-s", s.Disk, "mklabel", string(s.Table)}}
	for _, p := range s.Partitions {
		argv := []string{"parted", "-s", "-a", "optimal", s.Disk, "mkpart"}
		if s.Table == sysctx.MBR {
			argv = append(argv, "primary")
		} else {
			argv = append(argv, p.Name)
		}
		if p.Role == RoleESP {
			argv = append(argv, "fat32")
		}
		argv = append(argv, p.Start, p.End)
		for _, f := range p.Flags {
			argv = append(argv, "set", strconv.Itoa(p.Number), f, "on")
		}
		cmds = append(cmds, argv)
	}
	return cmds
}
