// Package planner validates a provisioning request against the live
// inventory and turns it into an ordered list of destructive steps.
package planner

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/freebrew/liveRAID/internal/layout"
	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/internal/sysctx"
)

const DefaultMountRoot = "/target"

// Request is the user's selection.
type Request struct {
	Devices    []string        `json:"devices"`
	Level      raid.Level      `json:"level"`
	Filesystem raid.Filesystem `json:"filesystem"`
	MountRoot  string          `json:"mountRoot"`
	DryRun     bool            `json:"dryRun"`
}

type Options struct {
	ESPSize uint64
	// Candidates is the discovery filter every selected disk must pass.
	Candidates blk.CandidateOptions
	// Label is applied to the data filesystem.
	Label string
}

// Planner is bound to one inventory snapshot and one system context.
type Planner struct {
	inv  blk.Inventory
	sys  sysctx.Context
	opts Options
}

func New(inv blk.Inventory, sys sysctx.Context, opts Options) *Planner {
	if opts.Label == "" {
		opts.Label = "root"
	}
	return &Planner{inv: inv, sys: sys, opts: opts}
}

// Plan validates req and builds the plan. Validation stops at the first
// failure: unknown device, device in use, then too few devices.
func (p *Planner) Plan(req Request) (*Plan, error) {
	if !req.Level.Valid() {
		return nil, fmt.Errorf("%w: %q", raid.ErrInvalidRaidLevel, req.Level)
	}
	if !req.Filesystem.Valid() {
		return nil, fmt.Errorf("unsupported filesystem %q", req.Filesystem)
	}
	mountRoot := strings.TrimSpace(req.MountRoot)
	if mountRoot == "" {
		mountRoot = DefaultMountRoot
	}
	if !filepath.IsAbs(mountRoot) || filepath.Clean(mountRoot) == "/" {
		return nil, fmt.Errorf("mount root must be an absolute path other than /: %q", req.MountRoot)
	}
	mountRoot = filepath.Clean(mountRoot)

	selected := []blk.Device{}
	seen := map[string]bool{}
	for _, raw := range req.Devices {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d, ok := p.inv.Lookup(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %s", raid.ErrDeviceNotFound, raw)
		}
		if d.Type != "disk" {
			return nil, fmt.Errorf("%w: %s is a %s, not a whole disk", raid.ErrDeviceNotFound, raw, d.Type)
		}
		if seen[d.Path] {
			continue
		}
		seen[d.Path] = true
		selected = append(selected, d)
	}
	candidates := map[string]bool{}
	for _, d := range p.inv.Candidates(p.opts.Candidates) {
		candidates[d.Path] = true
	}
	for _, d := range selected {
		if d.IsRoot {
			return nil, fmt.Errorf("%w: %s backs the running system", raid.ErrDeviceInUse, d.Path)
		}
		if d.Mounted {
			return nil, fmt.Errorf("%w: %s is mounted at %s", raid.ErrDeviceInUse, d.Path, strings.Join(d.Mountpoints, ", "))
		}
		if err := p.eligible(d, candidates); err != nil {
			return nil, err
		}
	}
	if need := req.Level.MinDevices(); len(selected) < need {
		return nil, &raid.InsufficientDisksError{Level: req.Level, Required: need, Got: len(selected)}
	}

	array := req.Level.NeedsArray(len(selected))
	lay, err := layout.Build(selected, p.sys.Firmware, p.sys.Table, layout.Options{ESPSize: p.opts.ESPSize, Array: array})
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Devices:    selected,
		Level:      req.Level,
		Filesystem: req.Filesystem,
		MountRoot:  mountRoot,
		Firmware:   lay.Firmware,
		Table:      lay.Table,
		Layout:     lay,
		DryRun:     req.DryRun,
	}
	if array {
		plan.Array = p.nextArray()
		plan.RootDevice = plan.Array
	} else {
		plan.RootDevice = lay.Members()[0]
	}
	plan.Steps = p.steps(plan)
	plan.ID = plan.Digest()
	return plan, nil
}

// eligible explains why a disk that discovery would not offer was rejected.
func (p *Planner) eligible(d blk.Device, candidates map[string]bool) error {
	if candidates[d.Path] {
		return nil
	}
	switch {
	case d.ReadOnly:
		return fmt.Errorf("%w: %s is read-only", raid.ErrDeviceInUse, d.Path)
	case d.Removable && !p.opts.Candidates.AllowRemovable:
		return fmt.Errorf("%w: %s is removable (set allowRemovable to use it)", raid.ErrDeviceInUse, d.Path)
	case d.SizeBytes == 0:
		return fmt.Errorf("%w: %s reports no capacity", raid.ErrDeviceNotFound, d.Path)
	case p.opts.Candidates.MinSize > 0 && d.SizeBytes < p.opts.Candidates.MinSize:
		return fmt.Errorf("%w: %s is smaller than %s", raid.ErrDeviceNotFound, d.Path, blk.FormatSize(p.opts.Candidates.MinSize))
	}
	return fmt.Errorf("%w: %s is not a selectable disk", raid.ErrDeviceNotFound, d.Path)
}

// nextArray picks the lowest /dev/mdN not already held by a scanned disk.
func (p *Planner) nextArray() string {
	used := map[string]bool{}
	for _, d := range p.inv.Devices {
		for _, h := range d.Holders {
			used[h] = true
		}
	}
	for i := 0; ; i++ {
		name := "/dev/md" + strconv.Itoa(i)
		if !used[name] {
			return name
		}
	}
}

func (p *Planner) steps(plan *Plan) []Step {
	var steps []Step
	add := func(s Step) { steps = append(steps, s) }

	stopped := map[string]bool{}
	for _, d := range plan.Devices {
		for _, h := range d.Holders {
			if stopped[h] {
				continue
			}
			stopped[h] = true
			add(Step{
				ID:          "stop-array-" + path.Base(h),
				Kind:        KindStopArray,
				Description: fmt.Sprintf("Stop existing array %s holding %s", h, d.Path),
				Criticality: Fatal,
				Target:      h,
				Argv:        [][]string{{"mdadm", "--stop", h}},
			})
		}
	}

	var partitions []string
	for _, s := range plan.Layout.Schemes {
		name := path.Base(s.Disk)
		add(Step{
			ID:          "wipe-" + name,
			Kind:        KindWipe,
			Description: fmt.Sprintf("Erase filesystem, RAID and partition-table signatures on %s", s.Disk),
			Criticality: Fatal,
			Target:      s.Disk,
			Disk:        s.Disk,
			Group:       GroupPartition,
			Argv:        [][]string{{"wipefs", "-a", s.Disk}},
		})
		add(Step{
			ID:          "zero-superblock-" + name,
			Kind:        KindZeroSuperblock,
			Description: fmt.Sprintf("Clear stale md superblock on %s", s.Disk),
			Criticality: BestEffort,
			Target:      s.Disk,
			Disk:        s.Disk,
			Group:       GroupPartition,
			Argv:        [][]string{{"mdadm", "--zero-superblock", "--force", s.Disk}},
		})
		add(Step{
			ID:          "partition-" + name,
			Kind:        KindPartition,
			Description: fmt.Sprintf("Create %s partition table on %s (%s)", s.Table, s.Disk, describeScheme(s)),
			Criticality: Fatal,
			Target:      s.Disk,
			Disk:        s.Disk,
			Group:       GroupPartition,
			Argv:        s.Commands(),
			MinBytes:    s.MinDiskSize(plan.Filesystem),
		})
		for _, part := range s.Partitions {
			partitions = append(partitions, part.Path)
		}
	}
	add(Step{
		ID:          "settle-partitions",
		Kind:        KindSettle,
		Description: "Wait for partition device nodes",
		Criticality: Fatal,
		Target:      strings.Join(plan.Layout.Disks(), ","),
		Wait:        partitions,
	})

	if plan.Array != "" {
		members := plan.Layout.Members()
		argv := []string{
			"mdadm", "--create", plan.Array, "--run", "--metadata=1.2",
			"--level=" + plan.Level.MdadmLevel(),
			"--raid-devices=" + strconv.Itoa(len(members)),
		}
		add(Step{
			ID:          "assemble-" + path.Base(plan.Array),
			Kind:        KindAssemble,
			Description: fmt.Sprintf("Assemble %s from %d data partitions as %s", plan.Level.DisplayName(), len(members), plan.Array),
			Criticality: Fatal,
			Target:      plan.Array,
			Argv:        [][]string{append(argv, members...)},
			Device:      plan.Array,
			Members:     members,
		})
		add(Step{
			ID:          "settle-" + path.Base(plan.Array),
			Kind:        KindSettle,
			Description: fmt.Sprintf("Wait for %s to appear", plan.Array),
			Criticality: Fatal,
			Target:      plan.Array,
			Wait:        []string{plan.Array},
		})
	}

	add(Step{
		ID:          "mkfs-root",
		Kind:        KindMkfs,
		Description: fmt.Sprintf("Create %s filesystem on %s", plan.Filesystem, plan.RootDevice),
		Criticality: Fatal,
		Target:      plan.RootDevice,
		Argv:        [][]string{plan.Filesystem.MkfsArgv(plan.RootDevice, p.opts.Label)},
		Device:      plan.RootDevice,
	})
	add(Step{
		ID:          "mount-root",
		Kind:        KindMount,
		Description: fmt.Sprintf("Mount %s at %s", plan.RootDevice, plan.MountRoot),
		Criticality: Fatal,
		Target:      plan.MountRoot,
		Argv:        [][]string{{"mount", "-t", plan.Filesystem.FstabType(), plan.RootDevice, plan.MountRoot}},
		Device:      plan.RootDevice,
		MountPoint:  plan.MountRoot,
	})
	fstabPath := filepath.Join(plan.MountRoot, "etc/fstab")
	add(Step{
		ID:          "fstab-root",
		Kind:        KindFstab,
		Description: fmt.Sprintf("Write fstab entry for / in %s", fstabPath),
		Criticality: Fatal,
		Target:      fstabPath,
		Fstab:       &FstabEntry{Device: plan.RootDevice, MountPoint: "/", Filesystem: plan.Filesystem},
	})

	esps := plan.Layout.ESPs()
	for i, e := range esps {
		add(Step{
			ID:          "mkfs-esp-" + path.Base(e.Path),
			Kind:        KindMkfs,
			Description: fmt.Sprintf("Format %s as FAT32 EFI system partition", e.Path),
			Criticality: espCriticality(i),
			Target:      e.Path,
			Disk:        diskOf(plan.Layout, e.Path),
			Group:       GroupESPFormat,
			Argv:        [][]string{raid.ESPFilesystem.MkfsArgv(e.Path, espLabel(i))},
			Device:      e.Path,
		})
	}
	for i, e := range esps {
		mp := filepath.Join(plan.MountRoot, e.MountPoint)
		add(Step{
			ID:          "mount-esp-" + path.Base(e.Path),
			Kind:        KindMount,
			Description: fmt.Sprintf("Mount %s at %s", e.Path, mp),
			Criticality: espCriticality(i),
			Target:      mp,
			Argv:        [][]string{{"mount", "-t", "vfat", "-o", "umask=0077", e.Path, mp}},
			Device:      e.Path,
			MountPoint:  mp,
		})
		add(Step{
			ID:          "fstab-esp-" + path.Base(e.Path),
			Kind:        KindFstab,
			Description: fmt.Sprintf("Add nofail fstab entry for %s", e.MountPoint),
			Criticality: espCriticality(i),
			Target:      fstabPath,
			Fstab:       &FstabEntry{Device: e.Path, MountPoint: e.MountPoint, Filesystem: raid.ESPFilesystem, ESP: true},
		})
	}

	add(Step{
		ID:          "boot",
		Kind:        KindBoot,
		Description: fmt.Sprintf("Configure bootloader and initramfs in %s", plan.MountRoot),
		Criticality: BestEffort,
		Target:      plan.MountRoot,
	})
	return steps
}

// The primary ESP is required; mirrors are redundancy only.
func espCriticality(i int) Criticality {
	if i == 0 {
		return Fatal
	}
	return BestEffort
}

func espLabel(i int) string {
	if i == 0 {
		return "ESP"
	}
	return "ESP" + strconv.Itoa(i+1)
}

func describeScheme(s layout.Scheme) string {
	parts := make([]string, 0, len(s.Partitions))
	for _, p := range s.Partitions {
		parts = append(parts, string(p.Role))
	}
	return strings.Join(parts, "+")
}
