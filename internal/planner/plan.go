package planner

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/freebrew/liveRAID/internal/boot"
	"github.com/freebrew/liveRAID/internal/layout"
	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/internal/sysctx"
)

type Criticality string

const (
	Fatal      Criticality = "fatal"
	BestEffort Criticality = "best-effort"
)

type StepKind string

const (
	KindStopArray      StepKind = "stop-array"
	KindWipe           StepKind = "wipe"
	KindZeroSuperblock StepKind = "zero-superblock"
	KindPartition      StepKind = "partition"
	KindSettle         StepKind = "settle"
	KindAssemble       StepKind = "assemble"
	KindMkfs           StepKind = "mkfs"
	KindMount          StepKind = "mount"
	KindFstab          StepKind = "fstab"
	KindBoot           StepKind = "boot"
)

// Parallel groups. Consecutive steps sharing a group may run concurrently
// across disks; steps for the same disk keep their order.
const (
	GroupPartition = "partition"
	GroupESPFormat = "esp-format"
)

// FstabEntry describes one line of the generated mount table. MountPoint is
// relative to the target root.
type FstabEntry struct {
	Device     string          `json:"device"`
	MountPoint string          `json:"mountPoint"`
	Filesystem raid.Filesystem `json:"filesystem"`
	ESP        bool            `json:"esp,omitempty"`
}

// Step is one external state mutation.
type Step struct {
	ID          string      `json:"id"`
	Kind        StepKind    `json:"kind"`
	Description string      `json:"description"`
	Criticality Criticality `json:"criticality"`
	Target      string      `json:"target"`
	Disk        string      `json:"disk,omitempty"`
	Group       string      `json:"group,omitempty"`
	Argv        [][]string  `json:"argv,omitempty"`
	Device      string      `json:"device,omitempty"`
	Members     []string    `json:"members,omitempty"`
	Wait        []string    `json:"wait,omitempty"`
	MountPoint  string      `json:"mountPoint,omitempty"`
	Fstab       *FstabEntry `json:"fstab,omitempty"`
	MinBytes    uint64      `json:"minBytes,omitempty"`
}

func (s Step) Fatal() bool { return s.Criticality == Fatal }

// Plan is built once by the Planner and treated as read-only afterwards.
// Re-planning produces a new Plan; executors work on copies.
type Plan struct {
	ID         string          `json:"id"`
	Devices    []blk.Device    `json:"devices"`
	Level      raid.Level      `json:"level"`
	Filesystem raid.Filesystem `json:"filesystem"`
	MountRoot  string          `json:"mountRoot"`
	Firmware   sysctx.Firmware `json:"firmware"`
	Table      sysctx.Table    `json:"table"`
	Array      string          `json:"array,omitempty"`
	RootDevice string          `json:"rootDevice"`
	Layout     layout.Layout   `json:"layout"`
	Steps      []Step          `json:"steps"`
	DryRun     bool            `json:"dryRun"`
}

var planNamespace = uuid.MustParse("5b0c7c6e-3f0a-4f53-9a57-2d1c0e6f7a31")

// Digest derives the plan id from its contents. Equal plans share an id.
func (p Plan) Digest() string {
	cp := p
	cp.ID = ""
	b, _ := json.Marshal(cp)
	return uuid.NewSHA1(planNamespace, b).String()
}

// BootTargets lists every ESP and, under BIOS firmware, every member disk.
func (p Plan) BootTargets() []boot.Target {
	out := []boot.Target{}
	for i, e := range p.Layout.ESPs() {
		out = append(out, boot.Target{
			Kind:       boot.TargetESP,
			Disk:       diskOf(p.Layout, e.Path),
			Device:     e.Path,
			MountPoint: e.MountPoint,
			Primary:    i == 0,
		})
	}
	if p.Firmware.HasBIOS() {
		for _, d := range p.Layout.Disks() {
			out = append(out, boot.Target{Kind: boot.TargetBIOS, Disk: d})
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine.
func (p Plan) Clone() *Plan {
	b, _ := json.Marshal(p)
	var cp Plan
	_ = json.Unmarshal(b, &cp)
	return &cp
}

func diskOf(l layout.Layout, part string) string {
	for _, s := range l.Schemes {
		for _, p := range s.Partitions {
			if p.Path == part {
				return s.Disk
			}
		}
	}
	return ""
}
