package blk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/pkg/shell"
)

var lsblkColumns = "NAME,KNAME,PATH,SIZE,ROTA,TYPE,TRAN,VENDOR,MODEL,SERIAL,WWN,MOUNTPOINT,FSTYPE,RM,RO"

// live media mountpoints; the disk behind them is the running system.
var liveMountpoints = []string{"/", "/run/live/medium", "/lib/live/mount/medium", "/run/initramfs/live", "/cdrom"}

var lookPath = exec.LookPath

// Scan lists every whole disk including the running system's own, flagged.
func Scan(ctx context.Context, r shell.Runner, opts ScanOptions) (Inventory, error) {
	if _, err := lookPath("lsblk"); err != nil {
		return Inventory{}, fmt.Errorf("%w: lsblk not found", raid.ErrDiscovery)
	}
	res, err := r.Run(ctx, "lsblk", "--bytes", "--json", "-o", lsblkColumns)
	if err != nil {
		return Inventory{}, fmt.Errorf("%w: lsblk: %v", raid.ErrDiscovery, err)
	}
	inv, err := parseInventory(res.Stdout, opts)
	if err != nil {
		return Inventory{}, fmt.Errorf("%w: %v", raid.ErrDiscovery, err)
	}
	inv.ScannedAt = time.Now().UTC()
	return inv, nil
}

// MountTable reads mounted block devices from the kernel mount table.
func MountTable(ctx context.Context) (map[string]string, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(parts))
	for _, p := range parts {
		if !strings.HasPrefix(p.Device, "/dev/") {
			continue
		}
		if _, seen := out[p.Device]; !seen {
			out[p.Device] = p.Mountpoint
		}
	}
	return out, nil
}

func parseInventory(raw []byte, opts ScanOptions) (Inventory, error) {
	var tree rawTree
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return Inventory{}, fmt.Errorf("lsblk json: %w", err)
	}
	inv := Inventory{Devices: []Device{}}
	for _, top := range tree.Blockdevices {
		inv.Devices = append(inv.Devices, fromRaw(top, opts))
	}
	return inv, nil
}

func fromRaw(n rawDevice, opts ScanOptions) Device {
	d := Device{
		ID:         firstNonEmpty(strings.TrimSpace(n.Serial), strings.TrimSpace(n.WWN), n.KName, n.Name),
		Name:       n.Name,
		Path:       firstNonEmpty(n.Path, "/dev/"+n.Name),
		SizeBytes:  normalizeSize(n.Size),
		Model:      strings.TrimSpace(n.Model),
		Serial:     strings.TrimSpace(n.Serial),
		Type:       n.Type,
		Transport:  n.Tran,
		Rotational: bool(n.Rota),
		Removable:  bool(n.RM),
		ReadOnly:   bool(n.RO),
		FSType:     n.FSType,
	}
	var walk func(rawDevice, int)
	walk = func(c rawDevice, depth int) {
		path := firstNonEmpty(c.Path, "/dev/"+c.Name)
		if c.Mountpoint != nil && *c.Mountpoint != "" {
			d.Mountpoints = append(d.Mountpoints, *c.Mountpoint)
		}
		if mp, ok := opts.Mounts[path]; ok && !contains(d.Mountpoints, mp) {
			d.Mountpoints = append(d.Mountpoints, mp)
		}
		if opts.RootSource != "" && path == opts.RootSource {
			d.IsRoot = true
		}
		if depth > 0 && (strings.HasPrefix(c.Type, "raid") || c.Type == "linear") && !contains(d.Holders, path) {
			d.Holders = append(d.Holders, path)
		}
		for _, ch := range c.Children {
			walk(ch, depth+1)
		}
	}
	walk(n, 0)
	sort.Strings(d.Mountpoints)
	d.Mounted = len(d.Mountpoints) > 0
	for _, mp := range d.Mountpoints {
		if contains(liveMountpoints, mp) {
			d.IsRoot = true
		}
	}
	return d
}

// Candidates filters the inventory down to selectable whole disks.
func (inv Inventory) Candidates(opts CandidateOptions) []Device {
	out := []Device{}
	for _, d := range inv.Devices {
		if d.Type != "disk" || d.IsRoot || d.SizeBytes == 0 {
			continue
		}
		if strings.HasPrefix(d.Name, "zram") || strings.HasPrefix(d.Name, "ram") {
			continue
		}
		if (d.Removable || d.ReadOnly) && !opts.AllowRemovable {
			continue
		}
		if opts.MinSize > 0 && d.SizeBytes < opts.MinSize {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Lookup finds a disk by path, kernel name or a /dev/disk/by-* alias.
func (inv Inventory) Lookup(path string) (Device, bool) {
	want := strings.TrimSpace(path)
	if want == "" {
		return Device{}, false
	}
	for _, d := range inv.Devices {
		if d.Path == want || d.Name == want || "/dev/"+d.Name == want {
			return d, true
		}
	}
	if resolved, err := filepath.EvalSymlinks(want); err == nil && resolved != want {
		return inv.Lookup(resolved)
	}
	return Device{}, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// PartitionPath names partition n of disk the way the kernel does.
func PartitionPath(disk string, n int) string {
	base := filepath.Base(disk)
	last := base[len(base)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", disk, n)
	}
	return fmt.Sprintf("%s%d", disk, n)
}
