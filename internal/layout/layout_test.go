package layout

import (
	"errors"
	"strings"
	"testing"

	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/internal/sysctx"
)

func disks(paths ...string) []blk.Device {
	out := []blk.Device{}
	for _, p := range paths {
		out = append(out, blk.Device{Path: p, Type: "disk", SizeBytes: 500 << 30})
	}
	return out
}

func roles(s Scheme) string {
	r := []string{}
	for _, p := range s.Partitions {
		r = append(r, string(p.Role))
	}
	return strings.Join(r, ",")
}

func TestUEFILayout(t *testing.T) {
	l, err := Build(disks("/dev/sda", "/dev/nvme0n1", "/dev/sdc"), sysctx.UEFI, sysctx.MBR, Options{Array: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if l.Table != sysctx.GPT {
		t.Fatalf("uefi must use gpt, got %s", l.Table)
	}
	for _, s := range l.Schemes {
		if roles(s) != "esp,data" {
			t.Fatalf("%s roles: %s", s.Disk, roles(s))
		}
	}
	esps := l.ESPs()
	want := []string{"/boot/efi", "/boot/efi2", "/boot/efi3"}
	for i, e := range esps {
		if e.MountPoint != want[i] || e.Filesystem != raid.FAT32 {
			t.Fatalf("esp %d: %+v", i, e)
		}
	}
	members := l.Members()
	if strings.Join(members, " ") != "/dev/sda2 /dev/nvme0n1p2 /dev/sdc2" {
		t.Fatalf("members: %v", members)
	}
	p := l.Schemes[0].Partitions[0]
	if p.Start != "1MiB" || p.End != "513MiB" {
		t.Fatalf("esp bounds: %s-%s", p.Start, p.End)
	}
	d := l.Schemes[0].Partitions[1]
	if d.Start != "513MiB" || d.End != "100%" || !d.RaidMember {
		t.Fatalf("data: %+v", d)
	}
}

func TestBIOSGPTLayout(t *testing.T) {
	l, err := Build(disks("/dev/sda", "/dev/sdb"), sysctx.BIOS, sysctx.GPT, Options{Array: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, s := range l.Schemes {
		if roles(s) != "bios_grub,data" {
			t.Fatalf("roles: %s", roles(s))
		}
		if s.Partitions[0].Filesystem != "" {
			t.Fatalf("bios_grub must not be formatted")
		}
	}
	if len(l.ESPs()) != 0 {
		t.Fatalf("bios layout has esps")
	}
}

func TestBIOSMBRLayoutOnlyData(t *testing.T) {
	l, err := Build(disks("/dev/sda", "/dev/sdb", "/dev/sdc"), sysctx.BIOS, sysctx.MBR, Options{Array: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, s := range l.Schemes {
		if roles(s) != "data" {
			t.Fatalf("roles: %s", roles(s))
		}
		if s.Partitions[0].Start != "1MiB" {
			t.Fatalf("mbr data start: %s", s.Partitions[0].Start)
		}
	}
	cmds := l.Schemes[0].Commands()
	if strings.Join(cmds[0], " ") != "parted -s /dev/sda mklabel msdos" {
		t.Fatalf("label: %v", cmds[0])
	}
	if got := strings.Join(cmds[1], " "); got != "parted -s -a optimal /dev/sda mkpart primary 1MiB 100% set 1 raid on set 1 boot on" {
		t.Fatalf("mkpart: %s", got)
	}
}

func TestBothFirmwareLayout(t *testing.T) {
	l, err := Build(disks("/dev/vda"), sysctx.Both, sysctx.MBR, Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	s := l.Schemes[0]
	if roles(s) != "esp,bios_grub,data" {
		t.Fatalf("roles: %s", roles(s))
	}
	if s.Partitions[1].Start != "513MiB" || s.Partitions[1].End != "515MiB" {
		t.Fatalf("bios_grub bounds: %+v", s.Partitions[1])
	}
	if s.Partitions[2].RaidMember {
		t.Fatalf("single disk without array must not be a member")
	}
	cmds := s.Commands()
	if got := strings.Join(cmds[1], " "); got != "parted -s -a optimal /dev/vda mkpart esp fat32 1MiB 513MiB set 1 esp on" {
		t.Fatalf("esp mkpart: %s", got)
	}
}

func TestESPNeverAMember(t *testing.T) {
	for _, fw := range []sysctx.Firmware{sysctx.UEFI, sysctx.BIOS, sysctx.Both} {
		for _, tbl := range []sysctx.Table{sysctx.GPT, sysctx.MBR} {
			l, err := Build(disks("/dev/sda", "/dev/sdb", "/dev/sdc", "/dev/sdd"), fw, tbl, Options{Array: true})
			if err != nil {
				t.Fatalf("%s/%s: %v", fw, tbl, err)
			}
			members := map[string]bool{}
			for _, m := range l.Members() {
				members[m] = true
			}
			for _, e := range l.ESPs() {
				if members[e.Path] {
					t.Fatalf("%s/%s: esp %s in member set", fw, tbl, e.Path)
				}
			}
		}
	}
}

func TestVerifyRejectsESPMember(t *testing.T) {
	l, _ := Build(disks("/dev/sda", "/dev/sdb"), sysctx.UEFI, sysctx.GPT, Options{Array: true})
	l.Schemes[1].Partitions[0].RaidMember = true
	if err := l.Verify(); !errors.Is(err, raid.ErrInvalidRaidLevel) {
		t.Fatalf("expected ErrInvalidRaidLevel, got %v", err)
	}
}

func TestMinDiskSize(t *testing.T) {
	l, _ := Build(disks("/dev/sda"), sysctx.UEFI, sysctx.GPT, Options{})
	got := l.Schemes[0].MinDiskSize(raid.XFS)
	want := 2*MiB + DefaultESPSize + 300*MiB
	if got != want {
		t.Fatalf("min size: got %d want %d", got, want)
	}
}
