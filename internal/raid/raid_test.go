package raid

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestLevelMinimums(t *testing.T) {
	want := map[Level]int{None: 1, Raid0: 2, Raid1: 2, Raid5: 3, Raid6: 4, Raid10: 4}
	for l, m := range want {
		if got := l.MinDevices(); got != m {
			t.Fatalf("%s: want %d got %d", l, m, got)
		}
	}
	if len(Levels()) != len(want) {
		t.Fatalf("levels: %v", Levels())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"raid1": Raid1, "RAID10": Raid10, "5": Raid5, "linear": None, " none ": None}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %v %v", in, got, err)
		}
	}
	if _, err := ParseLevel("raid7"); !errors.Is(err, ErrInvalidRaidLevel) {
		t.Fatalf("expected ErrInvalidRaidLevel, got %v", err)
	}
}

func TestRedundancy(t *testing.T) {
	if Raid0.ToleratesDiskFailure() || None.ToleratesDiskFailure() {
		t.Fatalf("raid0/none must not tolerate failure")
	}
	for _, l := range []Level{Raid1, Raid5, Raid6, Raid10} {
		if !l.ToleratesDiskFailure() {
			t.Fatalf("%s should tolerate a failure", l)
		}
	}
	if None.MdadmLevel() != "linear" || Raid10.MdadmLevel() != "10" {
		t.Fatalf("mdadm levels")
	}
	if None.NeedsArray(1) || !None.NeedsArray(2) || !Raid1.NeedsArray(2) {
		t.Fatalf("NeedsArray")
	}
}

func TestOnlyFAT32IsESPCapable(t *testing.T) {
	for _, f := range Filesystems() {
		if f.ESPCapable() != (f == FAT32) {
			t.Fatalf("%s esp capable = %v", f, f.ESPCapable())
		}
		if f.MinPartitionSize() == 0 {
			t.Fatalf("%s has no size hint", f)
		}
	}
	if ESPFilesystem.FstabType() != "vfat" {
		t.Fatalf("esp fstab type %s", ESPFilesystem.FstabType())
	}
}

func TestMkfsArgv(t *testing.T) {
	cases := []struct {
		fs    Filesystem
		label string
		want  string
	}{
		{Ext4, "", "mkfs.ext4 -F /dev/md0"},
		{XFS, "rootvolume-long", "mkfs.xfs -f -L rootvolume-l /dev/md0"},
		{FAT32, "ESP", "mkfs.fat -F32 -n ESP /dev/md0"},
		{Btrfs, "root", "mkfs.btrfs -f -L root /dev/md0"},
	}
	for _, c := range cases {
		got := strings.Join(c.fs.MkfsArgv("/dev/md0", c.label), " ")
		if got != c.want {
			t.Fatalf("%s: got %q want %q", c.fs, got, c.want)
		}
	}
}

func TestParseFilesystem(t *testing.T) {
	if f, err := ParseFilesystem("VFAT"); err != nil || f != FAT32 {
		t.Fatalf("vfat alias: %v %v", f, err)
	}
	if _, err := ParseFilesystem("zfs"); err == nil {
		t.Fatalf("zfs should be rejected")
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	var err error = &InsufficientDisksError{Level: Raid5, Required: 3, Got: 2}
	wrapped := fmt.Errorf("plan: %w", err)
	if !errors.Is(wrapped, ErrInsufficientDisks) || !IsValidation(wrapped) {
		t.Fatalf("insufficient disks not matched")
	}
	var ide *InsufficientDisksError
	if !errors.As(wrapped, &ide) || ide.Required != 3 || ide.Got != 2 {
		t.Fatalf("as: %+v", ide)
	}

	cause := errors.New("exit status 1")
	sf := &StepFailedError{Step: "mkfs-md0", Target: "/dev/md0", Cause: cause}
	if !errors.Is(sf, ErrStepFailed) || !errors.Is(sf, cause) {
		t.Fatalf("step failed matching")
	}
	if IsValidation(sf) {
		t.Fatalf("step failure is not a validation error")
	}

	tn := &ToolNotFoundError{Role: "initramfs tool", Tried: []string{"update-initramfs", "dracut"}}
	if !errors.Is(tn, ErrToolNotFound) || !strings.Contains(tn.Error(), "dracut") {
		t.Fatalf("tool not found: %v", tn)
	}
}
