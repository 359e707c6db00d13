package raid

import (
	"fmt"
	"strings"
)

// Filesystem is a filesystem family that can be created on the data volume.
type Filesystem string

const (
	Ext4     Filesystem = "ext4"
	Ext3     Filesystem = "ext3"
	Ext2     Filesystem = "ext2"
	XFS      Filesystem = "xfs"
	Btrfs    Filesystem = "btrfs"
	ReiserFS Filesystem = "reiserfs"
	JFS      Filesystem = "jfs"
	NTFS     Filesystem = "ntfs"
	FAT32    Filesystem = "fat32"
	ExFAT    Filesystem = "exfat"
)

const mib = 1024 * 1024

type fsInfo struct {
	mkfs    []string
	fstype  string
	esp     bool
	minSize uint64
}

var filesystems = map[Filesystem]fsInfo{
	Ext4:     {[]string{"mkfs.ext4", "-F"}, "ext4", false, 16 * mib},
	Ext3:     {[]string{"mkfs.ext3", "-F"}, "ext3", false, 16 * mib},
	Ext2:     {[]string{"mkfs.ext2", "-F"}, "ext2", false, 8 * mib},
	XFS:      {[]string{"mkfs.xfs", "-f"}, "xfs", false, 300 * mib},
	Btrfs:    {[]string{"mkfs.btrfs", "-f"}, "btrfs", false, 256 * mib},
	ReiserFS: {[]string{"mkfs.reiserfs", "-f"}, "reiserfs", false, 33 * mib},
	JFS:      {[]string{"mkfs.jfs", "-q"}, "jfs", false, 16 * mib},
	NTFS:     {[]string{"mkfs.ntfs", "-f"}, "ntfs", false, 8 * mib},
	FAT32:    {[]string{"mkfs.fat", "-F32"}, "vfat", true, 33 * mib},
	ExFAT:    {[]string{"mkfs.exfat"}, "exfat", false, 8 * mib},
}

// ESPFilesystem is the only family firmware can boot from.
const ESPFilesystem = FAT32

func Filesystems() []Filesystem {
	return []Filesystem{Ext4, Ext3, Ext2, XFS, Btrfs, ReiserFS, JFS, NTFS, FAT32, ExFAT}
}

func ParseFilesystem(s string) (Filesystem, error) {
	v := Filesystem(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case "vfat", "fat":
		v = FAT32
	}
	if _, ok := filesystems[v]; !ok {
		return "", fmt.Errorf("unsupported filesystem %q", s)
	}
	return v, nil
}

func (f Filesystem) Valid() bool {
	_, ok := filesystems[f]
	return ok
}

// ESPCapable reports whether firmware can load a bootloader from this family.
func (f Filesystem) ESPCapable() bool { return filesystems[f].esp }

// MinPartitionSize is a lower bound below which mkfs is expected to fail.
func (f Filesystem) MinPartitionSize() uint64 { return filesystems[f].minSize }

// FstabType is the type column used in fstab and by mount -t.
func (f Filesystem) FstabType() string { return filesystems[f].fstype }

// MkfsArgv returns the full mkfs invocation for dev, optionally labelled.
func (f Filesystem) MkfsArgv(dev, label string) []string {
	info := filesystems[f]
	argv := append([]string(nil), info.mkfs...)
	if label != "" {
		switch f {
		case FAT32, ExFAT:
			argv = append(argv, "-n", label)
		case NTFS:
			argv = append(argv, "-L", label)
		case XFS:
			if len(label) > 12 {
				label = label[:12]
			}
			argv = append(argv, "-L", label)
		case ReiserFS:
			argv = append(argv, "-l", label)
		default:
			argv = append(argv, "-L", label)
		}
	}
	return append(argv, dev)
}

func (f Filesystem) String() string { return string(f) }
