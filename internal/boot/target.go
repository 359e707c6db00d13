package boot

type TargetKind string

const (
	TargetESP  TargetKind = "esp"
	TargetBIOS TargetKind = "bios"
)

// Target is one place a bootloader must be installed: an ESP mounted inside
// the target root, or a disk whose boot sector receives GRUB.
type Target struct {
	Kind       TargetKind `json:"kind"`
	Disk       string     `json:"disk"`
	Device     string     `json:"device,omitempty"`
	MountPoint string     `json:"mountPoint,omitempty"`
	Primary    bool       `json:"primary,omitempty"`
}

// Split separates ESP targets from BIOS disks, keeping order.
func Split(targets []Target) (esps, bios []Target) {
	for _, t := range targets {
		switch t.Kind {
		case TargetESP:
			esps = append(esps, t)
		case TargetBIOS:
			bios = append(bios, t)
		}
	}
	return esps, bios
}
