package raid

import (
	"fmt"
	"strings"
)

// Level is a software RAID layout understood by mdadm.
type Level string

const (
	None   Level = "none"
	Raid0  Level = "raid0"
	Raid1  Level = "raid1"
	Raid5  Level = "raid5"
	Raid6  Level = "raid6"
	Raid10 Level = "raid10"
)

// Redundancy classifies how a level survives member loss.
type Redundancy string

const (
	RedundancyNone   Redundancy = "none"
	RedundancyStripe Redundancy = "stripe"
	RedundancyMirror Redundancy = "mirror"
	RedundancyParity Redundancy = "parity"
)

type levelInfo struct {
	min         int
	mdadm       string
	redundancy  Redundancy
	display     string
	description string
}

var levels = map[Level]levelInfo{
	None:   {1, "linear", RedundancyNone, "No RAID", "Single disk or linear concatenation, no redundancy"},
	Raid0:  {2, "0", RedundancyStripe, "RAID 0", "Striping across disks, no redundancy"},
	Raid1:  {2, "1", RedundancyMirror, "RAID 1", "Mirroring, survives loss of all but one disk"},
	Raid5:  {3, "5", RedundancyParity, "RAID 5", "Striping with single parity"},
	Raid6:  {4, "6", RedundancyParity, "RAID 6", "Striping with double parity"},
	Raid10: {4, "10", RedundancyMirror, "RAID 10", "Striped mirrors"},
}

// Levels lists every supported level in ascending order.
func Levels() []Level { return []Level{None, Raid0, Raid1, Raid5, Raid6, Raid10} }

// ParseLevel accepts "raid1", "1", "RAID1" and "none"/"linear".
func ParseLevel(s string) (Level, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "raid")
	switch v {
	case "none", "linear", "single":
		return None, nil
	case "0", "1", "5", "6", "10":
		return Level("raid" + v), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRaidLevel, s)
}

func (l Level) Valid() bool {
	_, ok := levels[l]
	return ok
}

// MinDevices is the fewest members the level accepts.
func (l Level) MinDevices() int { return levels[l].min }

// MdadmLevel is the value passed to mdadm --level.
func (l Level) MdadmLevel() string { return levels[l].mdadm }

func (l Level) Redundancy() Redundancy { return levels[l].redundancy }

// ToleratesDiskFailure reports whether losing one member keeps the array readable.
func (l Level) ToleratesDiskFailure() bool {
	r := l.Redundancy()
	return r == RedundancyMirror || r == RedundancyParity
}

func (l Level) DisplayName() string { return levels[l].display }

func (l Level) Description() string { return levels[l].description }

func (l Level) String() string { return string(l) }

// NeedsArray reports whether n members of this level are assembled into an md device.
func (l Level) NeedsArray(n int) bool { return l != None || n > 1 }
