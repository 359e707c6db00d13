package blk

import (
	"bytes"
	"strings"
	"time"
)

// Raw JSON representation from lsblk --bytes --json
type rawTree struct {
	Blockdevices []rawDevice `json:"blockdevices"`
}

type rawDevice struct {
	Name       string      `json:"name"`
	KName      string      `json:"kname"`
	Path       string      `json:"path"`
	Size       any         `json:"size"` // number with --bytes, "800G" style otherwise
	Rota       flexBool    `json:"rota"`
	Type       string      `json:"type"`
	Tran       string      `json:"tran,omitempty"`
	Vendor     string      `json:"vendor,omitempty"`
	Model      string      `json:"model,omitempty"`
	Serial     string      `json:"serial,omitempty"`
	WWN        string      `json:"wwn,omitempty"`
	Mountpoint *string     `json:"mountpoint,omitempty"`
	FSType     string      `json:"fstype,omitempty"`
	RM         flexBool    `json:"rm"`
	RO         flexBool    `json:"ro"`
	Children   []rawDevice `json:"children,omitempty"`
}

// flexBool accepts true/false as well as the "0"/"1" strings older
// util-linux releases emit.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	*b = flexBool(s == "1" || strings.EqualFold(s, "true"))
	return nil
}

// Device is an immutable snapshot of one whole disk at scan time.
type Device struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	SizeBytes   uint64   `json:"sizeBytes"`
	Model       string   `json:"model,omitempty"`
	Serial      string   `json:"serial,omitempty"`
	Type        string   `json:"type"`
	Transport   string   `json:"transport,omitempty"`
	Rotational  bool     `json:"rotational"`
	Removable   bool     `json:"removable"`
	ReadOnly    bool     `json:"readOnly"`
	FSType      string   `json:"fstype,omitempty"`
	Mountpoints []string `json:"mountpoints,omitempty"`
	Holders     []string `json:"holders,omitempty"`
	Mounted     bool     `json:"mounted"`
	IsRoot      bool     `json:"isRoot"`
}

// Inventory is the result of one scan. Rescan after any topology change.
type Inventory struct {
	Devices   []Device  `json:"devices"`
	ScannedAt time.Time `json:"scannedAt"`
}

// ScanOptions carries facts about the running system that lsblk alone lacks.
type ScanOptions struct {
	// RootSource is the block device backing "/" (findmnt -n -o SOURCE /).
	RootSource string
	// Mounts maps mounted block devices to their mountpoints.
	Mounts map[string]string
}

// CandidateOptions relaxes the default candidate filter.
type CandidateOptions struct {
	AllowRemovable bool
	MinSize        uint64
}

func (d Device) String() string {
	var b strings.Builder
	b.WriteString(d.Path)
	b.WriteString(" ")
	b.WriteString(FormatSize(d.SizeBytes))
	if d.Model != "" {
		b.WriteString(" " + d.Model)
	}
	if d.Serial != "" {
		b.WriteString(" (" + d.Serial + ")")
	}
	return b.String()
}
