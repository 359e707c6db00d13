package blk

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var sizeUnits = map[string]float64{
	"":  1,
	"B": 1,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
	"P": 1 << 50,
}

// ParseSize converts lsblk style sizes ("800G", "1.8T", "512MiB", "4096") to bytes.
// Suffixes are binary multiples.
func ParseSize(s string) (uint64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	v = strings.TrimSuffix(v, "IB")
	if len(v) > 1 && strings.HasSuffix(v, "B") {
		v = strings.TrimSuffix(v, "B")
	}
	i := len(v)
	for i > 0 && (v[i-1] < '0' || v[i-1] > '9') && v[i-1] != '.' {
		i--
	}
	num, unit := strings.TrimSpace(v[:i]), strings.TrimSpace(v[i:])
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q in %q", unit, s)
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return uint64(math.Round(f * mult)), nil
}

// FormatSize renders bytes with a binary suffix and one decimal.
func FormatSize(n uint64) string {
	units := []string{"B", "K", "M", "G", "T", "P"}
	f := float64(n)
	u := 0
	for f >= 1024 && u < len(units)-1 {
		f /= 1024
		u++
	}
	if u == 0 {
		return fmt.Sprintf("%dB", n)
	}
	return fmt.Sprintf("%.1f%s", f, units[u])
}

func normalizeSize(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil && n >= 0 {
			return uint64(n)
		}
		n, _ := ParseSize(t.String())
		return n
	case string:
		n, _ := ParseSize(t)
		return n
	default:
		return 0
	}
}
