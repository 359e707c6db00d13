package safety

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/freebrew/liveRAID/internal/fsatomic"
	"github.com/freebrew/liveRAID/internal/raid"
)

// Lease is exclusive possession of a set of block devices. It is held in
// process and through an advisory lock file per device so that two raidctl
// processes cannot plan against the same disk.
type Lease struct {
	Devices []string
	holder  string
	g       *Guard
	unlock  []func()
	once    sync.Once
}

// Release drops the lease. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.g.mu.Lock()
		for _, d := range l.Devices {
			if l.g.held[d] == l.holder {
				delete(l.g.held, d)
			}
		}
		l.g.mu.Unlock()
		for i := len(l.unlock) - 1; i >= 0; i-- {
			l.unlock[i]()
		}
	})
}

func (g *Guard) lockPath(dev string) string {
	return filepath.Join(g.opts.StateDir, "locks", "dev."+sanitizeID(dev)+".lock")
}

// acquire leases devices for holder. Devices are locked in sorted order; on
// any conflict everything taken so far is released.
func (g *Guard) acquire(holder string, devices []string) (*Lease, error) {
	devs := make([]string, 0, len(devices))
	for _, d := range devices {
		if !strings.HasPrefix(d, "/") {
			d = "/dev/" + d
		}
		devs = append(devs, d)
	}
	sort.Strings(devs)
	devs = dedupe(devs)

	g.mu.Lock()
	for _, d := range devs {
		if h, ok := g.held[d]; ok {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is leased by %s", raid.ErrDeviceInUse, d, h)
		}
	}
	for _, d := range devs {
		g.held[d] = holder
	}
	g.mu.Unlock()

	l := &Lease{Devices: devs, holder: holder, g: g}
	for _, d := range devs {
		unlock, err := fsatomic.TryLock(g.lockPath(d))
		if err != nil {
			l.Release()
			if errors.Is(err, fsatomic.ErrLocked) {
				return nil, fmt.Errorf("%w: %s is locked by another process", raid.ErrDeviceInUse, d)
			}
			return nil, fmt.Errorf("lock %s: %w", d, err)
		}
		l.unlock = append(l.unlock, unlock)
	}
	g.log.Debug().Strs("devices", devs).Str("holder", holder).Msg("devices leased")
	return l, nil
}

func sanitizeID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		case r == '/':
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
