package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/freebrew/liveRAID/internal/fsatomic"
	"github.com/freebrew/liveRAID/internal/planner"
)

type fstabState struct {
	path     string
	lines    []string
	backedUp bool
}

// writeFstab resolves the filesystem UUID of the entry's device, then
// rewrites the target fstab with every line produced so far in this run.
// The previous file is backed up on the first write.
func (e *Executor) writeFstab(ctx context.Context, rs *runState, step planner.Step) (string, error) {
	if step.Fstab == nil {
		return "", errors.New("fstab step without entry")
	}
	res, err := e.run.Run(ctx, "blkid", "-s", "UUID", "-o", "value", step.Fstab.Device)
	if err != nil {
		return "", fmt.Errorf("read filesystem uuid of %s: %w", step.Fstab.Device, err)
	}
	id := res.Output()
	if id == "" {
		return "", fmt.Errorf("no filesystem uuid on %s", step.Fstab.Device)
	}
	line := planner.FormatFstabLine(id, *step.Fstab)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	fs := &rs.fstab
	if fs.path == "" {
		fs.path = step.Target
	}
	backup := ""
	if !fs.backedUp && e.opts.BackupExisting {
		b, err := fsatomic.Backup(fs.path, e.now())
		if err != nil {
			return "", fmt.Errorf("backup %s: %w", fs.path, err)
		}
		backup = b
	}
	fs.backedUp = true
	if err := e.mkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return "", err
	}
	lines := append(append([]string(nil), fs.lines...), line)
	data := planner.FstabHeader + strings.Join(lines, "\n") + "\n"
	if err := fsatomic.WriteFile(ctx, fs.path, []byte(data), 0o644); err != nil {
		return backup, err
	}
	fs.lines = lines
	rs.report.Fstab = append([]string(nil), lines...)
	return backup, nil
}
