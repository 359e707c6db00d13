package boot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/freebrew/liveRAID/internal/fsatomic"
)

const grubModules = `"mdraid09 mdraid1x"`

// arrayUUID reads the md UUID of an assembled array.
func (c *Configurer) arrayUUID(ctx context.Context, array string) (string, error) {
	res, err := c.run.Run(ctx, "mdadm", "--detail", "--export", array)
	if err != nil {
		return "", err
	}
	sc := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "MD_UUID="); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("no MD_UUID reported for %s", array)
}

// updateGrubDefaults rewrites <root>/etc/default/grub for a RAID root and
// returns the backup path, if one was made.
func (c *Configurer) updateGrubDefaults(ctx context.Context, root, mdUUID string) (string, error) {
	p := filepath.Join(root, "etc/default/grub")
	cur, err := os.ReadFile(p)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	backup := ""
	if c.opts.BackupExisting {
		if backup, err = fsatomic.Backup(p, c.opts.Now()); err != nil {
			return "", fmt.Errorf("backup %s: %w", p, err)
		}
	}
	out := GrubDefaults(string(cur), c.opts.GrubTimeout, mdUUID)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return backup, err
	}
	return backup, fsatomic.WriteFile(ctx, p, []byte(out), 0o644)
}

// GrubDefaults applies the RAID boot settings to an /etc/default/grub body.
// A negative timeout leaves GRUB_TIMEOUT alone; an empty uuid leaves the
// kernel command line and preload modules alone.
func GrubDefaults(body string, timeout int, mdUUID string) string {
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if body == "" {
		lines = []string{"GRUB_DEFAULT=0"}
	}
	if timeout >= 0 {
		lines = setVar(lines, "GRUB_TIMEOUT", strconv.Itoa(timeout))
	}
	if mdUUID != "" {
		lines = setVar(lines, "GRUB_PRELOAD_MODULES", grubModules)
		arg := "rd.md.uuid=" + mdUUID
		cmdline := unquote(getVar(lines, "GRUB_CMDLINE_LINUX"))
		if !strings.Contains(cmdline, arg) {
			cmdline = strings.TrimSpace(cmdline + " " + arg)
		}
		lines = setVar(lines, "GRUB_CMDLINE_LINUX", strconv.Quote(cmdline))
	}
	return strings.Join(lines, "\n") + "\n"
}

func getVar(lines []string, key string) string {
	for _, l := range lines {
		if v, ok := strings.CutPrefix(strings.TrimSpace(l), key+"="); ok {
			return v
		}
	}
	return ""
}

func setVar(lines []string, key, val string) []string {
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), key+"=") {
			lines[i] = key + "=" + val
			return lines
		}
	}
	return append(lines, key+"="+val)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// writeMdadmConf records the assembled arrays in the target so the initramfs
// can assemble the root array at boot.
func (c *Configurer) writeMdadmConf(ctx context.Context, root string) (string, string, error) {
	res, err := c.run.Run(ctx, "mdadm", "--detail", "--scan")
	if err != nil {
		return "", "", err
	}
	scan := res.Output()
	if scan == "" {
		return "", "", errors.New("mdadm reported no arrays")
	}
	p := filepath.Join(root, "etc/mdadm.conf")
	if fi, err := os.Stat(filepath.Join(root, "etc/mdadm")); err == nil && fi.IsDir() {
		p = filepath.Join(root, "etc/mdadm/mdadm.conf")
	}
	cur, err := os.ReadFile(p)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return p, "", err
	}
	backup := ""
	if c.opts.BackupExisting {
		if backup, err = fsatomic.Backup(p, c.opts.Now()); err != nil {
			return p, "", fmt.Errorf("backup %s: %w", p, err)
		}
	}
	var b strings.Builder
	for _, l := range strings.Split(string(cur), "\n") {
		if l == "" || strings.HasPrefix(strings.TrimSpace(l), "ARRAY ") {
			continue
		}
		b.WriteString(l + "\n")
	}
	b.WriteString(scan + "\n")
	return p, backup, fsatomic.WriteFile(ctx, p, []byte(b.String()), 0o644)
}
