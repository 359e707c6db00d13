// Package boot installs bootloaders into a mounted target root and keeps
// redundant ESPs consistent.
package boot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/freebrew/liveRAID/pkg/shell"
)

type Options struct {
	BootloaderID   string
	GrubTimeout    int
	BackupExisting bool
	EFITarget      string
	BIOSTarget     string
	// EFIVars is the host efivarfs mount, bound into the target when ESP
	// targets are present and it exists.
	EFIVars string
	Now     func() time.Time
}

type Request struct {
	Root    string   `json:"root"`
	Targets []Target `json:"targets"`
	Array   string   `json:"array,omitempty"`
}

type Install struct {
	Kind         TargetKind `json:"kind"`
	Target       string     `json:"target"`
	BootloaderID string     `json:"bootloaderId,omitempty"`
	OK           bool       `json:"ok"`
	Error        string     `json:"error,omitempty"`
}

// Report describes what boot configuration did. Skipped means the target
// root was not populated yet and nothing was attempted.
type Report struct {
	Root          string    `json:"root"`
	Skipped       bool      `json:"skipped,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Binds         []string  `json:"binds,omitempty"`
	Released      bool      `json:"released"`
	Installs      []Install `json:"installs,omitempty"`
	GrubDefaults  string    `json:"grubDefaults,omitempty"`
	MdadmConf     string    `json:"mdadmConf,omitempty"`
	Backups       []string  `json:"backups,omitempty"`
	ConfigTool    string    `json:"configTool,omitempty"`
	InitramfsTool string    `json:"initramfsTool,omitempty"`
	Synced        []string  `json:"synced,omitempty"`
	Warnings      []string  `json:"warnings,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

type Configurer struct {
	run  shell.Runner
	mnt  Mounter
	log  zerolog.Logger
	opts Options
}

func New(r shell.Runner, m Mounter, log zerolog.Logger, opts Options) *Configurer {
	if opts.BootloaderID == "" {
		opts.BootloaderID = "raidctl"
	}
	if opts.EFITarget == "" {
		opts.EFITarget = "x86_64-efi"
	}
	if opts.BIOSTarget == "" {
		opts.BIOSTarget = "i386-pc"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Configurer{run: r, mnt: m, log: log.With().Str("component", "boot").Logger(), opts: opts}
}

// BootloaderID returns the UEFI entry name for the i-th ESP.
func (c *Configurer) BootloaderID(i int) string {
	if i == 0 {
		return c.opts.BootloaderID
	}
	return c.opts.BootloaderID + "-" + strconv.Itoa(i+1)
}

// Configure installs the bootloader on every target, regenerates the
// bootloader configuration and initramfs inside req.Root and mirrors the
// first successfully installed ESP to the others. An ESP install failure is
// fatal only when no ESP received the bootloader. Bind mounts made for the
// chroot are always released before it returns.
func (c *Configurer) Configure(ctx context.Context, req Request) (rep *Report, err error) {
	rep = &Report{Root: req.Root}
	log := c.log.With().Str("root", req.Root).Logger()

	if reason := c.precheck(req.Root); reason != "" {
		rep.Skipped = true
		rep.Reason = reason
		rep.Released = true
		log.Warn().Str("reason", reason).Msg("boot configuration skipped")
		return rep, nil
	}
	esps, bios := Split(req.Targets)

	scope := &bindScope{m: c.mnt, log: log}
	defer func() {
		failed := scope.release()
		rep.Released = len(failed) == 0
		for _, f := range failed {
			rep.warn("could not unmount %s", f)
		}
		if err != nil {
			rep.Error = err.Error()
		}
	}()
	efivars := ""
	if len(esps) > 0 && c.opts.EFIVars != "" {
		if _, err := os.Stat(c.opts.EFIVars); err == nil {
			efivars = c.opts.EFIVars
		}
	}
	for _, src := range bindSources(efivars) {
		if err := scope.acquire(src, bindTarget(req.Root, src)); err != nil {
			return rep, err
		}
		rep.Binds = append(rep.Binds, src)
	}

	chroot := shell.Chroot{Runner: c.run, Root: req.Root}
	installer, err := FindTool(req.Root, RoleInstaller, InstallerTools)
	if err != nil {
		return rep, err
	}

	// source is the first ESP that received the bootloader; the others are
	// mirrored from it.
	source := -1
	var espErr error
	for i, t := range esps {
		id := c.BootloaderID(i)
		argv := append(installer.Argv(), "--target="+c.opts.EFITarget, "--efi-directory="+t.MountPoint, "--bootloader-id="+id, "--recheck")
		ierr := c.exec(ctx, chroot, argv, log)
		rep.Installs = append(rep.Installs, install(TargetESP, t.MountPoint, id, ierr))
		if ierr != nil {
			if espErr == nil {
				espErr = fmt.Errorf("install bootloader to ESP %s: %w", t.MountPoint, ierr)
			}
			if len(esps) > 1 {
				rep.warn("bootloader install to %s failed: %v", t.MountPoint, ierr)
			}
			continue
		}
		if source < 0 {
			source = i
		}
	}
	if len(esps) > 0 && source < 0 {
		return rep, espErr
	}
	biosOK := 0
	for _, t := range bios {
		argv := append(installer.Argv(), "--target="+c.opts.BIOSTarget, "--recheck", t.Disk)
		ierr := c.exec(ctx, chroot, argv, log)
		rep.Installs = append(rep.Installs, install(TargetBIOS, t.Disk, "", ierr))
		if ierr != nil {
			rep.warn("bootloader install to %s failed: %v", t.Disk, ierr)
			continue
		}
		biosOK++
	}
	if len(esps) == 0 && len(bios) > 0 && biosOK == 0 {
		return rep, errors.New("bootloader could not be installed to any disk")
	}

	mdUUID := ""
	if req.Array != "" {
		if mdUUID, err = c.arrayUUID(ctx, req.Array); err != nil {
			rep.warn("read array uuid of %s: %v", req.Array, err)
			mdUUID = ""
		}
		p, backup, merr := c.writeMdadmConf(ctx, req.Root)
		if merr != nil {
			rep.warn("write mdadm.conf: %v", merr)
		} else {
			rep.MdadmConf = p
		}
		rep.addBackup(backup)
	}
	backup, gerr := c.updateGrubDefaults(ctx, req.Root, mdUUID)
	if gerr != nil {
		rep.warn("update grub defaults: %v", gerr)
	} else {
		rep.GrubDefaults = filepath.Join(req.Root, "etc/default/grub")
	}
	rep.addBackup(backup)

	gen, err := FindTool(req.Root, RoleConfig, ConfigTools)
	if err != nil {
		return rep, err
	}
	rep.ConfigTool = gen.Name
	if err := c.exec(ctx, chroot, gen.Argv(), log); err != nil {
		return rep, fmt.Errorf("generate bootloader config: %w", err)
	}
	initrd, err := FindTool(req.Root, RoleInitramfs, InitramfsTools)
	if err != nil {
		return rep, err
	}
	rep.InitramfsTool = initrd.Name
	if err := c.exec(ctx, chroot, initrd.Argv(), log); err != nil {
		return rep, fmt.Errorf("regenerate initramfs: %w", err)
	}

	if len(esps) > 1 {
		c.syncESPs(req.Root, esps, source, rep, log)
	}
	log.Info().Int("installs", len(rep.Installs)).Int("warnings", len(rep.Warnings)).Msg("boot configured")
	return rep, nil
}

// precheck returns a skip reason when the target has no installed system.
func (c *Configurer) precheck(root string) string {
	if !hasBinary(root, "sh") {
		return "no shell in " + root + "; target system not installed yet"
	}
	if _, err := FindTool(root, RoleInstaller, InstallerTools); err != nil {
		return "no bootloader installer in " + root
	}
	return ""
}

func (c *Configurer) exec(ctx context.Context, r shell.Runner, argv []string, log zerolog.Logger) error {
	log.Debug().Str("cmd", shell.Join(argv...)).Msg("chroot exec")
	if _, err := r.Run(ctx, argv[0], argv[1:]...); err != nil {
		return err
	}
	return nil
}

// syncESPs mirrors esps[source] onto every other ESP. Each destination
// keeps its own bootloader directory.
func (c *Configurer) syncESPs(root string, esps []Target, source int, rep *Report, log zerolog.Logger) {
	from := esps[source].MountPoint
	src := filepath.Join(root, from)
	for i, t := range esps {
		if i == source {
			continue
		}
		dst := filepath.Join(root, t.MountPoint)
		own := filepath.Join("EFI", c.BootloaderID(i))
		if err := Mirror(src, dst, keepDir(own)); err != nil {
			rep.warn("sync %s from %s: %v", t.MountPoint, from, err)
			continue
		}
		rep.Synced = append(rep.Synced, t.MountPoint)
		log.Info().Str("esp", t.MountPoint).Str("from", from).Msg("ESP synchronised")
	}
}

func (r *Report) addBackup(p string) {
	if p != "" {
		r.Backups = append(r.Backups, p)
	}
}

func install(kind TargetKind, target, id string, err error) Install {
	in := Install{Kind: kind, Target: target, BootloaderID: id, OK: err == nil}
	if err != nil {
		in.Error = err.Error()
	}
	return in
}
