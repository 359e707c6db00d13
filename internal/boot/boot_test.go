package boot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/pkg/shell"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	out   map[string]string
	fail  map[string]bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (shell.Result, error) {
	cmd := shell.Join(append([]string{name}, args...)...)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	for k := range f.fail {
		if strings.Contains(cmd, k) {
			return shell.Result{Code: 1}, &shell.ExitError{Argv: append([]string{name}, args...), Code: 1, Stderr: "boom"}
		}
	}
	for k, v := range f.out {
		if strings.Contains(cmd, k) {
			return shell.Result{Stdout: []byte(v)}, nil
		}
	}
	return shell.Result{}, nil
}

func (f *fakeRunner) ran(sub string) int {
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

type fakeMounter struct {
	bound     []string
	unmounted []string
	failBind  string
}

func (m *fakeMounter) Bind(src, dst string) error {
	if src == m.failBind {
		return errors.New("bind refused")
	}
	m.bound = append(m.bound, dst)
	return nil
}

func (m *fakeMounter) Unmount(dst string) error {
	m.unmounted = append(m.unmounted, dst)
	return nil
}

func touch(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		p := filepath.Join(root, r)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(r), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func newTarget(t *testing.T, tools ...string) string {
	t.Helper()
	root := t.TempDir()
	touch(t, root, "bin/sh", "usr/sbin/grub-install")
	for _, tool := range tools {
		touch(t, root, "usr/sbin/"+tool)
	}
	return root
}

func newConfigurer(r shell.Runner, m Mounter, efivars string) *Configurer {
	return New(r, m, zerolog.Nop(), Options{
		GrubTimeout:    5,
		BackupExisting: true,
		EFIVars:        efivars,
		Now:            func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
}

func TestConfigureSkipsUnpopulatedRoot(t *testing.T) {
	r := &fakeRunner{}
	m := &fakeMounter{}
	rep, err := newConfigurer(r, m, "").Configure(context.Background(), Request{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("skip must not be an error: %v", err)
	}
	if !rep.Skipped || rep.Reason == "" {
		t.Fatalf("expected skip, got %+v", rep)
	}
	if len(r.calls) != 0 || len(m.bound) != 0 {
		t.Fatalf("nothing should run: calls=%v binds=%v", r.calls, m.bound)
	}
}

func TestConfigureUEFIMirrorsSecondaryESP(t *testing.T) {
	root := newTarget(t, "update-grub", "update-initramfs")
	touch(t, root,
		"boot/efi/EFI/raidctl/grubx64.efi",
		"boot/efi/EFI/BOOT/BOOTX64.EFI",
		"boot/efi2/EFI/raidctl-2/grubx64.efi",
		"boot/efi2/stale.txt",
		"etc/default/grub",
	)
	if err := os.WriteFile(filepath.Join(root, "etc/default/grub"), []byte("GRUB_DEFAULT=0\nGRUB_TIMEOUT=10\nGRUB_CMDLINE_LINUX=\"quiet\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "etc/mdadm"), 0o755); err != nil {
		t.Fatal(err)
	}
	efivars := t.TempDir()
	r := &fakeRunner{out: map[string]string{
		"--detail --export": "MD_LEVEL=raid1\nMD_UUID=1111:2222:3333:4444\n",
		"--detail --scan":   "ARRAY /dev/md0 metadata=1.2 UUID=1111:2222:3333:4444",
	}}
	m := &fakeMounter{}
	req := Request{
		Root:  root,
		Array: "/dev/md0",
		Targets: []Target{
			{Kind: TargetESP, Disk: "/dev/sda", Device: "/dev/sda1", MountPoint: "/boot/efi", Primary: true},
			{Kind: TargetESP, Disk: "/dev/sdb", Device: "/dev/sdb1", MountPoint: "/boot/efi2"},
		},
	}
	rep, err := newConfigurer(r, m, efivars).Configure(context.Background(), req)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if r.ran("--bootloader-id=raidctl --recheck") != 1 || r.ran("--bootloader-id=raidctl-2 --recheck") != 1 {
		t.Fatalf("expected one install per ESP with distinct ids: %v", r.calls)
	}
	if r.ran("chroot "+root+" grub-install --target=x86_64-efi --efi-directory=/boot/efi ") != 1 {
		t.Fatalf("install must run inside the target: %v", r.calls)
	}
	if rep.ConfigTool != "update-grub" || rep.InitramfsTool != "update-initramfs" {
		t.Fatalf("tools: %s %s", rep.ConfigTool, rep.InitramfsTool)
	}
	if len(m.bound) != 6 || len(m.unmounted) != 6 || !rep.Released {
		t.Fatalf("binds=%v unmounted=%v", m.bound, m.unmounted)
	}
	for i := range m.bound {
		if m.unmounted[i] != m.bound[len(m.bound)-1-i] {
			t.Fatalf("release must be reverse order: %v vs %v", m.bound, m.unmounted)
		}
	}
	if len(rep.Synced) != 1 || rep.Synced[0] != "/boot/efi2" {
		t.Fatalf("synced=%v warnings=%v", rep.Synced, rep.Warnings)
	}
	for _, p := range []string{"EFI/raidctl/grubx64.efi", "EFI/BOOT/BOOTX64.EFI", "EFI/raidctl-2/grubx64.efi"} {
		if _, err := os.Stat(filepath.Join(root, "boot/efi2", p)); err != nil {
			t.Fatalf("secondary missing %s: %v", p, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "boot/efi2/stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("stale file should be removed, err=%v", err)
	}
	grub, _ := os.ReadFile(filepath.Join(root, "etc/default/grub"))
	for _, want := range []string{"GRUB_TIMEOUT=5", `GRUB_PRELOAD_MODULES="mdraid09 mdraid1x"`, `GRUB_CMDLINE_LINUX="quiet rd.md.uuid=1111:2222:3333:4444"`} {
		if !strings.Contains(string(grub), want) {
			t.Fatalf("grub defaults missing %q:\n%s", want, grub)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "etc/default/grub.backup.20260301_100000")); err != nil {
		t.Fatalf("expected grub backup: %v", err)
	}
	conf, _ := os.ReadFile(filepath.Join(root, "etc/mdadm/mdadm.conf"))
	if !strings.Contains(string(conf), "ARRAY /dev/md0") {
		t.Fatalf("mdadm.conf: %q", conf)
	}
}

func TestConfigureBIOSInstallsAreIndependent(t *testing.T) {
	root := newTarget(t, "grub-mkconfig", "dracut")
	r := &fakeRunner{fail: map[string]bool{"--target=i386-pc --recheck /dev/sdb": true}}
	m := &fakeMounter{}
	req := Request{Root: root, Targets: []Target{
		{Kind: TargetBIOS, Disk: "/dev/sda"},
		{Kind: TargetBIOS, Disk: "/dev/sdb"},
		{Kind: TargetBIOS, Disk: "/dev/sdc"},
	}}
	rep, err := newConfigurer(r, m, "").Configure(context.Background(), req)
	if err != nil {
		t.Fatalf("one failing disk must not fail boot configuration: %v", err)
	}
	if len(rep.Installs) != 3 || rep.Installs[1].OK || !rep.Installs[2].OK {
		t.Fatalf("installs: %+v", rep.Installs)
	}
	if len(rep.Warnings) != 1 {
		t.Fatalf("warnings: %v", rep.Warnings)
	}
	if len(m.bound) != 5 {
		t.Fatalf("efivars must not be bound without ESPs: %v", m.bound)
	}
	if r.ran("grub-mkconfig -o /boot/grub/grub.cfg") != 1 || r.ran("dracut --regenerate-all --force") != 1 {
		t.Fatalf("lookup order: %v", r.calls)
	}
}

func TestConfigureNoGeneratorReleasesBinds(t *testing.T) {
	root := newTarget(t)
	m := &fakeMounter{}
	rep, err := newConfigurer(&fakeRunner{}, m, "").Configure(context.Background(), Request{
		Root:    root,
		Targets: []Target{{Kind: TargetBIOS, Disk: "/dev/sda"}},
	})
	if !errors.Is(err, raid.ErrToolNotFound) {
		t.Fatalf("expected tool not found, got %v", err)
	}
	var tnf *raid.ToolNotFoundError
	if !errors.As(err, &tnf) || len(tnf.Tried) != len(ConfigTools) {
		t.Fatalf("expected all generators tried: %v", err)
	}
	if !rep.Released || len(m.unmounted) != len(m.bound) || rep.Error == "" {
		t.Fatalf("binds must be released: %+v", rep)
	}
}

func TestConfigurePrimaryESPFailureIsFatal(t *testing.T) {
	root := newTarget(t, "update-grub", "update-initramfs")
	r := &fakeRunner{fail: map[string]bool{"--bootloader-id=raidctl ": true}}
	m := &fakeMounter{}
	_, err := newConfigurer(r, m, "").Configure(context.Background(), Request{
		Root:    root,
		Targets: []Target{{Kind: TargetESP, MountPoint: "/boot/efi", Primary: true}},
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if r.ran("update-grub") != 0 {
		t.Fatal("config generation must not run after a fatal install failure")
	}
	if len(m.unmounted) != len(m.bound) {
		t.Fatalf("binds leaked: %v %v", m.bound, m.unmounted)
	}
}

func TestConfigureSecondaryESPCoversPrimaryFailure(t *testing.T) {
	root := newTarget(t, "update-grub", "update-initramfs")
	touch(t, root,
		"boot/efi/EFI/raidctl/half-written.efi",
		"boot/efi2/EFI/raidctl-2/grubx64.efi",
		"boot/efi2/EFI/BOOT/BOOTX64.EFI",
	)
	r := &fakeRunner{fail: map[string]bool{"--bootloader-id=raidctl ": true}}
	m := &fakeMounter{}
	rep, err := newConfigurer(r, m, "").Configure(context.Background(), Request{
		Root: root,
		Targets: []Target{
			{Kind: TargetESP, MountPoint: "/boot/efi", Primary: true},
			{Kind: TargetESP, MountPoint: "/boot/efi2"},
		},
	})
	if err != nil {
		t.Fatalf("one working ESP is enough: %v", err)
	}
	if len(rep.Warnings) == 0 {
		t.Fatal("primary failure must be reported as a warning")
	}
	if r.ran("update-grub") != 1 {
		t.Fatalf("config generation must still run: %v", r.calls)
	}
	if len(rep.Synced) != 1 || rep.Synced[0] != "/boot/efi" {
		t.Fatalf("primary must be refreshed from the secondary: %v", rep.Synced)
	}
	if _, err := os.Stat(filepath.Join(root, "boot/efi/EFI/BOOT/BOOTX64.EFI")); err != nil {
		t.Fatalf("fallback loader not mirrored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "boot/efi/EFI/raidctl/half-written.efi")); err != nil {
		t.Fatalf("primary must keep its own directory: %v", err)
	}

	r = &fakeRunner{fail: map[string]bool{"--bootloader-id=raidctl": true}}
	if _, err := newConfigurer(r, &fakeMounter{}, "").Configure(context.Background(), Request{
		Root: root,
		Targets: []Target{
			{Kind: TargetESP, MountPoint: "/boot/efi", Primary: true},
			{Kind: TargetESP, MountPoint: "/boot/efi2"},
		},
	}); err == nil {
		t.Fatal("expected failure when no ESP was installed")
	}
}

func TestConfigureBindFailureReleasesAcquired(t *testing.T) {
	root := newTarget(t, "update-grub", "update-initramfs")
	m := &fakeMounter{failBind: "/sys"}
	rep, err := newConfigurer(&fakeRunner{}, m, "").Configure(context.Background(), Request{Root: root})
	if err == nil {
		t.Fatal("expected bind failure")
	}
	if len(m.bound) != 3 || len(m.unmounted) != 3 || !rep.Released {
		t.Fatalf("bound=%v unmounted=%v", m.bound, m.unmounted)
	}
}

func TestGrubDefaults(t *testing.T) {
	in := "GRUB_DEFAULT=0\nGRUB_TIMEOUT=10\nGRUB_CMDLINE_LINUX=\"\"\n"
	out := GrubDefaults(in, 5, "u1")
	for _, want := range []string{"GRUB_TIMEOUT=5\n", `GRUB_CMDLINE_LINUX="rd.md.uuid=u1"`, `GRUB_PRELOAD_MODULES="mdraid09 mdraid1x"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
	if again := GrubDefaults(out, 5, "u1"); again != out {
		t.Fatalf("not idempotent:\n%s\n---\n%s", out, again)
	}
	plain := GrubDefaults("", -1, "")
	if plain != "GRUB_DEFAULT=0\n" {
		t.Fatalf("plain: %q", plain)
	}
}

func TestFindToolOrder(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "usr/bin/mkinitcpio", "sbin/dracut")
	tool, err := FindTool(root, RoleInitramfs, InitramfsTools)
	if err != nil || tool.Name != "dracut" {
		t.Fatalf("got %v %v", tool, err)
	}
}

func TestMirrorKeepsOwnDirectory(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	touch(t, src, "EFI/a/x.efi", "top.cfg")
	touch(t, dst, "EFI/b/y.efi", "EFI/old/z.efi", "top.cfg")
	if err := Mirror(src, dst, keepDir("EFI/b")); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"EFI/a/x.efi", "EFI/b/y.efi", "top.cfg"} {
		if _, err := os.Stat(filepath.Join(dst, p)); err != nil {
			t.Fatalf("missing %s", p)
		}
	}
	if _, err := os.Stat(filepath.Join(dst, "EFI/old")); !os.IsNotExist(err) {
		t.Fatal("EFI/old should be removed")
	}
	b, _ := os.ReadFile(filepath.Join(dst, "top.cfg"))
	if string(b) != "top.cfg" {
		t.Fatalf("content %q", b)
	}
}
