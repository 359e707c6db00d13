package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freebrew/liveRAID/internal/boot"
	"github.com/freebrew/liveRAID/internal/planner"
	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/internal/sysctx"
	"github.com/freebrew/liveRAID/pkg/shell"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	out   map[string]string
	fail  []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (shell.Result, error) {
	cmd := shell.Join(append([]string{name}, args...)...)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	for _, k := range f.fail {
		if strings.Contains(cmd, k) {
			return shell.Result{Code: 1}, &shell.ExitError{Argv: append([]string{name}, args...), Code: 1, Stderr: "device busy"}
		}
	}
	for k, v := range f.out {
		if strings.Contains(cmd, k) {
			return shell.Result{Stdout: []byte(v)}, nil
		}
	}
	return shell.Result{}, nil
}

func (f *fakeRunner) index(sub string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var idx []int
	for i, c := range f.calls {
		if strings.Contains(c, sub) {
			idx = append(idx, i)
		}
	}
	return idx
}

type fakeBoot struct {
	req *boot.Request
	rep *boot.Report
	err error
}

func (b *fakeBoot) Configure(_ context.Context, req boot.Request) (*boot.Report, error) {
	b.req = &req
	if b.rep == nil {
		b.rep = &boot.Report{Root: req.Root, Released: true}
	}
	return b.rep, b.err
}

func uuids() map[string]string {
	return map[string]string{
		"blkid -s UUID -o value /dev/md0":  "ABCD-1234",
		"blkid -s UUID -o value /dev/sda1": "EF01",
		"blkid -s UUID -o value /dev/sdb1": "EF02",
	}
}

func raid1Plan(t *testing.T, dryRun bool) *planner.Plan {
	t.Helper()
	disk := func(name string) blk.Device {
		return blk.Device{Name: name, Path: "/dev/" + name, Type: "disk", SizeBytes: 1 << 40}
	}
	inv := blk.Inventory{Devices: []blk.Device{disk("sda"), disk("sdb"), disk("sdc")}}
	sys := sysctx.Context{Firmware: sysctx.UEFI, Table: sysctx.GPT}
	p, err := planner.New(inv, sys, planner.Options{}).Plan(planner.Request{
		Devices:    []string{"/dev/sda", "/dev/sdb"},
		Level:      raid.Raid1,
		Filesystem: raid.Ext4,
		MountRoot:  t.TempDir(),
		DryRun:     dryRun,
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return p
}

func newExecutor(r shell.Runner, b BootConfigurer, opts Options) *Executor {
	if opts.SettleTimeout == 0 {
		opts.SettleTimeout = time.Second
	}
	e := New(r, b, zerolog.Nop(), opts)
	e.stat = func(string) (os.FileInfo, error) { return nil, nil }
	e.lookPath = func(name string) (string, error) { return "/usr/sbin/" + name, nil }
	return e
}

func status(r *Report, id string) StepResult {
	for _, s := range r.Steps {
		if s.ID == id {
			return s
		}
	}
	return StepResult{}
}

func TestApplyDryRunSkipsEverything(t *testing.T) {
	r := &fakeRunner{}
	b := &fakeBoot{}
	e := newExecutor(r, b, Options{})
	e.lookPath = func(name string) (string, error) {
		if name == "parted" {
			return "", errors.New("not found")
		}
		return "/usr/sbin/" + name, nil
	}
	p := raid1Plan(t, true)
	rep, err := e.Apply(context.Background(), p)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(r.calls) != 0 || b.req != nil {
		t.Fatalf("dry run must not execute anything: %v", r.calls)
	}
	if rep.Count(StatusSkipped) != len(p.Steps) {
		t.Fatalf("expected all %d steps skipped, got %d", len(p.Steps), rep.Count(StatusSkipped))
	}
	for _, s := range rep.Steps {
		if s.Reason != ReasonDryRun {
			t.Fatalf("step %s reason %q", s.ID, s.Reason)
		}
	}
	if len(rep.Warnings) != 2 || !strings.Contains(rep.Warnings[0], "parted not found") {
		t.Fatalf("expected a feasibility warning per partition step: %v", rep.Warnings)
	}
	if !rep.OK {
		t.Fatal("dry run report should be ok")
	}
}

func TestApplyRaid1UEFI(t *testing.T) {
	r := &fakeRunner{out: uuids()}
	b := &fakeBoot{}
	var mu sync.Mutex
	events := 0
	e := newExecutor(r, b, Options{Observer: func(Event) { mu.Lock(); events++; mu.Unlock() }})
	p := raid1Plan(t, false)
	rep, err := e.Apply(context.Background(), p)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !rep.OK || rep.Count(StatusOK) != len(p.Steps) {
		t.Fatalf("expected every step ok: %+v", rep.Steps)
	}
	if events != 2*len(p.Steps) {
		t.Fatalf("events=%d", events)
	}
	create := r.index("mdadm --create /dev/md0")
	if len(create) != 1 {
		t.Fatalf("assemble calls: %v", r.calls)
	}
	for _, i := range r.index("parted ") {
		if i > create[0] {
			t.Fatalf("partitioning must finish before assembly: %v", r.calls)
		}
	}
	data, err := os.ReadFile(filepath.Join(p.MountRoot, "etc/fstab"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"UUID=ABCD-1234 / ext4 defaults 0 1",
		"UUID=EF01 /boot/efi vfat umask=0077,nofail 0 2",
		"UUID=EF02 /boot/efi2 vfat umask=0077,nofail 0 2",
	}
	if strings.Join(rep.Fstab, "\n") != strings.Join(want, "\n") {
		t.Fatalf("fstab lines %v", rep.Fstab)
	}
	if !strings.HasSuffix(string(data), strings.Join(want, "\n")+"\n") {
		t.Fatalf("fstab file:\n%s", data)
	}
	if b.req == nil || b.req.Array != "/dev/md0" || len(b.req.Targets) != 2 || !b.req.Targets[0].Primary {
		t.Fatalf("boot request %+v", b.req)
	}
	if rep.Rollback != nil || rep.Partial {
		t.Fatalf("unexpected rollback/partial: %+v", rep)
	}
}

func TestApplyRollbackAfterMkfsFailure(t *testing.T) {
	r := &fakeRunner{out: uuids(), fail: []string{"mkfs.ext4"}}
	b := &fakeBoot{}
	e := newExecutor(r, b, Options{})
	rep, err := e.Apply(context.Background(), raid1Plan(t, false))
	if !errors.Is(err, raid.ErrStepFailed) {
		t.Fatalf("expected step failure, got %v", err)
	}
	var sf *raid.StepFailedError
	if !errors.As(err, &sf) || sf.Step != "mkfs-root" || sf.Target != "/dev/md0" {
		t.Fatalf("step error %+v", sf)
	}
	var ee *shell.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("original cause must be kept: %v", err)
	}
	if rep.FailedStep != "mkfs-root" || rep.OK {
		t.Fatalf("report %+v", rep)
	}
	if s := status(rep, "mount-root"); s.Status != StatusNotRun {
		t.Fatalf("mount-root status %s", s.Status)
	}
	if b.req != nil {
		t.Fatal("boot must not run after a fatal failure")
	}
	if rep.Rollback == nil || !rep.Rollback.Attempted || !rep.Rollback.Clean() {
		t.Fatalf("rollback %+v", rep.Rollback)
	}
	var cmds []string
	for _, a := range rep.Rollback.Actions {
		cmds = append(cmds, a.Command)
	}
	if len(cmds) != 5 {
		t.Fatalf("rollback commands %v", cmds)
	}
	head := []string{"mdadm --stop /dev/md0", "mdadm --zero-superblock /dev/sda2", "mdadm --zero-superblock /dev/sdb2"}
	if strings.Join(cmds[:3], ";") != strings.Join(head, ";") {
		t.Fatalf("rollback order %v", cmds)
	}
	tail := append([]string(nil), cmds[3:]...)
	sort.Strings(tail)
	if tail[0] != "wipefs -a /dev/sda" || tail[1] != "wipefs -a /dev/sdb" {
		t.Fatalf("partition rollback %v", tail)
	}
}

func TestApplyRollbackFailureKeepsOriginalError(t *testing.T) {
	r := &fakeRunner{out: uuids(), fail: []string{"mkfs.ext4", "mdadm --stop"}}
	rep, err := newExecutor(r, &fakeBoot{}, Options{}).Apply(context.Background(), raid1Plan(t, false))
	var sf *raid.StepFailedError
	if !errors.As(err, &sf) || sf.Step != "mkfs-root" {
		t.Fatalf("expected mkfs failure, got %v", err)
	}
	if rep.Rollback.Clean() || len(rep.Rollback.Actions) != 5 {
		t.Fatalf("every reversal should be attempted: %+v", rep.Rollback)
	}
}

func TestApplyBestEffortFailureIsWarning(t *testing.T) {
	r := &fakeRunner{out: uuids(), fail: []string{"--zero-superblock --force /dev/sdb", "mkfs.fat -F32 -n ESP2"}}
	rep, err := newExecutor(r, &fakeBoot{}, Options{}).Apply(context.Background(), raid1Plan(t, false))
	if err != nil {
		t.Fatalf("best-effort failures must not abort: %v", err)
	}
	if rep.Count(StatusWarning) != 2 || len(rep.Warnings) != 2 {
		t.Fatalf("warnings %v", rep.Warnings)
	}
	if !strings.Contains(rep.Warnings[0], "/dev/sdb") {
		t.Fatalf("warning must name the device: %v", rep.Warnings)
	}
}

func TestApplyBootToolMissingIsPartial(t *testing.T) {
	b := &fakeBoot{
		rep: &boot.Report{Released: true},
		err: &raid.ToolNotFoundError{Role: "initramfs generator", Tried: []string{"update-initramfs", "dracut", "mkinitcpio"}},
	}
	rep, err := newExecutor(&fakeRunner{out: uuids()}, b, Options{}).Apply(context.Background(), raid1Plan(t, false))
	if err != nil {
		t.Fatalf("provisioning succeeded, boot failure must not fail apply: %v", err)
	}
	if !rep.Partial || !rep.OK {
		t.Fatalf("expected partial ok report: %+v", rep)
	}
	if s := status(rep, "boot"); s.Status != StatusWarning || !strings.Contains(s.Error, "initramfs") {
		t.Fatalf("boot step %+v", s)
	}
}

func TestApplyCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &fakeRunner{}
	rep, err := newExecutor(r, &fakeBoot{}, Options{}).Apply(ctx, raid1Plan(t, false))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if len(r.calls) != 0 || rep.Count(StatusNotRun) != len(rep.Steps) || rep.Rollback != nil {
		t.Fatalf("nothing should run: %v", r.calls)
	}
}

func TestApplyCancelAfterFatalStepRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeRunner{out: uuids()}
	e := newExecutor(r, &fakeBoot{}, Options{Observer: func(ev Event) {
		if ev.Step.ID == "wipe-sda" && ev.Status == StatusOK {
			cancel()
		}
	}})
	rep, err := e.Apply(ctx, raid1Plan(t, false))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected deferred cancellation, got %v", err)
	}
	for _, id := range []string{"partition-sda", "partition-sdb"} {
		if s := status(rep, id); s.Status != StatusOK {
			t.Fatalf("in-flight batch must complete: %s=%s", id, s.Status)
		}
	}
	if s := status(rep, "settle-partitions"); s.Status != StatusNotRun {
		t.Fatalf("settle status %s", s.Status)
	}
	if rep.Rollback == nil || len(rep.Rollback.Actions) != 2 {
		t.Fatalf("rollback %+v", rep.Rollback)
	}
}

func TestApplySettleTimeout(t *testing.T) {
	old := settlePoll
	settlePoll = 5 * time.Millisecond
	defer func() { settlePoll = old }()
	e := newExecutor(&fakeRunner{}, &fakeBoot{}, Options{SettleTimeout: 30 * time.Millisecond})
	e.stat = func(p string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	rep, err := e.Apply(context.Background(), raid1Plan(t, false))
	if !errors.Is(err, raid.ErrSettleTimeout) {
		t.Fatalf("expected settle timeout, got %v", err)
	}
	if rep.FailedStep != "settle-partitions" {
		t.Fatalf("failed step %s", rep.FailedStep)
	}
}

func TestApplyBacksUpExistingFstab(t *testing.T) {
	p := raid1Plan(t, false)
	fstab := filepath.Join(p.MountRoot, "etc/fstab")
	if err := os.MkdirAll(filepath.Dir(fstab), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fstab, []byte("# old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	e := newExecutor(&fakeRunner{out: uuids()}, &fakeBoot{}, Options{BackupExisting: true, Now: func() time.Time { return now }})
	rep, err := e.Apply(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	want := fstab + ".backup.20260504_030201"
	if s := status(rep, "fstab-root"); s.Backup != want {
		t.Fatalf("backup %q", s.Backup)
	}
	if b, _ := os.ReadFile(want); string(b) != "# old\n" {
		t.Fatalf("backup content %q", b)
	}
	if s := status(rep, "fstab-esp-sda1"); s.Backup != "" {
		t.Fatal("fstab should be backed up once per run")
	}
}

func TestApplyWritesJournal(t *testing.T) {
	j := NewJournal(t.TempDir())
	rep, err := newExecutor(&fakeRunner{out: uuids()}, &fakeBoot{}, Options{Journal: j}).Apply(context.Background(), raid1Plan(t, false))
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := j.Load(rep.RunID)
	if err != nil || !ok {
		t.Fatalf("load: %v %v", ok, err)
	}
	if !got.OK || len(got.Steps) != len(rep.Steps) || got.FinishedAt == nil {
		t.Fatalf("stored report %+v", got)
	}
	lines, next := j.Tail(rep.RunID, 0, 3)
	if len(lines) != 3 || next != 3 || !strings.Contains(lines[0], `"stepId":"wipe-`) {
		t.Fatalf("tail %v next=%d", lines, next)
	}
	if _, _, err := j.Load("../etc/passwd"); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestBatchEnd(t *testing.T) {
	steps := []planner.Step{
		{ID: "a", Group: planner.GroupPartition},
		{ID: "b", Group: planner.GroupPartition},
		{ID: "c"},
		{ID: "d", Group: planner.GroupESPFormat},
	}
	if batchEnd(steps, 0) != 2 || batchEnd(steps, 2) != 3 || batchEnd(steps, 3) != 4 {
		t.Fatal("unexpected batch boundaries")
	}
}
