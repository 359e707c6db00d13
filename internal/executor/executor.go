// Package executor applies a provisioning plan to live block devices.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freebrew/liveRAID/internal/boot"
	"github.com/freebrew/liveRAID/internal/planner"
	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/pkg/shell"
)

// ErrCancelled is returned when cancellation arrived after a fatal step had
// started; the current step was allowed to finish and rollback was run.
var ErrCancelled = errors.New("apply cancelled after destructive steps began")

// BootConfigurer installs bootloaders into a mounted target root.
type BootConfigurer interface {
	Configure(ctx context.Context, req boot.Request) (*boot.Report, error)
}

// Event is emitted before and after each step.
type Event struct {
	Index  int
	Total  int
	Step   planner.Step
	Status Status
}

type runIDKey struct{}

// WithRunID makes the next Apply on ctx use id as its run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

type Options struct {
	SettleTimeout  time.Duration
	BackupExisting bool
	Journal        *Journal
	Observer       func(Event)
	Now            func() time.Time
}

type Executor struct {
	run  shell.Runner
	boot BootConfigurer
	log  zerolog.Logger
	opts Options

	// seams for tests
	stat     func(string) (os.FileInfo, error)
	lookPath func(string) (string, error)
	mkdirAll func(string, os.FileMode) error
}

func New(r shell.Runner, b BootConfigurer, log zerolog.Logger, opts Options) *Executor {
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		run:      r,
		boot:     b,
		log:      log.With().Str("component", "executor").Logger(),
		opts:     opts,
		stat:     os.Stat,
		lookPath: exec.LookPath,
		mkdirAll: os.MkdirAll,
	}
}

// runState holds the mutable state of one apply.
type runState struct {
	plan   *planner.Plan
	report *Report
	mu     sync.Mutex
	undo   []undoEntry
	fstab  fstabState
	fatal  atomic.Bool
	failed atomic.Bool
	err    error
}

// Apply executes the plan. Dry-run plans are checked for feasibility only
// and every step is reported as skipped.
func (e *Executor) Apply(ctx context.Context, p *planner.Plan) (*Report, error) {
	if p == nil {
		return nil, errors.New("nil plan")
	}
	plan := p.Clone()
	runID, _ := ctx.Value(runIDKey{}).(string)
	if runID == "" {
		runID = uuid.NewString()
	}
	rs := &runState{plan: plan, report: newReport(runID, plan, e.now())}
	rs.report.BootTargets = plan.BootTargets()
	log := e.log.With().Str("run", rs.report.RunID).Str("plan", plan.ID).Logger()

	if plan.DryRun {
		e.dryRun(rs)
		e.finish(rs, nil)
		log.Info().Int("steps", len(plan.Steps)).Int("warnings", len(rs.report.Warnings)).Msg("dry run complete")
		return rs.report, nil
	}

	log.Info().Int("steps", len(plan.Steps)).Msg("apply started")
	e.save(rs)
	stepCtx := context.WithoutCancel(ctx)

	for i := 0; i < len(plan.Steps); {
		if err := ctx.Err(); err != nil {
			if !rs.fatal.Load() {
				e.markRemaining(rs, i, "cancelled before destructive steps")
				e.finish(rs, err)
				applies.WithLabelValues("cancelled").Inc()
				return rs.report, err
			}
			log.Warn().Err(err).Msg("cancellation deferred; rolling back")
			e.markRemaining(rs, i, "cancelled")
			e.rollback(stepCtx, rs, log)
			cerr := fmt.Errorf("%w: %v", ErrCancelled, err)
			e.finish(rs, cerr)
			applies.WithLabelValues("cancelled").Inc()
			return rs.report, cerr
		}

		end := batchEnd(plan.Steps, i)
		if end-i > 1 {
			e.runBatch(stepCtx, rs, i, end, log)
		} else {
			e.runStep(stepCtx, rs, i, log)
		}
		if rs.failed.Load() {
			e.markRemaining(rs, end, "aborted after fatal failure")
			e.rollback(stepCtx, rs, log)
			e.finish(rs, rs.err)
			applies.WithLabelValues("failed").Inc()
			return rs.report, rs.err
		}
		i = end
	}

	e.finish(rs, nil)
	applies.WithLabelValues("ok").Inc()
	log.Info().Int("warnings", len(rs.report.Warnings)).Bool("partial", rs.report.Partial).Msg("apply finished")
	return rs.report, nil
}

// batchEnd returns the end of the run of consecutive steps sharing a
// parallel group with steps[i].
func batchEnd(steps []planner.Step, i int) int {
	g := steps[i].Group
	if g == "" {
		return i + 1
	}
	j := i + 1
	for j < len(steps) && steps[j].Group == g {
		j++
	}
	return j
}

// runBatch runs each disk's steps in order, disks concurrently. The batch
// is a barrier: it returns only when every disk is done.
func (e *Executor) runBatch(ctx context.Context, rs *runState, start, end int, log zerolog.Logger) {
	var order []string
	byDisk := map[string][]int{}
	for i := start; i < end; i++ {
		d := rs.plan.Steps[i].Disk
		if _, ok := byDisk[d]; !ok {
			order = append(order, d)
		}
		byDisk[d] = append(byDisk[d], i)
	}
	var g errgroup.Group
	for _, d := range order {
		idx := byDisk[d]
		g.Go(func() error {
			for n, i := range idx {
				if rs.failed.Load() {
					e.markSteps(rs, idx[n:], StatusNotRun, "aborted after fatal failure")
					return nil
				}
				e.runStep(ctx, rs, i, log)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Executor) runStep(ctx context.Context, rs *runState, i int, log zerolog.Logger) {
	step := rs.plan.Steps[i]
	slog := log.With().Str("step", step.ID).Str("kind", string(step.Kind)).Str("target", step.Target).Logger()
	if step.Fatal() {
		rs.fatal.Store(true)
	}
	start := e.now()
	rs.mu.Lock()
	res := &rs.report.Steps[i]
	res.Status = StatusRunning
	res.StartedAt = &start
	rs.mu.Unlock()
	e.emit(rs, i, StatusRunning)
	e.journal(rs, "info", step.ID, "starting: "+step.Description)

	backup, err := e.execute(ctx, rs, step, slog)

	done := e.now()
	dur := done.Sub(start)
	stepDuration.WithLabelValues(string(step.Kind)).Observe(dur.Seconds())
	rs.mu.Lock()
	res.FinishedAt = &done
	res.Backup = backup
	switch {
	case err == nil:
		res.Status = StatusOK
	case step.Fatal():
		res.Status = StatusFailed
		res.Error = err.Error()
		if rs.err == nil {
			rs.err = &raid.StepFailedError{Step: step.ID, Target: step.Target, Cause: err}
			rs.report.FailedStep = step.ID
		}
		rs.failed.Store(true)
	default:
		res.Status = StatusWarning
		res.Error = err.Error()
		rs.report.Warnings = append(rs.report.Warnings, fmt.Sprintf("%s (%s): %v", step.Description, step.Target, err))
	}
	status := res.Status
	rs.mu.Unlock()

	stepsTotal.WithLabelValues(string(step.Kind), string(status)).Inc()
	ev := slog.Info()
	if err != nil {
		ev = slog.Error().Err(err)
		if !step.Fatal() {
			ev = slog.Warn().Err(err)
		}
	}
	ev.Str("criticality", string(step.Criticality)).Dur("duration", dur).Str("status", string(status)).Msg("step finished")
	msg := string(status)
	if err != nil {
		msg += ": " + err.Error()
	}
	e.journal(rs, levelFor(status), step.ID, msg)
	e.emit(rs, i, status)
	e.save(rs)
}

// execute dispatches on the step kind and registers undo actions on success.
func (e *Executor) execute(ctx context.Context, rs *runState, step planner.Step, log zerolog.Logger) (string, error) {
	switch step.Kind {
	case planner.KindSettle:
		return "", e.settle(ctx, step.Wait)
	case planner.KindMount:
		if err := e.mkdirAll(step.MountPoint, 0o755); err != nil {
			return "", err
		}
		if err := e.runArgv(ctx, step.Argv, log); err != nil {
			return "", err
		}
		rs.pushUndo(undoEntry{stepID: step.ID, description: "Unmount " + step.MountPoint, argv: [][]string{{"umount", step.MountPoint}}})
		return "", nil
	case planner.KindFstab:
		return e.writeFstab(ctx, rs, step)
	case planner.KindBoot:
		return "", e.configureBoot(ctx, rs, log)
	}
	if err := e.runArgv(ctx, step.Argv, log); err != nil {
		return "", err
	}
	switch step.Kind {
	case planner.KindPartition:
		rs.pushUndo(undoEntry{stepID: step.ID, description: "Erase partition table on " + step.Disk, argv: [][]string{{"wipefs", "-a", step.Disk}}})
	case planner.KindAssemble:
		argv := [][]string{{"mdadm", "--stop", step.Device}}
		for _, m := range step.Members {
			argv = append(argv, []string{"mdadm", "--zero-superblock", m})
		}
		rs.pushUndo(undoEntry{stepID: step.ID, description: "Stop array " + step.Device + " and clear member superblocks", argv: argv})
	}
	return "", nil
}

func (e *Executor) runArgv(ctx context.Context, argv [][]string, log zerolog.Logger) error {
	for _, a := range argv {
		if len(a) == 0 {
			continue
		}
		log.Debug().Str("cmd", shell.Join(a...)).Msg("exec")
		res, err := e.run.Run(ctx, a[0], a[1:]...)
		if err != nil {
			return fmt.Errorf("%s: %w", shell.Join(a...), err)
		}
		if out := res.Output(); out != "" {
			log.Debug().Str("output", out).Msg("exec output")
		}
	}
	return nil
}

func (e *Executor) configureBoot(ctx context.Context, rs *runState, log zerolog.Logger) error {
	if e.boot == nil {
		return errors.New("no boot configurer available")
	}
	rep, err := e.boot.Configure(ctx, boot.Request{
		Root:    rs.plan.MountRoot,
		Targets: rs.report.BootTargets,
		Array:   rs.plan.Array,
	})
	rs.mu.Lock()
	rs.report.Boot = rep
	if rep != nil {
		rs.report.Warnings = append(rs.report.Warnings, rep.Warnings...)
	}
	if err != nil || (rep != nil && rep.Skipped) {
		rs.report.Partial = true
	}
	rs.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("volume provisioned but boot configuration is incomplete")
		return err
	}
	return nil
}

func (e *Executor) dryRun(rs *runState) {
	sizes := map[string]uint64{}
	for _, d := range rs.plan.Devices {
		sizes[d.Path] = d.SizeBytes
	}
	for i, s := range rs.plan.Steps {
		res := &rs.report.Steps[i]
		res.Status = StatusSkipped
		res.Reason = ReasonDryRun
		var issues []string
		checked := map[string]bool{}
		for _, a := range s.Argv {
			if len(a) == 0 || checked[a[0]] {
				continue
			}
			checked[a[0]] = true
			if _, err := e.lookPath(a[0]); err != nil {
				issues = append(issues, a[0]+" not found on PATH")
			}
		}
		if s.Disk != "" {
			if _, err := e.stat(s.Disk); err != nil {
				issues = append(issues, s.Disk+" is not present")
			}
		}
		if s.MinBytes > 0 && sizes[s.Disk] > 0 && sizes[s.Disk] < s.MinBytes {
			issues = append(issues, fmt.Sprintf("%s is smaller than the %d bytes required", s.Disk, s.MinBytes))
		}
		for _, is := range issues {
			rs.report.Warnings = append(rs.report.Warnings, s.ID+": "+is)
		}
		stepsTotal.WithLabelValues(string(s.Kind), string(StatusSkipped)).Inc()
	}
}

func (e *Executor) markRemaining(rs *runState, from int, reason string) {
	idx := []int{}
	for i := from; i < len(rs.plan.Steps); i++ {
		idx = append(idx, i)
	}
	e.markSteps(rs, idx, StatusNotRun, reason)
}

func (e *Executor) markSteps(rs *runState, idx []int, st Status, reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, i := range idx {
		if rs.report.Steps[i].Status == StatusPending {
			rs.report.Steps[i].Status = st
			rs.report.Steps[i].Reason = reason
		}
	}
}

func (e *Executor) finish(rs *runState, err error) {
	now := e.now()
	rs.mu.Lock()
	rs.report.FinishedAt = &now
	rs.report.OK = err == nil
	if err != nil {
		rs.report.Error = err.Error()
	}
	rs.mu.Unlock()
	e.save(rs)
}

func (e *Executor) emit(rs *runState, i int, st Status) {
	if e.opts.Observer != nil {
		e.opts.Observer(Event{Index: i, Total: len(rs.plan.Steps), Step: rs.plan.Steps[i], Status: st})
	}
}

func (e *Executor) save(rs *runState) {
	if e.opts.Journal == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := e.opts.Journal.Save(rs.report); err != nil {
		e.log.Warn().Err(err).Msg("save run journal")
	}
}

func (e *Executor) journal(rs *runState, level, stepID, msg string) {
	if e.opts.Journal != nil {
		e.opts.Journal.Log(rs.report.RunID, level, stepID, msg)
	}
}

func (e *Executor) now() time.Time { return e.opts.Now().UTC() }

func levelFor(s Status) string {
	switch s {
	case StatusFailed:
		return "error"
	case StatusWarning:
		return "warn"
	}
	return "info"
}
