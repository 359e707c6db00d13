// Package safety wraps planning and execution with the checks that keep a
// destructive apply from surprising anyone: global dry-run, tool preflight
// and exclusive device leases.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/freebrew/liveRAID/internal/executor"
	"github.com/freebrew/liveRAID/internal/planner"
	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/sysctx"
)

// ErrPlanTampered is returned when a plan's id does not match its contents.
var ErrPlanTampered = errors.New("plan id does not match plan contents")

// ErrNotRoot is returned by Preflight for live applies without root.
var ErrNotRoot = errors.New("provisioning requires root privileges")

type Applier interface {
	Apply(ctx context.Context, p *planner.Plan) (*executor.Report, error)
}

type Options struct {
	// DryRun forces every plan and apply into dry-run mode.
	DryRun      bool
	StateDir    string
	RequireRoot bool
}

type Guard struct {
	exec Applier
	sys  sysctx.Context
	log  zerolog.Logger
	opts Options

	mu   sync.Mutex
	held map[string]string

	geteuid func() int
}

func NewGuard(a Applier, sys sysctx.Context, log zerolog.Logger, opts Options) *Guard {
	if opts.StateDir == "" {
		opts.StateDir = "/var/lib/raidctl"
	}
	return &Guard{
		exec:    a,
		sys:     sys,
		log:     log.With().Str("component", "safety").Logger(),
		opts:    opts,
		held:    map[string]string{},
		geteuid: unix.Geteuid,
	}
}

// DryRun reports whether dry-run is enforced globally.
func (g *Guard) DryRun() bool { return g.opts.DryRun }

// Preflight checks that every binary the plan invokes is available and, for
// live applies, that the process may touch block devices.
func (g *Guard) Preflight(p *planner.Plan) error {
	if !p.DryRun && g.opts.RequireRoot && g.geteuid() != 0 {
		return ErrNotRoot
	}
	if missing := g.sys.Missing(RequiredTools(p)...); len(missing) > 0 {
		return &raid.ToolNotFoundError{Role: "provisioning tool", Tried: missing}
	}
	return nil
}

// RequiredTools lists the host binaries a plan invokes.
func RequiredTools(p *planner.Plan) []string {
	seen := map[string]bool{"udevadm": true, "blkid": true}
	for _, s := range p.Steps {
		for _, a := range s.Argv {
			if len(a) > 0 {
				seen[a[0]] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Plan validates the request and then leases the disks it resolved to, so
// aliases of one disk share a lease. The lease is returned held on success
// and must be released by the caller, usually after Apply.
func (g *Guard) Plan(pl *planner.Planner, req planner.Request) (*planner.Plan, *Lease, error) {
	if g.opts.DryRun {
		req.DryRun = true
	}
	p, err := pl.Plan(req)
	if err != nil {
		return nil, nil, err
	}
	lease, err := g.acquire("plan-"+p.ID, p.Layout.Disks())
	if err != nil {
		return nil, nil, err
	}
	g.log.Info().Str("plan", p.ID).Str("level", string(p.Level)).Strs("devices", lease.Devices).Bool("dryRun", p.DryRun).Msg("plan built")
	return p, lease, nil
}

// Apply verifies the plan, enforces global dry-run, leases the plan's disks
// unless lease already covers them, runs preflight and hands the plan to
// the executor.
func (g *Guard) Apply(ctx context.Context, p *planner.Plan, lease *Lease) (*executor.Report, error) {
	if p == nil {
		return nil, errors.New("nil plan")
	}
	if p.ID != p.Digest() {
		return nil, ErrPlanTampered
	}
	run := p.Clone()
	if g.opts.DryRun && !run.DryRun {
		g.log.Warn().Str("plan", p.ID).Msg("dry-run enforced by configuration")
		run.DryRun = true
	}
	if !covers(lease, run.Layout.Disks()) {
		l, err := g.acquire("apply-"+p.ID, run.Layout.Disks())
		if err != nil {
			return nil, err
		}
		defer l.Release()
	}
	if !run.DryRun {
		if err := g.Preflight(run); err != nil {
			return nil, fmt.Errorf("preflight: %w", err)
		}
	}
	rep, err := g.exec.Apply(ctx, run)
	if rep != nil && rep.Rollback != nil {
		ev := g.log.Warn()
		if !rep.Rollback.Clean() {
			ev = g.log.Error()
		}
		ev.Str("run", rep.RunID).Bool("clean", rep.Rollback.Clean()).Int("actions", len(rep.Rollback.Actions)).Msg("rollback attempted")
	}
	return rep, err
}

func covers(l *Lease, devices []string) bool {
	if l == nil {
		return false
	}
	have := map[string]bool{}
	for _, d := range l.Devices {
		have[d] = true
	}
	for _, d := range devices {
		if !have[d] {
			return false
		}
	}
	return true
}
