package executor

import (
	"time"

	"github.com/freebrew/liveRAID/internal/boot"
	"github.com/freebrew/liveRAID/internal/planner"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusWarning Status = "warning"
	StatusSkipped Status = "skipped"
	StatusNotRun  Status = "not-run"
)

// ReasonDryRun marks steps skipped because the plan is a dry run.
const ReasonDryRun = "dry_run"

type StepResult struct {
	ID          string              `json:"id"`
	Kind        planner.StepKind    `json:"kind"`
	Description string              `json:"description"`
	Target      string              `json:"target"`
	Criticality planner.Criticality `json:"criticality"`
	Status      Status              `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Error       string              `json:"error,omitempty"`
	Backup      string              `json:"backup,omitempty"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	FinishedAt  *time.Time          `json:"finishedAt,omitempty"`
}

type RollbackAction struct {
	StepID      string `json:"stepId"`
	Description string `json:"description"`
	Command     string `json:"command"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

// RollbackReport lists every reversal attempted after a fatal failure.
type RollbackReport struct {
	Attempted bool             `json:"attempted"`
	Actions   []RollbackAction `json:"actions"`
}

// Clean reports whether every reversal succeeded.
func (r *RollbackReport) Clean() bool {
	if r == nil {
		return true
	}
	for _, a := range r.Actions {
		if !a.OK {
			return false
		}
	}
	return true
}

// Report is the outcome of one apply.
type Report struct {
	RunID       string          `json:"runId"`
	PlanID      string          `json:"planId"`
	DryRun      bool            `json:"dryRun"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	OK          bool            `json:"ok"`
	Error       string          `json:"error,omitempty"`
	FailedStep  string          `json:"failedStep,omitempty"`
	Steps       []StepResult    `json:"steps"`
	Warnings    []string        `json:"warnings,omitempty"`
	Fstab       []string        `json:"fstab,omitempty"`
	BootTargets []boot.Target   `json:"bootTargets,omitempty"`
	Boot        *boot.Report    `json:"boot,omitempty"`
	Partial     bool            `json:"partial,omitempty"`
	Rollback    *RollbackReport `json:"rollback,omitempty"`
}

// Count returns how many steps ended in status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, st := range r.Steps {
		if st.Status == s {
			n++
		}
	}
	return n
}

func newReport(runID string, p *planner.Plan, now time.Time) *Report {
	r := &Report{RunID: runID, PlanID: p.ID, DryRun: p.DryRun, StartedAt: now}
	for _, s := range p.Steps {
		r.Steps = append(r.Steps, StepResult{
			ID:          s.ID,
			Kind:        s.Kind,
			Description: s.Description,
			Target:      s.Target,
			Criticality: s.Criticality,
			Status:      StatusPending,
		})
	}
	return r
}
