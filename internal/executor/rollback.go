package executor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/freebrew/liveRAID/pkg/shell"
)

type undoEntry struct {
	stepID      string
	description string
	argv        [][]string
}

func (rs *runState) pushUndo(u undoEntry) {
	rs.mu.Lock()
	rs.undo = append(rs.undo, u)
	rs.mu.Unlock()
}

// rollback reverses completed steps in reverse completion order. Every
// action is attempted even when an earlier one fails.
func (e *Executor) rollback(ctx context.Context, rs *runState, log zerolog.Logger) {
	rs.mu.Lock()
	undo := append([]undoEntry(nil), rs.undo...)
	rs.mu.Unlock()

	rep := &RollbackReport{Attempted: true, Actions: []RollbackAction{}}
	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		for _, a := range u.argv {
			act := RollbackAction{StepID: u.stepID, Description: u.description, Command: shell.Join(a...)}
			if _, err := e.run.Run(ctx, a[0], a[1:]...); err != nil {
				act.Error = err.Error()
				log.Warn().Err(err).Str("step", u.stepID).Str("cmd", act.Command).Msg("rollback action failed")
			} else {
				act.OK = true
			}
			rep.Actions = append(rep.Actions, act)
			e.journal(rs, levelForOK(act.OK), u.stepID, "rollback: "+act.Command)
		}
	}
	rollbacks.Inc()
	log.Warn().Int("actions", len(rep.Actions)).Bool("clean", rep.Clean()).Msg("rollback finished")
	rs.mu.Lock()
	rs.report.Rollback = rep
	rs.mu.Unlock()
}

func levelForOK(ok bool) string {
	if ok {
		return "info"
	}
	return "error"
}
