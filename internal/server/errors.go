package server

import (
	"errors"
	"net/http"

	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/safety"
	"github.com/freebrew/liveRAID/pkg/httpx"
)

// writeErr maps domain errors onto a status and a stable code.
func writeErr(w http.ResponseWriter, err error) {
	var ide *raid.InsufficientDisksError
	var tnf *raid.ToolNotFoundError
	switch {
	case errors.As(err, &ide):
		httpx.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, "insufficient_disks", err.Error(),
			map[string]any{"level": ide.Level, "required": ide.Required, "got": ide.Got})
	case errors.Is(err, raid.ErrDeviceNotFound):
		httpx.WriteTypedError(w, http.StatusNotFound, "device_not_found", err.Error(), 0)
	case errors.Is(err, raid.ErrDeviceInUse):
		httpx.WriteTypedError(w, http.StatusConflict, "device_in_use", err.Error(), 30)
	case errors.Is(err, raid.ErrInvalidRaidLevel):
		httpx.WriteTypedError(w, http.StatusUnprocessableEntity, "invalid_raid_level", err.Error(), 0)
	case errors.As(err, &tnf):
		httpx.WriteErrorWithDetails(w, http.StatusPreconditionFailed, "tool_not_found", err.Error(),
			map[string]any{"role": tnf.Role, "tried": tnf.Tried})
	case errors.Is(err, raid.ErrDiscovery):
		httpx.WriteTypedError(w, http.StatusServiceUnavailable, "discovery_failed", err.Error(), 0)
	case errors.Is(err, safety.ErrPlanTampered):
		httpx.WriteTypedError(w, http.StatusConflict, "plan_tampered", err.Error(), 0)
	default:
		httpx.WriteTypedError(w, http.StatusBadRequest, "bad_request", err.Error(), 0)
	}
}
