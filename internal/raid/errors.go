package raid

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceInUse       = errors.New("device in use")
	ErrInsufficientDisks = errors.New("insufficient disks")
	ErrInvalidRaidLevel  = errors.New("invalid raid level")
	ErrDiscovery         = errors.New("device discovery failed")
	ErrToolNotFound      = errors.New("tool not found")
	ErrStepFailed        = errors.New("step failed")
	ErrSettleTimeout     = errors.New("device settle timeout")
)

// InsufficientDisksError reports a level minimum that was not met.
type InsufficientDisksError struct {
	Level    Level
	Required int
	Got      int
}

func (e *InsufficientDisksError) Error() string {
	return fmt.Sprintf("%s: %s requires %d, got %d", ErrInsufficientDisks, e.Level, e.Required, e.Got)
}

func (e *InsufficientDisksError) Is(target error) bool { return target == ErrInsufficientDisks }

// StepFailedError wraps the failure of a Fatal plan step.
type StepFailedError struct {
	Step   string
	Target string
	Cause  error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", ErrStepFailed, e.Step, e.Target, e.Cause)
}

func (e *StepFailedError) Is(target error) bool { return target == ErrStepFailed }

func (e *StepFailedError) Unwrap() error { return e.Cause }

// ToolNotFoundError names the role and the candidates that were tried.
type ToolNotFoundError struct {
	Role  string
	Tried []string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("%s: no %s found (tried %s)", ErrToolNotFound, e.Role, strings.Join(e.Tried, ", "))
}

func (e *ToolNotFoundError) Is(target error) bool { return target == ErrToolNotFound }

// IsValidation reports errors raised before any destructive action.
func IsValidation(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrDeviceInUse) ||
		errors.Is(err, ErrInsufficientDisks) || errors.Is(err, ErrInvalidRaidLevel)
}
