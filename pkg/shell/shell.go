package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Output returns trimmed stdout.
func (r Result) Output() string { return strings.TrimSpace(string(r.Stdout)) }

// Tail returns the last non-empty line of stderr, falling back to stdout.
func (r Result) Tail() string {
	for _, b := range [][]byte{r.Stderr, r.Stdout} {
		lines := strings.Split(strings.TrimSpace(string(b)), "\n")
		if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
			return last
		}
	}
	return ""
}

var ErrTimeout = errors.New("command timed out")

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Argv   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", Join(e.Argv...), e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Runner executes external tools. Implementations must honour ctx.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Exec runs commands on the host with a per-command timeout.
type Exec struct {
	Timeout time.Duration
}

func (e Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return Run(ctx, timeout, name, args...)
}

func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return res, &ExitError{Argv: append([]string{name}, args...), Code: res.Code, Stderr: res.Tail()}
	}
	return res, err
}

// Chroot wraps a runner so every command executes inside root.
type Chroot struct {
	Runner Runner
	Root   string
}

func (c Chroot) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return c.Runner.Run(ctx, "chroot", append([]string{c.Root, name}, args...)...)
}

// Join renders argv for logs and scripts.
func Join(argv ...string) string { return shellquote.Join(argv...) }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
