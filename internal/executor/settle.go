package executor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/freebrew/liveRAID/internal/raid"
)

var settlePoll = 200 * time.Millisecond

// settle waits for udev to drain its queue and for every path in wait to
// exist as a device node.
func (e *Executor) settle(ctx context.Context, wait []string) error {
	timeout := e.opts.SettleTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, err := e.run.Run(ctx, "udevadm", "settle", "--timeout="+strconv.Itoa(secs)); err != nil {
		return fmt.Errorf("%w: udevadm settle: %v", raid.ErrSettleTimeout, err)
	}

	pending := append([]string(nil), wait...)
	t := time.NewTicker(settlePoll)
	defer t.Stop()
	for {
		rest := pending[:0]
		for _, p := range pending {
			if _, err := e.stat(p); err != nil {
				rest = append(rest, p)
			}
		}
		pending = rest
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d device(s) did not appear within %s: %v", raid.ErrSettleTimeout, len(pending), timeout, pending)
		case <-t.C:
		}
	}
}
