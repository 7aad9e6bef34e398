package transfer

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/sock"
)

// Want returns the events the transfer waits for and how long the caller
// may wait for them before calling [Transfer.Step] anyway, -1 meaning no
// limit.
func (t *Transfer) Want() (sock.Events, time.Duration) {
	var ev sock.Events
	if t.recv == Active {
		ev |= sock.EventRead
	}
	if t.send == Active && (len(t.resend) > 0 || t.exp100 != expAwaiting) {
		ev |= sock.EventWrite
	}
	if t.drain || (t.recv == Active && t.sock.Pending()) {
		return ev, 0
	}

	now := t.clock.Now()
	wait := time.Duration(-1)
	until := func(deadline time.Time) {
		d := deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if wait < 0 || d < wait {
			wait = d
		}
	}
	if t.opts.Timeout > 0 {
		until(t.start.Add(t.opts.Timeout))
	}
	if t.exp100 == expAwaiting {
		until(t.exp100At.Add(t.opts.expectTimeout()))
	}
	if t.lowSpeed() {
		until(t.speedAt.Add(time.Second))
	}
	return ev, wait
}

// Step runs the transfer on the readiness in ev. It returns false once the
// transfer is over, err tells how it ended.
func (t *Transfer) Step(ev sock.Events) (active bool, err error) {
	if t.err != nil {
		return false, t.err
	}
	now := t.clock.Now()
	if t.exp100 == expAwaiting && now.Sub(t.exp100At) >= t.opts.expectTimeout() {
		t.log.Debug("done waiting for 100-continue")
		t.exp100 = expDone
		ev |= sock.EventWrite
	}

	if t.drain || ev.Has(sock.EventRead|sock.EventError) || t.sock.Pending() {
		excess, err := t.ReadStep()
		if err != nil {
			return false, t.fail(err)
		}
		if excess.Len() > 0 {
			t.excess = excess
		}
	}
	if ev.Has(sock.EventWrite) {
		if err := t.WriteStep(); err != nil {
			return false, t.fail(err)
		}
	}

	if t.opts.Progress != nil {
		if err := t.opts.Progress(t.Counters()); err != nil {
			return false, t.fail(errs.ErrAbortedByCallback.Wrap(err))
		}
	}
	if err := t.checkSpeed(now); err != nil {
		return false, t.fail(err)
	}
	if to := t.opts.Timeout; to > 0 && now.Sub(t.start) >= to {
		return false, t.fail(errs.OperationTimedOut(now.Sub(t.start), t.received, t.size))
	}

	if t.recv == Done && t.send != Done {
		t.log.Debug("response ended before the request was sent")
		t.send.finish()
		t.mustClose = true
	}
	if t.recv == Done && t.send == Done {
		return false, t.fail(t.complete())
	}
	return true, nil
}

// complete checks a transfer both sides of which ended.
func (t *Transfer) complete() error {
	if !t.headDone {
		return errs.ErrGotNothing.With("no response")
	}
	if t.chunked && !t.dec.Done() && !t.maxHit {
		return errs.ErrPartialTransfer.With("transfer closed with outstanding read data remaining")
	}
	if t.size >= 0 && t.bodyRead != t.size && !t.maxHit {
		if t.head.Redirect {
			// following elsewhere, the body doesn't matter
			t.mustClose = true
			return nil
		}
		return errs.PartialTransfer(t.size, t.bodyRead)
	}
	t.log.Debug("transfer complete",
		zap.Int64("received", t.received), zap.Int64("sent", t.sent), zap.Bool("close", t.mustClose))
	return nil
}

func (t *Transfer) lowSpeed() bool {
	return t.opts.LowSpeedLimit > 0 && t.opts.LowSpeedTime > 0
}

// checkSpeed samples the transfer rate every second and fails a transfer
// that stayed below the limit for too long.
func (t *Transfer) checkSpeed(now time.Time) error {
	if !t.lowSpeed() {
		return nil
	}
	elapsed := now.Sub(t.speedAt)
	if elapsed < time.Second {
		return nil
	}
	total := t.received + t.sent
	rate := float64(total-t.speedBytes) / elapsed.Seconds()
	t.speedAt, t.speedBytes = now, total
	if rate >= float64(t.opts.LowSpeedLimit) {
		t.slowSince = time.Time{}
		return nil
	}
	if t.slowSince.IsZero() {
		t.slowSince = now.Add(-elapsed)
	}
	if now.Sub(t.slowSince) >= t.opts.LowSpeedTime {
		return errs.ErrOperationTimedOut.With(fmt.Sprintf(
			"operation too slow, less than %d bytes/sec transferred the last %s",
			t.opts.LowSpeedLimit, t.opts.LowSpeedTime))
	}
	return nil
}
