package resolver

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	errs "github.com/frankli0324/go-xfer/internal/errors"
)

const (
	minPollInterval = time.Millisecond
	maxPollInterval = 250 * time.Millisecond
)

type Result struct {
	Addrs []netip.Addr
	Err   error
}

// Job is one lookup running on its own goroutine. The result is sent
// exactly once on a channel with room for it, and whoever receives it owns
// it: the poller, the canceller, or the worker itself after an abandon.
type Job struct {
	Host string
	Port int

	result    chan *Result
	exited    chan struct{}
	cancel    context.CancelFunc
	abandoned atomic.Bool
	free      func(*Result)

	clock       clock.Clock
	start       time.Time
	interval    time.Duration
	intervalEnd time.Duration
	got         *Result
}

func startJob(ctx context.Context, host string, port int, lookup LookupFunc, clk clock.Clock, free func(*Result)) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{
		Host:   host,
		Port:   port,
		result: make(chan *Result, 1),
		exited: make(chan struct{}),
		cancel: cancel,
		free:   free,
		clock:  clk,
		start:  clk.Now(),
	}
	go j.run(ctx, lookup)
	return j
}

func (j *Job) run(ctx context.Context, lookup LookupFunc) {
	defer close(j.exited)
	addrs, err := lookup(ctx, j.Host)
	if err == nil && len(addrs) == 0 {
		err = errs.ErrOutOfMemory
	}
	j.result <- &Result{Addrs: addrs, Err: err}
	if j.abandoned.Load() {
		j.drain()
	}
}

// drain frees the result if it is still unclaimed, and reports whether
// this call was the one to claim it.
func (j *Job) drain() bool {
	select {
	case r := <-j.result:
		if j.free != nil {
			j.free(r)
		}
		return true
	default:
		return false
	}
}

// Poll never blocks. While the lookup runs it returns a nil result and the
// time to wait before polling again.
func (j *Job) Poll() (*Result, time.Duration) {
	if j.got != nil {
		return j.got, 0
	}
	if j.abandoned.Load() {
		j.got = &Result{Err: context.Canceled}
		return j.got, 0
	}
	select {
	case r := <-j.result:
		j.got = r
		return r, 0
	default:
	}

	elapsed := j.clock.Since(j.start)
	if elapsed < 0 {
		elapsed = 0
	}
	if j.interval == 0 {
		j.interval = minPollInterval
	} else if elapsed >= j.intervalEnd {
		j.interval *= 2
	}
	if j.interval > maxPollInterval {
		j.interval = maxPollInterval
	}
	j.intervalEnd = elapsed + j.interval
	return nil, j.interval
}

// Cancel abandons the lookup. It returns at once while the worker is still
// resolving, and otherwise waits for the already finished worker to exit.
func (j *Job) Cancel() {
	if !j.abandoned.CompareAndSwap(false, true) {
		return
	}
	j.cancel()
	if j.drain() {
		<-j.exited
	}
}

// Done is closed once the worker goroutine has returned.
func (j *Job) Done() <-chan struct{} {
	return j.exited
}
