// Package fence tracks submitted and completed fence values for a device and
// waits on them through whichever completion sources the host provides.
package fence

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrStillDrawing means the fence has not completed within the timeout.
	ErrStillDrawing = errors.New("fence: still drawing")

	// Sources return ErrTimeout or ErrBusy when a fence is not yet complete.
	ErrTimeout = errors.New("fence: timeout")
	ErrBusy    = errors.New("fence: busy")

	// ErrNoSource is returned by Wait when nothing can report completion.
	ErrNoSource = errors.New("fence: no completion source")
)

// Infinite blocks until the fence completes.
const Infinite time.Duration = -1

// Monitored is a counter the host updates in shared memory.
type Monitored interface {
	CompletedFence() uint64
}

// Waiter blocks until a fence completes or the timeout elapses. A timeout of
// 0 polls; Infinite blocks.
type Waiter interface {
	WaitFence(fence uint64, timeout time.Duration) error
}

// EscapeQuerier asks the host for its current fence counters.
type EscapeQuerier interface {
	QueryFences() (submitted, completed uint64, err error)
}

// Sources are the optional completion sources, in order of preference.
type Sources struct {
	Monitored     Monitored
	RuntimeWaiter Waiter
	KernelWaiter  Waiter
	Escape        EscapeQuerier
}

// Tracker holds the submitted and completed fence values of one device.
// completed never exceeds submitted and neither value moves backward.
type Tracker struct {
	src Sources
	log *slog.Logger

	submitted atomic.Uint64
	completed atomic.Uint64

	// PollInterval bounds the sleep between monitored counter polls.
	PollInterval time.Duration

	group singleflight.Group
}

func NewTracker(src Sources, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{src: src, log: log, PollInterval: time.Millisecond}
}

func raise(v *atomic.Uint64, to uint64) {
	for {
		cur := v.Load()
		if cur >= to || v.CompareAndSwap(cur, to) {
			return
		}
	}
}

func (t *Tracker) Submitted() uint64 { return t.submitted.Load() }
func (t *Tracker) Completed() uint64 { return t.completed.Load() }

// MarkSubmitted records a fence returned by a submission.
func (t *Tracker) MarkSubmitted(f uint64) {
	raise(&t.submitted, f)
}

// markCompleted raises completed, and submitted with it when the host
// reports progress this tracker did not submit.
func (t *Tracker) markCompleted(f uint64) {
	raise(&t.submitted, f)
	raise(&t.completed, f)
}

// QueryCompleted refreshes and returns the completed fence.
func (t *Tracker) QueryCompleted() uint64 {
	switch {
	case t.src.Monitored != nil:
		t.markCompleted(t.src.Monitored.CompletedFence())
	case t.src.Escape != nil:
		sub, done, err := t.src.Escape.QueryFences()
		if err != nil {
			t.log.Debug("fence escape query failed", "err", err)
			break
		}
		raise(&t.submitted, sub)
		t.markCompleted(done)
	default:
		last := t.submitted.Load()
		if last > t.completed.Load() && t.pollWaiters(last) == nil {
			t.markCompleted(last)
		}
	}
	return t.completed.Load()
}

// pollWaiters asks the runtime waiter first. A hard failure there falls
// back to the kernel waiter.
func (t *Tracker) pollWaiters(f uint64) error {
	if w := t.src.RuntimeWaiter; w != nil {
		err := w.WaitFence(f, 0)
		if err == nil || pending(err) || t.src.KernelWaiter == nil {
			return err
		}
		t.log.Debug("fence runtime wait failed", "fence", f, "err", err)
	}
	if w := t.src.KernelWaiter; w != nil {
		return w.WaitFence(f, 0)
	}
	return ErrNoSource
}

func pending(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBusy) || errors.Is(err, ErrStillDrawing)
}

// Wait blocks until fence f completes. Waiters for the same fence and
// timeout share one underlying wait.
func (t *Tracker) Wait(f uint64, timeout time.Duration) error {
	if f == 0 || f <= t.completed.Load() {
		return nil
	}
	if f <= t.QueryCompleted() {
		return nil
	}
	key := strconv.FormatUint(f, 10) + "/" + strconv.FormatInt(int64(timeout), 10)
	_, err, _ := t.group.Do(key, func() (any, error) {
		return nil, t.wait(f, timeout)
	})
	return err
}

func (t *Tracker) wait(f uint64, timeout time.Duration) error {
	var err error
	switch {
	case t.src.Monitored != nil:
		err = t.pollMonitored(f, timeout)
	case t.src.RuntimeWaiter != nil:
		err = t.src.RuntimeWaiter.WaitFence(f, timeout)
	case t.src.KernelWaiter != nil:
		err = t.src.KernelWaiter.WaitFence(f, timeout)
	case t.src.Escape != nil:
		err = t.pollEscape(f, timeout)
	default:
		return ErrNoSource
	}
	if err != nil {
		if pending(err) {
			return ErrStillDrawing
		}
		return fmt.Errorf("fence: wait %d: %w", f, err)
	}
	t.markCompleted(f)
	t.QueryCompleted()
	return nil
}

func (t *Tracker) pollUntil(timeout time.Duration, done func() bool) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	sleep := 10 * time.Microsecond
	for {
		if done() {
			return nil
		}
		if timeout == 0 || (timeout > 0 && !time.Now().Before(deadline)) {
			return ErrTimeout
		}
		time.Sleep(sleep)
		sleep = min(sleep*2, t.PollInterval)
	}
}

func (t *Tracker) pollMonitored(f uint64, timeout time.Duration) error {
	return t.pollUntil(timeout, func() bool {
		return t.src.Monitored.CompletedFence() >= f
	})
}

func (t *Tracker) pollEscape(f uint64, timeout time.Duration) error {
	return t.pollUntil(timeout, func() bool {
		_, done, err := t.src.Escape.QueryFences()
		return err == nil && done >= f
	})
}
