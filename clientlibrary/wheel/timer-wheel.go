/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
// Package wheel implements the hashed timer wheel that fires renew tasks.
//
// The wheel is an array of WheelSize buckets and one goroutine advancing a tick counter every
// TickDurationMillis. Tick k happens k ticks after the wheel was created. A task due at deadline d
// is placed on tick ceil((d - start) / tick), in bucket tick % WheelSize, with a round counter
// holding the number of full revolutions left before that bucket is really its due pass. A task is
// therefore never fired before its deadline and at most one tick after it.
//
// Due tasks are fired on their own goroutine, bounded by MaxConcurrentRenewals, so a slow store
// call never delays the tick loop nor the other due tasks.
package wheel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/config"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/metrics"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/task"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

var (
	// ErrStopped is returned when adding to or starting a wheel that was stopped.
	ErrStopped = errors.New("timer wheel is stopped")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("timer wheel is already started")

	// ErrAlreadyScheduled is returned when adding a task the wheel already holds.
	ErrAlreadyScheduled = errors.New("renew task is already scheduled")

	// ErrTaskReleased is returned when adding a released task.
	ErrTaskReleased = errors.New("renew task is released")

	// ErrNilTask is returned when adding a nil task.
	ErrNilTask = errors.New("renew task is nil")
)

// TimerWheel schedules renew tasks by deadline.
type TimerWheel struct {
	size           int64
	tickMillis     int64
	startMillis    int64
	renewalTimeout time.Duration
	grace          time.Duration

	clock    clock.Clock
	log      logger.Logger
	mService metrics.MonitoringService

	buckets []*bucket
	// current is the last tick whose bucket was drained.
	current atomic.Int64
	// lastTick is the last tick whose due tasks were all dispatched.
	lastTick atomic.Int64
	// placement maps every task owned by the wheel, in a bucket or in flight, to its entry.
	placement sync.Map

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	running  atomic.Int64
	ctx      context.Context
	cancel   context.CancelFunc

	lifecycle sync.Mutex
	started   bool
	stopped   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewTimerWheel creates a wheel from the renewer configuration. Its tick 0 is the current time of
// the configured clock.
func NewTimerWheel(renewerCfg *config.RenewerConfiguration) (*TimerWheel, error) {
	if renewerCfg.WheelSize <= 0 {
		return nil, fmt.Errorf("wheel size must be positive, got %d", renewerCfg.WheelSize)
	}
	if renewerCfg.TickDurationMillis <= 0 {
		return nil, fmt.Errorf("tick duration must be positive, got %dms", renewerCfg.TickDurationMillis)
	}
	if renewerCfg.MaxConcurrentRenewals <= 0 {
		return nil, fmt.Errorf("max concurrent renewals must be positive, got %d", renewerCfg.MaxConcurrentRenewals)
	}

	clk := renewerCfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	log := renewerCfg.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	mService := renewerCfg.MonitoringService
	if mService == nil {
		mService = metrics.NoopMonitoringService{}
	}

	w := &TimerWheel{
		size:           int64(renewerCfg.WheelSize),
		tickMillis:     int64(renewerCfg.TickDurationMillis),
		startMillis:    clk.Now().UnixMilli(),
		renewalTimeout: renewerCfg.RenewalTimeout(),
		grace:          renewerCfg.ShutdownGrace(),
		clock:          clk,
		log:            log,
		mService:       mService,
		buckets:        make([]*bucket, renewerCfg.WheelSize),
		sem:            semaphore.NewWeighted(int64(renewerCfg.MaxConcurrentRenewals)),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for i := range w.buckets {
		w.buckets[i] = newBucket()
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	return w, nil
}

// Start launches the tick loop.
func (w *TimerWheel) Start() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.stopped.Load() {
		return ErrStopped
	}
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	w.log.Infof("Starting timer wheel: %d buckets of %dms", w.size, w.tickMillis)
	go w.loop()
	return nil
}

// Stop ends the tick loop and waits for the renewals in flight. Tasks those renewals reschedule
// stay in their buckets. Renewals still running after the shutdown grace period have their
// context canceled. Stop returns the number of armed tasks left in the wheel.
func (w *TimerWheel) Stop() int {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.stopped.Load() {
		return w.Len()
	}
	w.stopped.Store(true)

	if w.started {
		close(w.stop)
		<-w.done
	}

	if !w.waitInFlight(w.grace) {
		w.log.Warnf("%d renewals still in flight after %s, canceling them", w.InFlight(), w.grace)
		w.cancel()
		if !w.waitInFlight(w.grace) {
			w.log.Errorf("Giving up on %d renewals ignoring cancellation", w.InFlight())
		}
	}
	w.cancel()

	remaining := w.Len()
	if remaining > 0 {
		w.log.Warnf("Timer wheel stopped with %d armed renew tasks left unrenewed", remaining)
	} else {
		w.log.Infof("Timer wheel stopped.")
	}
	return remaining
}

// Add schedules t by its deadline. It is safe to call concurrently with the tick loop.
func (w *TimerWheel) Add(t *task.RenewTask) error {
	if t == nil {
		return ErrNilTask
	}
	if w.stopped.Load() {
		return ErrStopped
	}
	if t.IsReleased() {
		return ErrTaskReleased
	}

	e := &entry{task: t}
	if _, loaded := w.placement.LoadOrStore(t, e); loaded {
		return ErrAlreadyScheduled
	}
	if !w.place(e) {
		w.placement.Delete(t)
		return ErrTaskReleased
	}

	w.mService.TaskScheduled(t.Lease().Key)
	return nil
}

// Remove releases t and evicts it from its bucket. A renewal of t already in flight completes,
// but t is not rescheduled. Remove reports whether the wheel held t.
func (w *TimerWheel) Remove(t *task.RenewTask) bool {
	v, ok := w.placement.Load(t)
	if !ok {
		return false
	}
	e := v.(*entry)
	t.Release()

	for {
		idx := e.bucket.Load()
		b := w.buckets[idx]
		b.Lock()
		if cur, ok := b.entries[t]; ok && cur == e {
			delete(b.entries, t)
			b.Unlock()
			break
		}
		b.Unlock()
		if e.bucket.Load() == idx {
			// in flight: dropped once the renewal returns
			break
		}
	}

	w.retire(t, metrics.RetiredEvicted)
	return true
}

// Len returns the number of tasks waiting in buckets.
func (w *TimerWheel) Len() int {
	n := 0
	for _, b := range w.buckets {
		n += b.len()
	}
	return n
}

// BucketLen returns the number of tasks in bucket i.
func (w *TimerWheel) BucketLen(i int) int {
	if i < 0 || i >= len(w.buckets) {
		return 0
	}
	return w.buckets[i].len()
}

// Size returns the number of buckets.
func (w *TimerWheel) Size() int {
	return int(w.size)
}

// InFlight returns the number of renewals dispatched and not yet finished.
func (w *TimerWheel) InFlight() int {
	return int(w.running.Load())
}

// LastTick returns the last tick whose due tasks were all dispatched.
func (w *TimerWheel) LastTick() int64 {
	return w.lastTick.Load()
}

func (w *TimerWheel) loop() {
	defer close(w.done)

	for {
		now := w.clock.Now().UnixMilli()
		target := (now - w.startMillis) / w.tickMillis
		// catch up when the loop runs late
		for t := w.current.Load() + 1; t <= target; t++ {
			select {
			case <-w.stop:
				return
			default:
			}
			w.advance(t)
		}

		next := w.startMillis + (w.current.Load()+1)*w.tickMillis
		wait := next - w.clock.Now().UnixMilli()
		if wait <= 0 {
			continue
		}
		select {
		case <-w.stop:
			return
		case <-w.clock.After(time.Duration(wait) * time.Millisecond):
		}
	}
}

// advance drains the bucket of tick t and dispatches its due tasks.
func (w *TimerWheel) advance(t int64) {
	started := time.Now()
	idx := t % w.size
	b := w.buckets[idx]

	b.Lock()
	w.current.Store(t)
	due := b.drainLocked()
	depth := len(b.entries)
	b.Unlock()

	for _, e := range due {
		w.dispatch(e)
	}
	w.lastTick.Store(t)

	w.mService.RecordTickTime(float64(time.Since(started).Microseconds())/1000, len(due))
	w.mService.BucketDepth(int(idx), depth)
}

// place inserts e by the deadline of its task. It reports false, leaving e out of the wheel, when
// the task was released.
func (w *TimerWheel) place(e *entry) bool {
	target := w.tickFor(e.task.DeadlineMillis())
	for {
		c := w.current.Load()
		due := target
		if due <= c {
			due = c + 1
		}
		idx := due % w.size
		b := w.buckets[idx]

		b.Lock()
		if w.current.Load() != c {
			// the loop moved on while we computed the slot
			b.Unlock()
			continue
		}
		e.round = (due - (c + 1)) / w.size
		e.bucket.Store(idx)
		b.entries[e.task] = e
		if e.task.IsReleased() {
			delete(b.entries, e.task)
			b.Unlock()
			return false
		}
		b.Unlock()
		return true
	}
}

// tickFor returns the first tick at or after deadlineMillis.
func (w *TimerWheel) tickFor(deadlineMillis int64) int64 {
	offset := deadlineMillis - w.startMillis
	if offset <= 0 {
		return 0
	}
	return (offset + w.tickMillis - 1) / w.tickMillis
}

func (w *TimerWheel) dispatch(e *entry) {
	w.inflight.Add(1)
	w.running.Add(1)
	go func() {
		defer w.inflight.Done()
		defer w.running.Add(-1)
		w.renew(e)
	}()
}

func (w *TimerWheel) renew(e *entry) {
	t := e.task
	key := t.Lease().Key

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		// shut down before a slot freed up: keep the task armed
		if !w.place(e) {
			w.retire(t, metrics.RetiredReleased)
		}
		return
	}
	outcome, ok := w.invoke(t)
	w.sem.Release(1)

	if !ok {
		w.retire(t, metrics.RetiredPanic)
		return
	}

	switch outcome {
	case task.Renewed:
		w.mService.LeaseRenewed(key)
	case task.Retry:
		w.mService.RenewalFailed(key)
	case task.Lost:
		w.log.WithFields(logger.Fields{"leaseKey": key, "taskID": t.ID()}).
			Debugf("Lease is no longer owned, dropping renew task")
	}

	if !outcome.Continue() {
		reason := metrics.RetiredLost
		if outcome == task.Released {
			reason = metrics.RetiredReleased
		}
		w.retire(t, reason)
		return
	}

	if !w.place(e) {
		w.retire(t, metrics.RetiredReleased)
	}
}

// invoke runs t once. ok is false when t panicked.
func (w *TimerWheel) invoke(t *task.RenewTask) (outcome task.Outcome, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithFields(logger.Fields{"leaseKey": t.Lease().Key, "taskID": t.ID()}).
				Errorf("Renew task panicked, dropping it: %v\n%s", r, debug.Stack())
			ok = false
		}
	}()

	ctx, cancel := w.ctx, context.CancelFunc(func() {})
	if w.renewalTimeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, w.renewalTimeout)
	}
	defer cancel()

	started := time.Now()
	outcome = t.Run(ctx)
	w.mService.RecordRenewalTime(t.Lease().Key, float64(time.Since(started).Microseconds())/1000)
	return outcome, true
}

// retire forgets t. Only the first retirement of a placement is reported.
func (w *TimerWheel) retire(t *task.RenewTask, reason string) {
	if _, loaded := w.placement.LoadAndDelete(t); loaded {
		w.mService.TaskRetired(t.Lease().Key, reason)
	}
}

func (w *TimerWheel) waitInFlight(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}
