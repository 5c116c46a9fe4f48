package wheel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/config"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/leasestore"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/metrics"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/task"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

const waitFor = 10 * time.Second

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type call struct {
	key string
	at  time.Time
}

// recordingExtender records every store call. behave decides the answer, Extended by default.
type recordingExtender struct {
	clk    *testclock.Clock
	behave func(ctx context.Context, key string) leasestore.ExtendResult

	mux   sync.Mutex
	calls []call
}

func (e *recordingExtender) TryExtend(ctx context.Context, key, token string, ttlMillis int64) leasestore.ExtendResult {
	e.mux.Lock()
	e.calls = append(e.calls, call{key: key, at: e.clk.Now()})
	e.mux.Unlock()

	if e.behave == nil {
		return leasestore.ExtendedResult()
	}
	return e.behave(ctx, key)
}

func (e *recordingExtender) callsFor(key string) []call {
	e.mux.Lock()
	defer e.mux.Unlock()
	var out []call
	for _, c := range e.calls {
		if c.key == key {
			out = append(out, c)
		}
	}
	return out
}

func (e *recordingExtender) count() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	return len(e.calls)
}

type recordingMonitor struct {
	metrics.NoopMonitoringService

	mux       sync.Mutex
	scheduled int
	retired   map[string]int
	renewed   int
	failed    int
	maxDue    int
}

func (m *recordingMonitor) TaskScheduled(string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.scheduled++
}

func (m *recordingMonitor) TaskRetired(_ string, reason string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.retired[reason]++
}

func (m *recordingMonitor) LeaseRenewed(string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.renewed++
}

func (m *recordingMonitor) RenewalFailed(string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.failed++
}

func (m *recordingMonitor) RecordTickTime(_ float64, due int) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if due > m.maxDue {
		m.maxDue = due
	}
}

func (m *recordingMonitor) retiredFor(reason string) int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.retired[reason]
}

type harness struct {
	t        *testing.T
	clk      *testclock.Clock
	cfg      *config.RenewerConfiguration
	wheel    *TimerWheel
	ext      *recordingExtender
	mService *recordingMonitor
}

func newHarness(t *testing.T, wheelSize int, tune ...func(*config.RenewerConfiguration)) *harness {
	t.Helper()

	clk := testclock.NewClock(epoch)
	mService := &recordingMonitor{retired: map[string]int{}}
	cfg := config.NewRenewerConfig("renewer", "owner-1").
		WithClock(clk).
		WithLogger(logger.NewDiscardLogger()).
		WithWheelSize(wheelSize).
		WithTickDurationMillis(1000).
		WithMonitoringService(mService)
	for _, f := range tune {
		f(cfg)
	}

	w, err := NewTimerWheel(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	return &harness{
		t:        t,
		clk:      clk,
		cfg:      cfg,
		wheel:    w,
		ext:      &recordingExtender{clk: clk},
		mService: mService,
	}
}

func (h *harness) newTask(key string, ttlMillis, divisor int64) *task.RenewTask {
	h.t.Helper()
	rt, err := task.NewRenewTask(task.Lease{Key: key, Token: "token-" + key}, h.ext, h.clk, ttlMillis, divisor, false)
	require.NoError(h.t, err)
	return rt
}

func (h *harness) add(key string, ttlMillis, divisor int64) *task.RenewTask {
	h.t.Helper()
	rt := h.newTask(key, ttlMillis, divisor)
	require.NoError(h.t, h.wheel.Add(rt))
	return rt
}

// advance moves the clock one tick once the loop waits on it.
func (h *harness) advance() {
	h.t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if h.clk.WaitAdvance(time.Second, 20*time.Millisecond, 1) == nil {
			return
		}
	}
	h.t.Fatal("tick loop never waited on the clock")
}

// tick advances one tick and waits until every renewal it fired is done.
func (h *harness) tick() {
	h.t.Helper()
	next := h.wheel.LastTick() + 1
	h.advance()
	require.Eventually(h.t, func() bool {
		return h.wheel.LastTick() >= next && h.wheel.InFlight() == 0
	}, waitFor, time.Millisecond)
}

// tickTo advances to tick n.
func (h *harness) tickTo(n int64) {
	h.t.Helper()
	for h.wheel.LastTick() < n {
		h.tick()
	}
}

func TestFirstRenewalAtInterval(t *testing.T) {
	h := newHarness(t, 60)
	rt := h.add("orders:lock", 9000, 3)
	require.NoError(t, h.wheel.Start())

	h.tickTo(5)
	assert.Equal(t, 0, h.ext.count(), "fired before its deadline")

	h.tickTo(6)
	calls := h.ext.callsFor("orders:lock")
	require.Len(t, calls, 1)
	assert.Equal(t, epoch.Add(6*time.Second), calls[0].at)

	h.tickTo(18)
	calls = h.ext.callsFor("orders:lock")
	require.Len(t, calls, 3)
	assert.Equal(t, epoch.Add(12*time.Second), calls[1].at)
	assert.Equal(t, epoch.Add(18*time.Second), calls[2].at)
	assert.Equal(t, int64(3), rt.Renewals())

	// released before the next due tick: no further store calls
	rt.Release()
	h.tickTo(30)
	assert.Len(t, h.ext.callsFor("orders:lock"), 3)
	assert.Equal(t, 0, h.wheel.Len())
	assert.Equal(t, 1, h.mService.retiredFor(metrics.RetiredReleased))
	assert.Equal(t, 3, h.mService.renewed)
}

func TestRoundCounter(t *testing.T) {
	const wheelSize = 4

	for _, c := range []struct {
		k, r int64
	}{
		{0, 1}, {0, 3}, {1, 0}, {1, 2}, {2, 3}, {3, 1},
	} {
		c := c
		t.Run(fmt.Sprintf("k=%d,r=%d", c.k, c.r), func(t *testing.T) {
			h := newHarness(t, wheelSize)
			delay := c.k*wheelSize + c.r
			h.add("orders:lock", 2*delay*1000, 2)

			require.Equal(t, 1, h.wheel.BucketLen(int(delay%wheelSize)))
			require.NoError(t, h.wheel.Start())

			h.tickTo(delay - 1)
			assert.Equal(t, 0, h.ext.count())

			h.tickTo(delay)
			calls := h.ext.callsFor("orders:lock")
			require.Len(t, calls, 1)
			assert.Equal(t, epoch.Add(time.Duration(delay)*time.Second), calls[0].at)
		})
	}
}

func TestPartialTickFiresOnNextTick(t *testing.T) {
	h := newHarness(t, 60)
	rt := h.add("orders:lock", 5000, 2)
	require.Equal(t, int64(2500), rt.IntervalMillis())
	require.NoError(t, h.wheel.Start())

	h.tickTo(2)
	assert.Equal(t, 0, h.ext.count())

	h.tickTo(3)
	calls := h.ext.callsFor("orders:lock")
	require.Len(t, calls, 1)
	assert.Equal(t, epoch.Add(3*time.Second), calls[0].at)
}

func TestNotOwnedDropsTask(t *testing.T) {
	h := newHarness(t, 60)
	h.ext.behave = func(context.Context, string) leasestore.ExtendResult {
		return leasestore.NotOwnedResult()
	}
	rt := h.add("orders:lock", 3000, 5)
	require.Equal(t, int64(2400), rt.IntervalMillis())
	require.NoError(t, h.wheel.Start())

	h.tickTo(3)
	require.Len(t, h.ext.callsFor("orders:lock"), 1)

	assert.Equal(t, 0, h.wheel.Len())
	for i := 0; i < h.wheel.Size(); i++ {
		assert.Equal(t, 0, h.wheel.BucketLen(i))
	}
	assert.Equal(t, 1, h.mService.retiredFor(metrics.RetiredLost))

	h.tickTo(10)
	assert.Len(t, h.ext.callsFor("orders:lock"), 1)
}

func TestStoreErrorRetriesOnNextTick(t *testing.T) {
	h := newHarness(t, 60)
	failures := 0
	h.ext.behave = func(context.Context, string) leasestore.ExtendResult {
		failures++
		if failures == 1 {
			return leasestore.StoreErrorResult(fmt.Errorf("connection refused"))
		}
		return leasestore.ExtendedResult()
	}
	h.add("orders:lock", 3000, 3)
	require.NoError(t, h.wheel.Start())

	h.tickTo(5)
	calls := h.ext.callsFor("orders:lock")
	require.Len(t, calls, 3)
	assert.Equal(t, epoch.Add(2*time.Second), calls[0].at)
	assert.Equal(t, epoch.Add(3*time.Second), calls[1].at)
	assert.Equal(t, epoch.Add(5*time.Second), calls[2].at)
	assert.Equal(t, 1, h.mService.failed)
	assert.Equal(t, 1, h.wheel.Len())
}

func TestReleaseBeforeFirstFiring(t *testing.T) {
	h := newHarness(t, 60)
	rt := h.add("orders:lock", 9000, 3)
	require.NoError(t, h.wheel.Start())

	h.tickTo(2)
	rt.Release()
	h.tickTo(20)

	assert.Equal(t, 0, h.ext.count())
	assert.Equal(t, 0, h.wheel.Len())
}

func TestRemove(t *testing.T) {
	h := newHarness(t, 60)
	rt := h.add("orders:lock", 9000, 3)
	other := h.add("billing:lock", 9000, 3)
	require.Equal(t, 2, h.wheel.Len())

	assert.True(t, h.wheel.Remove(rt))
	assert.True(t, rt.IsReleased())
	assert.Equal(t, 1, h.wheel.Len())
	assert.False(t, h.wheel.Remove(rt))
	assert.Equal(t, 1, h.mService.retiredFor(metrics.RetiredEvicted))

	require.NoError(t, h.wheel.Start())
	h.tickTo(6)
	assert.Len(t, h.ext.callsFor("orders:lock"), 0)
	assert.Len(t, h.ext.callsFor("billing:lock"), 1)

	assert.Equal(t, ErrTaskReleased, h.wheel.Add(rt))
	assert.True(t, h.wheel.Remove(other))
	assert.Equal(t, 0, h.wheel.Len())
}

func TestAddErrors(t *testing.T) {
	h := newHarness(t, 60)

	assert.Equal(t, ErrNilTask, h.wheel.Add(nil))

	rt := h.add("orders:lock", 9000, 3)
	assert.Equal(t, ErrAlreadyScheduled, h.wheel.Add(rt))
	assert.Equal(t, 1, h.mService.scheduled)

	require.NoError(t, h.wheel.Start())
	assert.Equal(t, ErrAlreadyStarted, h.wheel.Start())

	assert.Equal(t, 1, h.wheel.Stop())
	assert.Equal(t, ErrStopped, h.wheel.Add(h.newTask("billing:lock", 9000, 3)))
	assert.Equal(t, ErrStopped, h.wheel.Start())
	assert.Equal(t, 1, h.wheel.Stop())
}

func TestNewTimerWheelRejectsInvalidGeometry(t *testing.T) {
	cfg := config.NewRenewerConfig("renewer", "owner-1").WithLogger(logger.NewDiscardLogger())

	cfg.WheelSize = 0
	_, err := NewTimerWheel(cfg)
	assert.Error(t, err)

	cfg.WheelSize = 60
	cfg.TickDurationMillis = 0
	_, err = NewTimerWheel(cfg)
	assert.Error(t, err)

	cfg.TickDurationMillis = 1000
	cfg.MaxConcurrentRenewals = 0
	_, err = NewTimerWheel(cfg)
	assert.Error(t, err)
}

func TestLoadSpreadsAcrossBuckets(t *testing.T) {
	const tasks = 1000
	h := newHarness(t, 60)
	h.ext.behave = func(context.Context, string) leasestore.ExtendResult {
		return leasestore.NotOwnedResult()
	}

	rng := rand.New(rand.NewSource(42))
	deadlines := make(map[string]int64, tasks)
	for i := 0; i < tasks; i++ {
		key := fmt.Sprintf("lease-%04d", i)
		interval := 1000 + rng.Int63n(59001)
		rt := h.add(key, 2*interval, 2)
		deadlines[key] = rt.DeadlineMillis()
	}

	mean := float64(tasks) / float64(h.wheel.Size())
	maxLen := 0
	for i := 0; i < h.wheel.Size(); i++ {
		if n := h.wheel.BucketLen(i); n > maxLen {
			maxLen = n
		}
	}
	assert.LessOrEqual(t, float64(maxLen), 3*mean)

	require.NoError(t, h.wheel.Start())
	h.tickTo(60)

	require.Equal(t, tasks, h.ext.count())
	for key, deadline := range deadlines {
		calls := h.ext.callsFor(key)
		require.Len(t, calls, 1, key)
		late := calls[0].at.UnixMilli() - deadline
		assert.GreaterOrEqual(t, late, int64(0), "%s fired early", key)
		assert.Less(t, late, int64(1000), "%s fired more than one tick late", key)
	}
	assert.LessOrEqual(t, float64(h.mService.maxDue), 3*mean)
	assert.Equal(t, 0, h.wheel.Len())
}

func TestSlowRenewalDoesNotDelayOthers(t *testing.T) {
	h := newHarness(t, 60, func(cfg *config.RenewerConfiguration) {
		cfg.WithRenewalTimeoutMillis(60000)
	})
	unblock := make(chan struct{})
	h.ext.behave = func(ctx context.Context, key string) leasestore.ExtendResult {
		if key == "slow:lock" {
			select {
			case <-unblock:
			case <-ctx.Done():
			}
		}
		return leasestore.ExtendedResult()
	}
	h.add("slow:lock", 2000, 2)
	h.add("fast:lock", 2000, 2)
	require.NoError(t, h.wheel.Start())

	for i := 1; i <= 3; i++ {
		h.advance()
		i := i
		require.Eventually(t, func() bool {
			return len(h.ext.callsFor("fast:lock")) == i && h.wheel.InFlight() == 1
		}, waitFor, time.Millisecond)
	}
	assert.Len(t, h.ext.callsFor("slow:lock"), 1)

	close(unblock)
	require.Eventually(t, func() bool { return h.wheel.InFlight() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, 2, h.wheel.Len())
}

func TestPanicIsIsolated(t *testing.T) {
	h := newHarness(t, 60)
	h.ext.behave = func(_ context.Context, key string) leasestore.ExtendResult {
		if key == "boom:lock" {
			panic("store client exploded")
		}
		return leasestore.ExtendedResult()
	}
	h.add("boom:lock", 2000, 2)
	h.add("calm:lock", 2000, 2)
	require.NoError(t, h.wheel.Start())

	h.tickTo(1)
	assert.Len(t, h.ext.callsFor("boom:lock"), 1)
	assert.Len(t, h.ext.callsFor("calm:lock"), 1)
	assert.Equal(t, 1, h.wheel.Len())
	assert.Equal(t, 1, h.mService.retiredFor(metrics.RetiredPanic))

	h.tickTo(3)
	assert.Len(t, h.ext.callsFor("boom:lock"), 1)
	assert.Len(t, h.ext.callsFor("calm:lock"), 3)
}

func TestRemoveDuringRenewal(t *testing.T) {
	h := newHarness(t, 60, func(cfg *config.RenewerConfiguration) {
		cfg.WithRenewalTimeoutMillis(60000)
	})
	unblock := make(chan struct{})
	h.ext.behave = func(context.Context, string) leasestore.ExtendResult {
		<-unblock
		return leasestore.ExtendedResult()
	}
	rt := h.add("orders:lock", 2000, 2)
	require.NoError(t, h.wheel.Start())

	h.advance()
	require.Eventually(t, func() bool { return h.wheel.InFlight() == 1 }, waitFor, time.Millisecond)

	assert.True(t, h.wheel.Remove(rt))
	assert.False(t, h.wheel.Remove(rt))
	close(unblock)
	require.Eventually(t, func() bool { return h.wheel.InFlight() == 0 }, waitFor, time.Millisecond)

	h.tickTo(h.wheel.LastTick() + 10)
	assert.Len(t, h.ext.callsFor("orders:lock"), 1)
	assert.Equal(t, 0, h.wheel.Len())
	assert.Equal(t, 1, h.mService.retiredFor(metrics.RetiredEvicted))
	assert.Equal(t, 0, h.mService.retiredFor(metrics.RetiredReleased))
	assert.Equal(t, ErrTaskReleased, h.wheel.Add(rt))
}

func TestReleaseDuringRenewal(t *testing.T) {
	h := newHarness(t, 60, func(cfg *config.RenewerConfiguration) {
		cfg.WithRenewalTimeoutMillis(60000)
	})
	unblock := make(chan struct{})
	h.ext.behave = func(context.Context, string) leasestore.ExtendResult {
		<-unblock
		return leasestore.ExtendedResult()
	}
	rt := h.add("orders:lock", 2000, 2)
	require.NoError(t, h.wheel.Start())

	h.advance()
	require.Eventually(t, func() bool { return h.wheel.InFlight() == 1 }, waitFor, time.Millisecond)

	// the store call already started, so it still extends the lease once
	rt.Release()
	close(unblock)
	require.Eventually(t, func() bool { return h.wheel.InFlight() == 0 }, waitFor, time.Millisecond)

	h.tickTo(h.wheel.LastTick() + 10)
	assert.Len(t, h.ext.callsFor("orders:lock"), 1)
	assert.Equal(t, int64(1), rt.Renewals())
	assert.Equal(t, 0, h.wheel.Len())
	assert.Equal(t, 1, h.mService.retiredFor(metrics.RetiredReleased))
}

func TestStopWaitsForInFlightRenewals(t *testing.T) {
	h := newHarness(t, 60, func(cfg *config.RenewerConfiguration) {
		cfg.WithRenewalTimeoutMillis(60000).WithShutdownGraceMillis(60000)
	})
	unblock := make(chan struct{})
	h.ext.behave = func(ctx context.Context, key string) leasestore.ExtendResult {
		<-unblock
		return leasestore.ExtendedResult()
	}
	h.add("orders:lock", 2000, 2)
	require.NoError(t, h.wheel.Start())

	h.advance()
	require.Eventually(t, func() bool { return h.wheel.InFlight() == 1 }, waitFor, time.Millisecond)

	stopped := make(chan int)
	go func() { stopped <- h.wheel.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a renewal was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	select {
	case remaining := <-stopped:
		// the renewal rescheduled its task, which stays armed
		assert.Equal(t, 1, remaining)
	case <-time.After(waitFor):
		t.Fatal("Stop never returned")
	}
	assert.Equal(t, 1, h.wheel.Len())
	assert.Equal(t, int64(1), h.wheel.LastTick())
}

func TestStopCancelsRenewalsAfterGrace(t *testing.T) {
	h := newHarness(t, 60, func(cfg *config.RenewerConfiguration) {
		cfg.WithRenewalTimeoutMillis(60000).WithShutdownGraceMillis(50)
	})
	h.ext.behave = func(ctx context.Context, key string) leasestore.ExtendResult {
		<-ctx.Done()
		return leasestore.StoreErrorResult(ctx.Err())
	}
	h.add("orders:lock", 2000, 2)
	require.NoError(t, h.wheel.Start())

	h.advance()
	require.Eventually(t, func() bool { return h.wheel.InFlight() == 1 }, waitFor, time.Millisecond)

	assert.Equal(t, 1, h.wheel.Stop())
	assert.Equal(t, 0, h.wheel.InFlight())
}

func TestConcurrentAdd(t *testing.T) {
	const tasks = 100
	h := newHarness(t, 8)
	h.ext.behave = func(context.Context, string) leasestore.ExtendResult {
		return leasestore.NotOwnedResult()
	}
	require.NoError(t, h.wheel.Start())

	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rt, err := task.NewRenewTask(task.Lease{Key: fmt.Sprintf("lease-%03d", i), Token: "t"},
				h.ext, h.clk, int64(2000+i*100), 2, false)
			if assert.NoError(t, err) {
				assert.NoError(t, h.wheel.Add(rt))
			}
		}(i)
	}

	for i := 0; i < 3; i++ {
		h.tick()
	}
	wg.Wait()
	h.tickTo(h.wheel.LastTick() + 12)

	require.Equal(t, tasks, h.ext.count())
	for i := 0; i < tasks; i++ {
		assert.Len(t, h.ext.callsFor(fmt.Sprintf("lease-%03d", i)), 1)
	}
	assert.Equal(t, 0, h.wheel.Len())
}
