package scheduler

import (
	"context"
	"errors"
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

type lifecycleMonitor struct {
	metrics.NoopMonitoringService

	mux      sync.Mutex
	appName  string
	ownerID  string
	started  bool
	shutdown bool
}

func (m *lifecycleMonitor) Init(appName, ownerID string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.appName, m.ownerID = appName, ownerID
	return nil
}

func (m *lifecycleMonitor) Start() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.started = true
	return nil
}

func (m *lifecycleMonitor) Shutdown() {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.shutdown = true
}

func newTestConfig(clk *testclock.Clock) *config.RenewerConfiguration {
	return config.NewRenewerConfig("renewer", "owner-1").
		WithClock(clk).
		WithLogger(logger.NewDiscardLogger()).
		WithTickDurationMillis(1000)
}

// tick advances the clock by one tick and waits for its renewals.
func tick(t *testing.T, clk *testclock.Clock, s *Scheduler) {
	t.Helper()
	next := s.wheel.LastTick() + 1

	deadline := time.Now().Add(waitFor)
	for clk.WaitAdvance(time.Second, 20*time.Millisecond, 1) != nil {
		if time.Now().After(deadline) {
			t.Fatal("timer wheel never waited on the clock")
		}
	}
	require.Eventually(t, func() bool {
		return s.wheel.LastTick() >= next && s.wheel.InFlight() == 0
	}, waitFor, time.Millisecond)
}

func TestSchedulerKeepsLeaseAlive(t *testing.T) {
	clk := testclock.NewClock(epoch)
	store := leasestore.NewMemoryLeaseStore(clk)
	mService := &lifecycleMonitor{}
	s, err := NewScheduler(newTestConfig(clk).WithMonitoringService(mService), store)
	require.NoError(t, err)
	defer s.Shutdown()

	ctx := context.Background()
	ok, err := store.Acquire(ctx, "orders:lock", "token-1", 9000)
	require.NoError(t, err)
	require.True(t, ok)

	rt, err := s.CreateTask("orders:lock", "token-1", 9000, 3, false)
	require.NoError(t, err)
	require.NoError(t, s.AddRenewTask(rt))
	require.NoError(t, s.Start())
	assert.Equal(t, "renewer", mService.appName)
	assert.Equal(t, "owner-1", mService.ownerID)
	assert.True(t, mService.started)

	for i := 0; i < 30; i++ {
		tick(t, clk, s)
		remaining, err := store.RemainingTTL(ctx, "orders:lock")
		require.NoError(t, err, "lease expired at tick %d", i+1)
		assert.Greater(t, remaining, int64(0))
	}
	// renewed at 6s, 12s, 18s, 24s and 30s
	assert.Equal(t, int64(5), rt.Renewals())
	assert.Equal(t, 1, s.Pending())

	assert.True(t, s.RemoveRenewTask(rt))
	assert.Equal(t, 0, s.Pending())
	for i := 0; i < 10; i++ {
		tick(t, clk, s)
	}
	_, err = store.RemainingTTL(ctx, "orders:lock")
	assert.ErrorIs(t, err, leasestore.ErrLeaseNotFound)
	assert.Equal(t, int64(5), rt.Renewals())

	s.Shutdown()
	assert.True(t, mService.shutdown)
}

func TestSchedulerDropsLostLease(t *testing.T) {
	clk := testclock.NewClock(epoch)
	store := leasestore.NewMemoryLeaseStore(clk)
	s, err := NewScheduler(newTestConfig(clk), store)
	require.NoError(t, err)
	defer s.Shutdown()

	ctx := context.Background()
	ok, err := store.Acquire(ctx, "orders:lock", "token-1", 3000)
	require.NoError(t, err)
	require.True(t, ok)

	rt, err := s.CreateDefaultTask("orders:lock", "token-1", 3000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rt.ThresholdDivisor())
	require.NoError(t, s.AddRenewTask(rt))
	require.NoError(t, s.Start())

	// another owner takes over once our lease is gone
	deleted, err := store.Delete(ctx, "orders:lock", "token-1")
	require.NoError(t, err)
	require.True(t, deleted)
	ok, err = store.Acquire(ctx, "orders:lock", "token-2", 60000)
	require.NoError(t, err)
	require.True(t, ok)

	tick(t, clk, s)
	tick(t, clk, s)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, int64(0), rt.Renewals())

	remaining, err := store.RemainingTTL(ctx, "orders:lock")
	require.NoError(t, err)
	assert.Equal(t, int64(58000), remaining)
}

func TestSchedulerFailureHandler(t *testing.T) {
	clk := testclock.NewClock(epoch)
	failing := leasestore.ExtenderFunc(func(context.Context, string, string, int64) leasestore.ExtendResult {
		return leasestore.StoreErrorResult(errors.New("connection refused"))
	})

	var mux sync.Mutex
	var failures []int64
	s, err := NewScheduler(newTestConfig(clk).WithRetryIntervalMillis(2000), failing)
	require.NoError(t, err)
	s.WithFailureHandler(func(rt *task.RenewTask, err error) {
		mux.Lock()
		defer mux.Unlock()
		failures = append(failures, rt.Failures())
	})
	defer s.Shutdown()

	rt, err := s.CreateTask("orders:lock", "token-1", 2000, 2, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), rt.RetryIntervalMillis())
	require.NoError(t, s.AddRenewTask(rt))
	require.NoError(t, s.Start())

	for i := 0; i < 5; i++ {
		tick(t, clk, s)
	}
	mux.Lock()
	defer mux.Unlock()
	// fired at 1s, then every 2s
	assert.Equal(t, []int64{1, 2, 3}, failures)
	assert.Equal(t, 1, s.Pending())
}

func TestSchedulerAutoInitExpiration(t *testing.T) {
	clk := testclock.NewClock(epoch)
	store := leasestore.NewMemoryLeaseStore(clk)
	cfg := newTestConfig(clk)
	cfg.WithExpirationPolicy(func(string, int64) int64 { return 30000 })
	s, err := NewScheduler(cfg, store)
	require.NoError(t, err)

	rt, err := s.CreateTask("orders:lock", "token-1", 9000, 3, true)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), rt.TTLMillis())
	assert.Equal(t, int64(20000), rt.IntervalMillis())

	rt, err = s.CreateTask("orders:lock", "token-1", 9000, 3, false)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), rt.TTLMillis())

	_, err = s.CreateTask("orders:lock", "token-1", 1, 2, false)
	assert.Error(t, err)
}

func TestSchedulerLifecycleErrors(t *testing.T) {
	clk := testclock.NewClock(epoch)
	store := leasestore.NewMemoryLeaseStore(clk)
	s, err := NewScheduler(newTestConfig(clk), store)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	rt, err := s.CreateDefaultTask("orders:lock", "token-1", 9000)
	require.NoError(t, err)

	s.Shutdown()
	s.Shutdown()
	assert.Equal(t, ErrSchedulerStopped, s.AddRenewTask(rt))
	assert.Equal(t, ErrSchedulerStopped, s.Start())
}

func TestNewSchedulerUsesConfiguredStore(t *testing.T) {
	cfg := config.NewRenewerConfig("renewer", "owner-1").
		WithLogger(logger.NewDiscardLogger()).
		WithRedisAddress("localhost:6379")
	s, err := NewScheduler(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &leasestore.RedisLeaseStore{}, s.store)
	assert.Equal(t, s.store, s.extender)

	custom := leasestore.ExtenderFunc(func(context.Context, string, string, int64) leasestore.ExtendResult {
		return leasestore.ExtendedResult()
	})
	s, err = NewScheduler(cfg, custom)
	require.NoError(t, err)
	assert.Nil(t, s.store)

	cfg.WheelSize = 0
	_, err = NewScheduler(cfg, custom)
	assert.Error(t, err)
}

func TestSchedulerWithHandBuiltConfig(t *testing.T) {
	cfg := &config.RenewerConfiguration{
		ApplicationName:       "renewer",
		OwnerID:               "owner-1",
		WheelSize:             60,
		TickDurationMillis:    1000,
		MaxConcurrentRenewals: 4,
		ShutdownGraceMillis:   1000,
	}
	extender := leasestore.ExtenderFunc(func(context.Context, string, string, int64) leasestore.ExtendResult {
		return leasestore.ExtendedResult()
	})

	s, err := NewScheduler(cfg, extender)
	require.NoError(t, err)
	assert.NotNil(t, s.log)

	rt, err := s.CreateTask("orders:lock", "token-1", 9000, 3, true)
	require.NoError(t, err)
	require.NoError(t, s.AddRenewTask(rt))
	require.NoError(t, s.Start())
	s.Shutdown()
	assert.Equal(t, 1, s.Pending())
}
