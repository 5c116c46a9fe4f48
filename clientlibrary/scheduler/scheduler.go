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
// Package scheduler is the entry point lease owners use to keep their leases alive.
//
// A Scheduler owns one timer wheel and the store its renew tasks extend leases in. Owners create a
// task per lease they hold, add it, and remove it when they release the lease.
package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/config"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/leasestore"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/metrics"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/task"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/wheel"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

// ErrSchedulerStopped is returned when adding tasks to a scheduler that was shut down.
var ErrSchedulerStopped = errors.New("renewal scheduler is stopped")

// Scheduler renews the leases of the tasks added to it until they are removed, released or lost.
type Scheduler struct {
	renewerCfg *config.RenewerConfiguration
	log        logger.Logger
	extender   leasestore.Extender
	// store is set when the extender is a full lease store, which then gets initialized on Start.
	store    leasestore.LeaseStore
	mService metrics.MonitoringService
	wheel    *wheel.TimerWheel

	onFailure task.FailureHandler

	mux     sync.Mutex
	started bool
	stopped bool
}

// NewScheduler creates a scheduler renewing leases through extender. When extender is nil, the lease
// store named by the configuration is used.
func NewScheduler(renewerCfg *config.RenewerConfiguration, extender leasestore.Extender) (*Scheduler, error) {
	mService := renewerCfg.MonitoringService
	if mService == nil {
		// Replaces nil with noop monitor service (not emitting any metrics).
		mService = metrics.NoopMonitoringService{}
	}

	var store leasestore.LeaseStore
	if extender == nil {
		store = leasestore.NewLeaseStore(renewerCfg)
		extender = store
	} else if s, ok := extender.(leasestore.LeaseStore); ok {
		store = s
	}

	w, err := wheel.NewTimerWheel(renewerCfg)
	if err != nil {
		return nil, fmt.Errorf("renewal scheduler: %w", err)
	}

	log := renewerCfg.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	s := &Scheduler{
		renewerCfg: renewerCfg,
		log:        log,
		extender:   extender,
		store:      store,
		mService:   mService,
		wheel:      w,
	}
	s.onFailure = s.logFailure
	return s, nil
}

// WithFailureHandler replaces the handler told about renewals that hit a store error. The default
// one logs them. It only applies to tasks created afterwards.
func (s *Scheduler) WithFailureHandler(h task.FailureHandler) *Scheduler {
	if h == nil {
		h = s.logFailure
	}
	s.onFailure = h
	return s
}

// Start initializes the lease store and the monitoring service, then starts the timer wheel.
// Tasks added before Start are fired once it runs.
func (s *Scheduler) Start() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.started {
		return wheel.ErrAlreadyStarted
	}

	log := s.log
	log.Infof("Renewal scheduler initialization in progress...")

	if s.store != nil {
		log.Infof("Initializing lease store")
		if err := s.store.Init(); err != nil {
			log.Errorf("Failed to initialize lease store: %+v", err)
			return err
		}
	} else {
		log.Infof("Use custom extender implementation.")
	}

	if err := s.mService.Init(s.renewerCfg.ApplicationName, s.renewerCfg.OwnerID); err != nil {
		log.Errorf("Failed to initialize monitoring service: %+v", err)
	}

	log.Infof("Starting monitoring service.")
	if err := s.mService.Start(); err != nil {
		log.Errorf("Failed to start monitoring service: %+v", err)
		return err
	}

	if err := s.wheel.Start(); err != nil {
		return err
	}
	s.started = true
	log.Infof("Renewal scheduler started for %s (owner %s)", s.renewerCfg.ApplicationName, s.renewerCfg.OwnerID)
	return nil
}

// Shutdown stops the timer wheel, waiting for in-flight renewals up to the shutdown grace period,
// and stops the monitoring service. It is safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.log.Infof("Renewal scheduler shutdown is requested.")
	if s.stopped {
		return
	}
	s.stopped = true

	remaining := s.wheel.Stop()
	if remaining > 0 {
		s.log.Warnf("%d leases will expire unless their owners renew them", remaining)
	}

	if s.started {
		s.mService.Shutdown()
	}
	s.log.Infof("Renewal scheduler is stopped.")
}

// CreateTask returns a renew task for the lease key held with token. The task is not scheduled
// until it is added.
func (s *Scheduler) CreateTask(key, token string, ttlMillis, thresholdDivisor int64, autoInitExpiration bool) (*task.RenewTask, error) {
	return task.NewRenewTask(task.Lease{Key: key, Token: token}, s.extender, s.renewerCfg.Clock,
		ttlMillis, thresholdDivisor, autoInitExpiration,
		task.WithExpirationPolicy(s.renewerCfg.ExpirationPolicy),
		task.WithRetryInterval(s.renewerCfg.RetryInterval()),
		task.WithFailureHandler(s.onFailure))
}

// CreateDefaultTask is CreateTask with the configured default threshold divisor.
func (s *Scheduler) CreateDefaultTask(key, token string, ttlMillis int64) (*task.RenewTask, error) {
	return s.CreateTask(key, token, ttlMillis, int64(s.renewerCfg.DefaultThresholdDivisor), false)
}

// AddRenewTask schedules t. It may be called before Start and concurrently with renewals.
func (s *Scheduler) AddRenewTask(t *task.RenewTask) error {
	err := s.wheel.Add(t)
	if errors.Is(err, wheel.ErrStopped) {
		return ErrSchedulerStopped
	}
	return err
}

// RemoveRenewTask releases t and drops it from the wheel. It reports whether t was scheduled.
func (s *Scheduler) RemoveRenewTask(t *task.RenewTask) bool {
	return s.wheel.Remove(t)
}

// Pending returns the number of tasks waiting for their next renewal.
func (s *Scheduler) Pending() int {
	return s.wheel.Len()
}

func (s *Scheduler) logFailure(t *task.RenewTask, err error) {
	s.log.WithFields(logger.Fields{
		"leaseKey": t.Lease().Key,
		"taskID":   t.ID(),
		"failures": t.Failures(),
	}).Warnf("Failed to renew lease, retrying in %dms: %+v", t.RetryIntervalMillis(), err)
}
