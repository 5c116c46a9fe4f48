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
// Package task holds the renewal obligation of a single lease.
//
// A RenewTask is created by a lease owner, handed to the scheduler and fired by the timer wheel.
// Each firing makes exactly one conditional extension against the store. The owner stops renewal
// with Release, which is observed at the next firing; an extension already in flight is allowed
// to complete since the store call is itself conditioned on ownership.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/leasestore"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/policy"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/utils"
)

var (
	// ErrEmptyLeaseKey is returned when a task is created without a lease key.
	ErrEmptyLeaseKey = errors.New("lease key must not be empty")

	// ErrNoExtender is returned when a task is created without a store to extend the lease in.
	ErrNoExtender = errors.New("renew task needs an extender")
)

// Lease identifies the lease a task keeps alive: its key in the store and the token proving
// ownership.
type Lease struct {
	Key   string
	Token string
}

// Outcome is what one firing decided.
type Outcome int

const (
	// Renewed means the lease was extended. The task is due again one interval later.
	Renewed Outcome = iota + 1
	// Retry means the store failed. The task is due again after the retry interval.
	Retry
	// Released means the owner released the task. No store call was made.
	Released
	// Lost means the lease is gone or owned by someone else.
	Lost
)

// Continue reports whether the task must be rescheduled.
func (o Outcome) Continue() bool {
	return o == Renewed || o == Retry
}

func (o Outcome) String() string {
	switch o {
	case Renewed:
		return "renewed"
	case Retry:
		return "retry"
	case Released:
		return "released"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// FailureHandler receives the store errors of a task. It runs on the renewal goroutine and must
// not block.
type FailureHandler func(t *RenewTask, err error)

// Option configures a RenewTask.
type Option func(*RenewTask)

// WithExpirationPolicy sets the policy computing the TTL of tasks created with auto-initialized
// expiration.
func WithExpirationPolicy(p policy.ExpirationPolicy) Option {
	return func(t *RenewTask) {
		t.expirationPolicy = p
	}
}

// WithFailureHandler sets the callback reporting store errors.
func WithFailureHandler(h FailureHandler) Option {
	return func(t *RenewTask) {
		t.onFailure = h
	}
}

// MinRetryIntervalMillis is the shortest retry delay. The timer wheel rounds it up to the next tick.
const MinRetryIntervalMillis = 1

// WithRetryInterval sets the delay before a failed renewal is attempted again. Delays under
// MinRetryIntervalMillis make the task due on the next tick.
func WithRetryInterval(d time.Duration) Option {
	return func(t *RenewTask) {
		t.retryIntervalMillis = d.Milliseconds()
	}
}

// RenewTask is the renewal state of one lease.
type RenewTask struct {
	id                  string
	lease               Lease
	ttlMillis           int64
	thresholdDivisor    int64
	intervalMillis      int64
	retryIntervalMillis int64
	autoInitExpiration  bool

	extender         leasestore.Extender
	clock            clock.Clock
	expirationPolicy policy.ExpirationPolicy
	onFailure        FailureHandler

	deadlineMillis atomic.Int64
	released       atomic.Bool
	renewals       atomic.Int64
	failures       atomic.Int64
}

// NewRenewTask validates the renewal parameters and returns an armed task due one renewal interval
// from now. Invalid parameters are configuration errors: the task is not created.
func NewRenewTask(lease Lease, extender leasestore.Extender, clk clock.Clock, ttlMillis, thresholdDivisor int64,
	autoInitExpiration bool, opts ...Option) (*RenewTask, error) {
	if lease.Key == "" {
		return nil, ErrEmptyLeaseKey
	}
	if extender == nil {
		return nil, ErrNoExtender
	}
	if clk == nil {
		clk = clock.WallClock
	}

	t := &RenewTask{
		id:                 utils.MustNewUUID(),
		lease:              lease,
		thresholdDivisor:   thresholdDivisor,
		autoInitExpiration: autoInitExpiration,
		extender:           extender,
		clock:              clk,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retryIntervalMillis < MinRetryIntervalMillis {
		t.retryIntervalMillis = MinRetryIntervalMillis
	}

	t.ttlMillis = ttlMillis
	if autoInitExpiration {
		t.ttlMillis = policy.ResolveTTL(t.expirationPolicy, lease.Key, ttlMillis)
	}

	interval, err := policy.ComputeInterval(t.ttlMillis, thresholdDivisor)
	if err != nil {
		return nil, fmt.Errorf("renew task for %s: %w", lease.Key, err)
	}
	t.intervalMillis = interval
	t.deadlineMillis.Store(policy.Deadline(t.nowMillis(), interval))

	return t, nil
}

// Run performs one renewal attempt. It is only called by the timer wheel when the task is due.
func (t *RenewTask) Run(ctx context.Context) Outcome {
	if t.released.Load() {
		return Released
	}

	result := t.extender.TryExtend(ctx, t.lease.Key, t.lease.Token, t.ttlMillis)
	switch result.Status {
	case leasestore.Extended:
		t.renewals.Add(1)
		t.deadlineMillis.Store(policy.Deadline(t.nowMillis(), t.intervalMillis))
		return Renewed

	case leasestore.NotOwnedOrAbsent:
		return Lost

	default:
		err := result.Err
		if err == nil {
			err = fmt.Errorf("unexpected extend status %s", result.Status)
		}
		t.failures.Add(1)
		t.deadlineMillis.Store(policy.Deadline(t.nowMillis(), t.retryIntervalMillis))
		if t.onFailure != nil {
			t.onFailure(t, err)
		}
		return Retry
	}
}

// Release stops renewal. It is idempotent and may be called from any goroutine.
func (t *RenewTask) Release() {
	t.released.Store(true)
}

// IsReleased reports whether Release was called.
func (t *RenewTask) IsReleased() bool {
	return t.released.Load()
}

func (t *RenewTask) ID() string                 { return t.id }
func (t *RenewTask) Lease() Lease               { return t.lease }
func (t *RenewTask) TTLMillis() int64           { return t.ttlMillis }
func (t *RenewTask) ThresholdDivisor() int64    { return t.thresholdDivisor }
func (t *RenewTask) IntervalMillis() int64      { return t.intervalMillis }
func (t *RenewTask) AutoInitExpiration() bool   { return t.autoInitExpiration }
func (t *RenewTask) RetryIntervalMillis() int64 { return t.retryIntervalMillis }

// DeadlineMillis returns the unix time, in milliseconds, at which the task is next due.
func (t *RenewTask) DeadlineMillis() int64 {
	return t.deadlineMillis.Load()
}

// Deadline returns DeadlineMillis as a time.
func (t *RenewTask) Deadline() time.Time {
	return time.UnixMilli(t.deadlineMillis.Load())
}

// Renewals returns the number of successful extensions.
func (t *RenewTask) Renewals() int64 {
	return t.renewals.Load()
}

// Failures returns the number of extensions that hit a store error.
func (t *RenewTask) Failures() int64 {
	return t.failures.Load()
}

func (t *RenewTask) String() string {
	return fmt.Sprintf("RenewTask{id: %s, leaseKey: %s, ttl: %dms, interval: %dms}",
		t.id, t.lease.Key, t.ttlMillis, t.intervalMillis)
}

func (t *RenewTask) nowMillis() int64 {
	return t.clock.Now().UnixMilli()
}
