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
// Package lock builds distributed locks on top of auto-renewed leases.
package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/leasestore"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/scheduler"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/task"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/utils"
)

var (
	// ErrNotAcquired is returned by TryLock when another owner holds the lease.
	ErrNotAcquired = errors.New("lock is held by another owner")

	// ErrNotHeld is returned by Unlock when the lease was already gone or taken over.
	ErrNotHeld = errors.New("lock is no longer held")
)

// Locker acquires leases in a store and keeps them alive with a scheduler until they are unlocked.
type Locker struct {
	store            leasestore.LeaseStore
	sched            *scheduler.Scheduler
	thresholdDivisor int64
}

// NewLocker returns a Locker renewing its leases with the default threshold divisor of 3.
func NewLocker(store leasestore.LeaseStore, sched *scheduler.Scheduler) *Locker {
	return &Locker{
		store:            store,
		sched:            sched,
		thresholdDivisor: 3,
	}
}

// WithThresholdDivisor changes how early leases are renewed.
func (l *Locker) WithThresholdDivisor(divisor int64) *Locker {
	l.thresholdDivisor = divisor
	return l
}

// Lock is a held lease and the task renewing it.
type Lock struct {
	locker *Locker
	key    string
	token  string
	task   *task.RenewTask
}

func (lk *Lock) Key() string   { return lk.key }
func (lk *Lock) Token() string { return lk.token }

// Task returns the renew task keeping the lock alive.
func (lk *Lock) Task() *task.RenewTask { return lk.task }

// TryLock acquires key for ttlMillis and schedules its renewal. It does not wait for the lock.
func (l *Locker) TryLock(ctx context.Context, key string, ttlMillis int64) (*Lock, error) {
	token := utils.MustNewUUID()

	ok, err := l.store.Acquire(ctx, key, token, ttlMillis)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}

	rt, err := l.sched.CreateTask(key, token, ttlMillis, l.thresholdDivisor, false)
	if err == nil {
		err = l.sched.AddRenewTask(rt)
	}
	if err != nil {
		// do not leave an unrenewed lease behind
		_, _ = l.store.Delete(ctx, key, token)
		return nil, fmt.Errorf("schedule renewal of lock %s: %w", key, err)
	}

	return &Lock{locker: l, key: key, token: token, task: rt}, nil
}

// Unlock stops the renewal and deletes the lease if it is still ours.
func (lk *Lock) Unlock(ctx context.Context) error {
	lk.locker.sched.RemoveRenewTask(lk.task)

	deleted, err := lk.locker.store.Delete(ctx, lk.key, lk.token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lk.key, err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrNotHeld, lk.key)
	}
	return nil
}

// WithLock runs fn while holding key. The lock is released when fn returns; its error wins over
// the unlock error.
func (l *Locker) WithLock(ctx context.Context, key string, ttlMillis int64, fn func(ctx context.Context) error) error {
	lk, err := l.TryLock(ctx, key, ttlMillis)
	if err != nil {
		return err
	}

	fnErr := fn(ctx)
	unlockErr := lk.Unlock(context.WithoutCancel(ctx))
	if fnErr != nil {
		return fnErr
	}
	return unlockErr
}
