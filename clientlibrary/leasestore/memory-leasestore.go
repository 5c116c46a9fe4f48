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
package leasestore

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryLeaseStore keeps leases in process memory. Expiry follows the given clock, so it suits
// tests and single-process deployments.
type MemoryLeaseStore struct {
	clock clock.Clock

	mux    sync.Mutex
	leases map[string]memoryLease
}

func NewMemoryLeaseStore(clk clock.Clock) *MemoryLeaseStore {
	return &MemoryLeaseStore{
		clock:  clk,
		leases: make(map[string]memoryLease),
	}
}

func (store *MemoryLeaseStore) Init() error { return nil }

// live returns the lease under key unless it expired. Expired leases are dropped.
// Caller holds mux.
func (store *MemoryLeaseStore) live(key string) (memoryLease, bool) {
	lease, ok := store.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if !lease.expiresAt.After(store.clock.Now()) {
		delete(store.leases, key)
		return memoryLease{}, false
	}
	return lease, true
}

func (store *MemoryLeaseStore) Acquire(ctx context.Context, key, token string, ttlMillis int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store.mux.Lock()
	defer store.mux.Unlock()

	if lease, ok := store.live(key); ok && lease.owner != token {
		return false, nil
	}
	store.leases[key] = memoryLease{
		owner:     token,
		expiresAt: store.clock.Now().Add(time.Duration(ttlMillis) * time.Millisecond),
	}
	return true, nil
}

func (store *MemoryLeaseStore) TryExtend(ctx context.Context, key, token string, ttlMillis int64) ExtendResult {
	if err := ctx.Err(); err != nil {
		return StoreErrorResult(err)
	}
	store.mux.Lock()
	defer store.mux.Unlock()

	lease, ok := store.live(key)
	if !ok || lease.owner != token {
		return NotOwnedResult()
	}
	lease.expiresAt = store.clock.Now().Add(time.Duration(ttlMillis) * time.Millisecond)
	store.leases[key] = lease
	return ExtendedResult()
}

func (store *MemoryLeaseStore) RemainingTTL(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	store.mux.Lock()
	defer store.mux.Unlock()

	lease, ok := store.live(key)
	if !ok {
		return 0, ErrLeaseNotFound
	}
	return lease.expiresAt.Sub(store.clock.Now()).Milliseconds(), nil
}

func (store *MemoryLeaseStore) Delete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store.mux.Lock()
	defer store.mux.Unlock()

	lease, ok := store.live(key)
	if !ok || lease.owner != token {
		return false, nil
	}
	delete(store.leases, key)
	return true, nil
}

// Len returns the number of live leases.
func (store *MemoryLeaseStore) Len() int {
	store.mux.Lock()
	defer store.mux.Unlock()

	n := 0
	for key := range store.leases {
		if _, ok := store.live(key); ok {
			n++
		}
	}
	return n
}
