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
// Package leasestore is the boundary between the renewal scheduler and the store holding the leases.
//
// The scheduler only ever sees Extender. The full LeaseStore is what lease owners use to acquire and
// delete leases; every implementation conditions extension and deletion on the owner token so that a
// renewal racing with a release can never resurrect a lease owned by someone else.
package leasestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/config"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

// ExtendStatus is the outcome of one conditional extension.
type ExtendStatus int

const (
	// Extended means the TTL was reset and the lease is still held by the caller.
	Extended ExtendStatus = iota + 1
	// NotOwnedOrAbsent means the lease expired, was deleted, or now belongs to another owner.
	NotOwnedOrAbsent
	// StoreError means the store could not answer. The lease may or may not still be valid.
	StoreError
)

func (s ExtendStatus) String() string {
	switch s {
	case Extended:
		return "EXTENDED"
	case NotOwnedOrAbsent:
		return "NOT_OWNED_OR_ABSENT"
	case StoreError:
		return "STORE_ERROR"
	default:
		return fmt.Sprintf("ExtendStatus(%d)", int(s))
	}
}

// ExtendResult is returned by TryExtend. Err is only set with StoreError.
type ExtendResult struct {
	Status ExtendStatus
	Err    error
}

// ExtendedResult reports a successful extension.
func ExtendedResult() ExtendResult { return ExtendResult{Status: Extended} }

// NotOwnedResult reports a lease that is gone or owned by someone else.
func NotOwnedResult() ExtendResult { return ExtendResult{Status: NotOwnedOrAbsent} }

// StoreErrorResult wraps an unexpected store failure.
func StoreErrorResult(cause error) ExtendResult {
	return ExtendResult{Status: StoreError, Err: cause}
}

// Extender is the single store operation the renewal scheduler depends on.
type Extender interface {
	// TryExtend resets the TTL of key to ttlMillis if and only if it is still owned by token.
	TryExtend(ctx context.Context, key, token string, ttlMillis int64) ExtendResult
}

// ExtenderFunc adapts a function to Extender.
type ExtenderFunc func(ctx context.Context, key, token string, ttlMillis int64) ExtendResult

// TryExtend calls f.
func (f ExtenderFunc) TryExtend(ctx context.Context, key, token string, ttlMillis int64) ExtendResult {
	return f(ctx, key, token, ttlMillis)
}

// LeaseStore handles the whole lease lifecycle in an external store.
type LeaseStore interface {
	Extender

	// Init prepares the store: opens sessions, creates tables.
	Init() error

	// Acquire creates key owned by token with ttlMillis if nobody else holds a live lease on it.
	// It reports false, without error, when the lease is held by another owner.
	Acquire(ctx context.Context, key, token string, ttlMillis int64) (bool, error)

	// RemainingTTL returns the remaining lifetime of key in milliseconds, or ErrLeaseNotFound.
	RemainingTTL(ctx context.Context, key string) (int64, error)

	// Delete removes key if it is owned by token and reports whether it did.
	Delete(ctx context.Context, key, token string) (bool, error)
}

// ErrLeaseNotFound is returned by RemainingTTL when the lease does not exist or already expired.
var ErrLeaseNotFound = errors.New("lease not found")

// ErrInvalidLeaseStoreSchema is returned when the backing table misses required attributes.
var ErrInvalidLeaseStoreSchema = errors.New("lease store schema is invalid and may need to be re-created")

// NewLeaseStore picks the store the configuration points at: Redis when RedisAddress is set,
// PostgreSQL when PostgresDSN is set, DynamoDB otherwise. The store still needs Init.
func NewLeaseStore(renewerCfg *config.RenewerConfiguration) LeaseStore {
	switch {
	case renewerCfg.RedisAddress != "":
		return NewRedisLeaseStore(renewerCfg)
	case renewerCfg.PostgresDSN != "":
		return NewPostgresLeaseStore(renewerCfg)
	default:
		return NewDynamoLeaseStore(renewerCfg)
	}
}

// configLogger returns the configured logger, or the default one for hand-built configurations.
func configLogger(renewerCfg *config.RenewerConfiguration) logger.Logger {
	if renewerCfg.Logger == nil {
		return logger.GetDefaultLogger()
	}
	return renewerCfg.Logger
}

func configClock(renewerCfg *config.RenewerConfiguration) clock.Clock {
	if renewerCfg.Clock == nil {
		return clock.WallClock
	}
	return renewerCfg.Clock
}
