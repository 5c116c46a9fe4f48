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
// Package policy holds the pure arithmetic deciding when a lease must be renewed.
//
// A lease created with a TTL of ttl milliseconds and a threshold divisor n is renewed once its
// remaining lifetime drops to ttl/n, that is ttl*(n-1)/n milliseconds after it was last extended.
package policy

import (
	"errors"
	"fmt"
)

// MinThresholdDivisor is the smallest accepted divisor. A divisor of 1 would renew only once the
// lease has already expired.
const MinThresholdDivisor = 2

var (
	// ErrInvalidTTL is returned when the lease lifetime is not positive.
	ErrInvalidTTL = errors.New("lease ttl must be positive")

	// ErrInvalidThresholdDivisor is returned when the divisor is below MinThresholdDivisor.
	ErrInvalidThresholdDivisor = fmt.Errorf("threshold divisor must be at least %d", MinThresholdDivisor)

	// ErrZeroInterval is returned when ttl and divisor would schedule a zero-delay renewal loop.
	ErrZeroInterval = errors.New("renewal interval rounds down to zero")
)

// ComputeInterval returns the elapsed time, in milliseconds, after which a lease of ttlMillis must be
// renewed: ttlMillis * (thresholdDivisor - 1) / thresholdDivisor with floor division.
// On success 0 < interval < ttlMillis.
func ComputeInterval(ttlMillis, thresholdDivisor int64) (int64, error) {
	if ttlMillis <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTTL, ttlMillis)
	}
	if thresholdDivisor < MinThresholdDivisor {
		return 0, fmt.Errorf("%w: %d", ErrInvalidThresholdDivisor, thresholdDivisor)
	}

	// floor(ttl*(n-1)/n) is ttl - ceil(ttl/n), which never overflows.
	ceil := ttlMillis / thresholdDivisor
	if ttlMillis%thresholdDivisor != 0 {
		ceil++
	}
	interval := ttlMillis - ceil
	if interval <= 0 {
		return 0, fmt.Errorf("%w: ttl %d, divisor %d", ErrZeroInterval, ttlMillis, thresholdDivisor)
	}
	return interval, nil
}

// Deadline returns the absolute time, in unix milliseconds, at which a renewal is next due.
func Deadline(nowMillis, intervalMillis int64) int64 {
	return nowMillis + intervalMillis
}

// ExpirationPolicy computes the TTL of a lease created with auto-initialized expiration. It gets the
// lease key and the TTL configured by the caller and returns the TTL to use instead.
type ExpirationPolicy func(leaseKey string, configuredTTLMillis int64) int64

// ConfiguredExpiration is the default ExpirationPolicy: it reuses the configured TTL.
func ConfiguredExpiration(_ string, configuredTTLMillis int64) int64 {
	return configuredTTLMillis
}

// FixedExpiration returns an ExpirationPolicy that always answers the administrative default ttlMillis.
func FixedExpiration(ttlMillis int64) ExpirationPolicy {
	return func(string, int64) int64 {
		return ttlMillis
	}
}

// ResolveTTL applies p to the configured TTL. A nil policy, or one answering a non-positive TTL,
// leaves the configured TTL in place.
func ResolveTTL(p ExpirationPolicy, leaseKey string, configuredTTLMillis int64) int64 {
	if p == nil {
		return configuredTTLMillis
	}
	if ttl := p(leaseKey, configuredTTLMillis); ttl > 0 {
		return ttl
	}
	return configuredTTLMillis
}
