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
// Package config holds the settings of a lease renewer: the timer wheel geometry, which is fixed once the
// scheduler starts, and the wiring of the store, logger and monitoring service.
package config

import (
	"log"
	"strings"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/juju/clock"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/metrics"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/policy"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

const (
	// Number of buckets of the timer wheel. One revolution lasts WheelSize * TickDurationMillis.
	DefaultWheelSize = 60

	// Time in milliseconds between two ticks of the wheel. This bounds the scheduling jitter of
	// every renewal.
	DefaultTickDurationMillis = 1000

	// Renewal fires once the remaining TTL drops to TTL / DefaultThresholdDivisor.
	DefaultThresholdDivisor = 3

	// Delay before a renewal that failed with a store error is attempted again. Zero means one tick.
	DefaultRetryIntervalMillis = 0

	// Max number of store calls in flight at once. Due tasks beyond this wait for a free slot
	// without holding up the tick loop.
	DefaultMaxConcurrentRenewals = 64

	// Timeout of a single extension call against the store.
	DefaultRenewalTimeoutMillis = 3000

	// The amount of milliseconds to wait for in-flight renewals during graceful shutdown.
	DefaultShutdownGraceMillis = 5000

	// The DynamoDB table used for leases will be provisioned with this read capacity.
	DefaultInitialLeaseTableReadCapacity = 10

	// The DynamoDB table used for leases will be provisioned with this write capacity.
	DefaultInitialLeaseTableWriteCapacity = 10

	// Name of the PostgreSQL table holding leases.
	DefaultPostgresTableName = "leases"
)

// RenewerConfiguration for the lease renewer.
// Note: There is no need to configure credential provider. Credential can be get from InstanceProfile.
type RenewerConfiguration struct {
	// ApplicationName names the renewer. It prefixes metrics and is the default lease table name.
	ApplicationName string

	// OwnerID distinguishes this process from other lease holders. Generated if empty.
	OwnerID string

	// WheelSize is the bucket count of the timer wheel.
	WheelSize int

	// TickDurationMillis is the wall-clock duration of one tick.
	TickDurationMillis int

	// DefaultThresholdDivisor is used by lease owners that do not pick a divisor of their own.
	DefaultThresholdDivisor int

	// RetryIntervalMillis is the delay before retrying a renewal that hit a store error.
	RetryIntervalMillis int

	// MaxConcurrentRenewals bounds the number of store calls in flight.
	MaxConcurrentRenewals int

	// RenewalTimeoutMillis bounds a single extension call.
	RenewalTimeoutMillis int

	// ShutdownGraceMillis The number of milliseconds before graceful shutdown gives up waiting.
	ShutdownGraceMillis int

	// ExpirationPolicy computes the TTL of tasks created with auto-initialized expiration.
	ExpirationPolicy policy.ExpirationPolicy

	// Clock drives the wheel and task deadlines. Tests replace it with a testclock.
	Clock clock.Clock

	// KeyPrefix is prepended to lease keys by the Redis store.
	KeyPrefix string

	// RegionName The region name for the DynamoDB and CloudWatch services
	RegionName string

	// TableName is the name of the DynamoDB lease table, default to ApplicationName
	TableName string

	// DynamoDBEndpoint is an optional endpoint URL that overrides the default generated endpoint for a DynamoDB client.
	DynamoDBEndpoint string

	// DynamoDBCredentials is used to access DynamoDB
	DynamoDBCredentials *credentials.Credentials

	// Read capacity to provision when creating the lease table (dynamoDB).
	InitialLeaseTableReadCapacity int

	// Write capacity to provision when creating the lease table.
	InitialLeaseTableWriteCapacity int

	// RedisAddress is the host:port of the Redis server holding leases.
	RedisAddress string

	// PostgresDSN is the connection string of the PostgreSQL database holding leases.
	PostgresDSN string

	// PostgresTableName is the name of the PostgreSQL lease table.
	PostgresTableName string

	// Logger used to log message.
	Logger logger.Logger

	// MonitoringService publishes renewer-scoped metrics.
	MonitoringService metrics.MonitoringService
}

func empty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// checkIsValueNotEmpty makes sure the value is not empty.
func checkIsValueNotEmpty(key string, value string) {
	if empty(value) {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Non-empty value expected for %v, actual: %v", key, value)
	}
}

// checkIsValuePositive makes sure the value is positive.
func checkIsValuePositive(key string, value int) {
	if value <= 0 {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Positive value expected for %v, actual: %v", key, value)
	}
}
