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
package config

import (
	"log"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/juju/clock"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/metrics"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/policy"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/utils"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

// NewRenewerConfig creates a default RenewerConfiguration based on the required fields.
func NewRenewerConfig(applicationName, ownerID string) *RenewerConfiguration {
	checkIsValueNotEmpty("ApplicationName", applicationName)

	if empty(ownerID) {
		ownerID = utils.MustNewUUID()
	}

	// populate the renewer configuration with default values
	return &RenewerConfiguration{
		ApplicationName:                applicationName,
		OwnerID:                        ownerID,
		WheelSize:                      DefaultWheelSize,
		TickDurationMillis:             DefaultTickDurationMillis,
		DefaultThresholdDivisor:        DefaultThresholdDivisor,
		RetryIntervalMillis:            DefaultRetryIntervalMillis,
		MaxConcurrentRenewals:          DefaultMaxConcurrentRenewals,
		RenewalTimeoutMillis:           DefaultRenewalTimeoutMillis,
		ShutdownGraceMillis:            DefaultShutdownGraceMillis,
		ExpirationPolicy:               policy.ConfiguredExpiration,
		Clock:                          clock.WallClock,
		TableName:                      applicationName,
		InitialLeaseTableReadCapacity:  DefaultInitialLeaseTableReadCapacity,
		InitialLeaseTableWriteCapacity: DefaultInitialLeaseTableWriteCapacity,
		PostgresTableName:              DefaultPostgresTableName,
		KeyPrefix:                      applicationName + ":",
		Logger:                         logger.GetDefaultLogger(),
	}
}

// WithWheelSize sets the bucket count of the timer wheel.
func (c *RenewerConfiguration) WithWheelSize(wheelSize int) *RenewerConfiguration {
	checkIsValuePositive("WheelSize", wheelSize)
	c.WheelSize = wheelSize
	return c
}

// WithTickDurationMillis sets the duration of one wheel tick.
func (c *RenewerConfiguration) WithTickDurationMillis(tickDurationMillis int) *RenewerConfiguration {
	checkIsValuePositive("TickDurationMillis", tickDurationMillis)
	c.TickDurationMillis = tickDurationMillis
	return c
}

func (c *RenewerConfiguration) WithDefaultThresholdDivisor(divisor int) *RenewerConfiguration {
	if divisor < policy.MinThresholdDivisor {
		log.Panicf("Threshold divisor of at least %d expected, actual: %v", policy.MinThresholdDivisor, divisor)
	}
	c.DefaultThresholdDivisor = divisor
	return c
}

func (c *RenewerConfiguration) WithRetryIntervalMillis(retryIntervalMillis int) *RenewerConfiguration {
	checkIsValuePositive("RetryIntervalMillis", retryIntervalMillis)
	c.RetryIntervalMillis = retryIntervalMillis
	return c
}

func (c *RenewerConfiguration) WithMaxConcurrentRenewals(n int) *RenewerConfiguration {
	checkIsValuePositive("MaxConcurrentRenewals", n)
	c.MaxConcurrentRenewals = n
	return c
}

func (c *RenewerConfiguration) WithRenewalTimeoutMillis(renewalTimeoutMillis int) *RenewerConfiguration {
	checkIsValuePositive("RenewalTimeoutMillis", renewalTimeoutMillis)
	c.RenewalTimeoutMillis = renewalTimeoutMillis
	return c
}

func (c *RenewerConfiguration) WithShutdownGraceMillis(shutdownGraceMillis int) *RenewerConfiguration {
	checkIsValuePositive("ShutdownGraceMillis", shutdownGraceMillis)
	c.ShutdownGraceMillis = shutdownGraceMillis
	return c
}

// WithExpirationPolicy sets the TTL policy of tasks created with auto-initialized expiration.
func (c *RenewerConfiguration) WithExpirationPolicy(p policy.ExpirationPolicy) *RenewerConfiguration {
	if p == nil {
		log.Panic("ExpirationPolicy cannot be null")
	}
	c.ExpirationPolicy = p
	return c
}

// WithClock replaces the wall clock, mainly for testing.
func (c *RenewerConfiguration) WithClock(clk clock.Clock) *RenewerConfiguration {
	if clk == nil {
		log.Panic("Clock cannot be null")
	}
	c.Clock = clk
	return c
}

func (c *RenewerConfiguration) WithKeyPrefix(prefix string) *RenewerConfiguration {
	c.KeyPrefix = prefix
	return c
}

// WithDynamoDB configures the DynamoDB lease store location.
func (c *RenewerConfiguration) WithDynamoDB(regionName, tableName string, creds *credentials.Credentials) *RenewerConfiguration {
	checkIsValueNotEmpty("RegionName", regionName)
	checkIsValueNotEmpty("TableName", tableName)
	c.RegionName = regionName
	c.TableName = tableName
	c.DynamoDBCredentials = creds
	return c
}

// WithDynamoDBEndpoint is used to provide an alternative DynamoDB endpoint
func (c *RenewerConfiguration) WithDynamoDBEndpoint(dynamoDBEndpoint string) *RenewerConfiguration {
	c.DynamoDBEndpoint = dynamoDBEndpoint
	return c
}

func (c *RenewerConfiguration) WithRedisAddress(address string) *RenewerConfiguration {
	checkIsValueNotEmpty("RedisAddress", address)
	c.RedisAddress = address
	return c
}

func (c *RenewerConfiguration) WithPostgres(dsn, tableName string) *RenewerConfiguration {
	checkIsValueNotEmpty("PostgresDSN", dsn)
	checkIsValueNotEmpty("PostgresTableName", tableName)
	c.PostgresDSN = dsn
	c.PostgresTableName = tableName
	return c
}

func (c *RenewerConfiguration) WithLogger(logger logger.Logger) *RenewerConfiguration {
	if logger == nil {
		log.Panic("Logger cannot be null")
	}
	c.Logger = logger
	return c
}

// WithMonitoringService sets the monitoring service to use to publish metrics.
func (c *RenewerConfiguration) WithMonitoringService(mService metrics.MonitoringService) *RenewerConfiguration {
	// Nil case is handled downward (at scheduler creation) so no need to do it here.
	c.MonitoringService = mService
	return c
}

// TickDuration returns the duration of one wheel tick.
func (c *RenewerConfiguration) TickDuration() time.Duration {
	return time.Duration(c.TickDurationMillis) * time.Millisecond
}

// RetryInterval returns the delay before retrying a failed renewal, one tick unless configured.
func (c *RenewerConfiguration) RetryInterval() time.Duration {
	if c.RetryIntervalMillis <= 0 {
		return c.TickDuration()
	}
	return time.Duration(c.RetryIntervalMillis) * time.Millisecond
}

func (c *RenewerConfiguration) RenewalTimeout() time.Duration {
	return time.Duration(c.RenewalTimeoutMillis) * time.Millisecond
}

func (c *RenewerConfiguration) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMillis) * time.Millisecond
}

// Revolution returns the longest delay one pass of the wheel covers. Longer delays use rounds.
func (c *RenewerConfiguration) Revolution() time.Duration {
	return time.Duration(c.WheelSize) * c.TickDuration()
}
