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
package metrics

// Retirement reasons reported through TaskRetired.
const (
	RetiredReleased = "released"
	RetiredLost     = "lost"
	RetiredEvicted  = "evicted"
	RetiredPanic    = "panic"
)

// MonitoringService receives the renewer-scoped measurements. Implementations must be safe for
// concurrent use: renewals report from their own goroutines.
type MonitoringService interface {
	Init(appName, ownerID string) error
	Start() error
	TaskScheduled(leaseKey string)
	TaskRetired(leaseKey, reason string)
	LeaseRenewed(leaseKey string)
	RenewalFailed(leaseKey string)
	RecordRenewalTime(leaseKey string, millis float64)
	RecordTickTime(millis float64, due int)
	BucketDepth(bucket int, depth int)
	Shutdown()
}

// NoopMonitoringService implements MonitoringService by does nothing.
type NoopMonitoringService struct{}

func (NoopMonitoringService) Init(appName, ownerID string) error { return nil }
func (NoopMonitoringService) Start() error                       { return nil }
func (NoopMonitoringService) Shutdown()                          {}

func (NoopMonitoringService) TaskScheduled(leaseKey string)                     {}
func (NoopMonitoringService) TaskRetired(leaseKey, reason string)               {}
func (NoopMonitoringService) LeaseRenewed(leaseKey string)                      {}
func (NoopMonitoringService) RenewalFailed(leaseKey string)                     {}
func (NoopMonitoringService) RecordRenewalTime(leaseKey string, millis float64) {}
func (NoopMonitoringService) RecordTickTime(millis float64, due int)            {}
func (NoopMonitoringService) BucketDepth(bucket int, depth int)                 {}
