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
// Package prometheus publishes renewer metrics to Prometheus.
package prometheus

import (
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmware/vmware-go-lease-renewer/logger"
)

// MonitoringService publishes renewer metrics to Prometheus.
// It might be tricky if the service onboarding with the renewer already uses Prometheus: pass its
// registry through WithRegistry so both share one /metrics endpoint.
type MonitoringService struct {
	listenAddress string
	namespace     string
	ownerID       string
	logger        logger.Logger
	registry      *prom.Registry
	server        *http.Server

	tasksScheduled *prom.CounterVec
	tasksRetired   *prom.CounterVec
	leaseRenewals  *prom.CounterVec
	renewalErrors  *prom.CounterVec
	renewalTime    *prom.HistogramVec
	tickTime       prom.Histogram
	dueTasks       prom.Histogram
	bucketDepth    *prom.GaugeVec
}

// NewMonitoringService returns a Monitoring service publishing metrics to Prometheus.
// An empty listenAddress registers the metrics without serving them.
func NewMonitoringService(listenAddress string, logger logger.Logger) *MonitoringService {
	return &MonitoringService{
		listenAddress: listenAddress,
		logger:        logger,
		registry:      prom.NewRegistry(),
	}
}

// WithRegistry registers the metrics in an existing registry instead of a private one.
func (p *MonitoringService) WithRegistry(registry *prom.Registry) *MonitoringService {
	p.registry = registry
	return p
}

// Registry returns the registry holding the renewer metrics.
func (p *MonitoringService) Registry() *prom.Registry {
	return p.registry
}

func (p *MonitoringService) Init(appName, ownerID string) error {
	p.namespace = appName
	p.ownerID = ownerID

	p.tasksScheduled = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_renew_tasks_scheduled`,
		Help: "Number of renew tasks added to the timer wheel",
	}, []string{"owner"})
	p.tasksRetired = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_renew_tasks_retired`,
		Help: "Number of renew tasks removed from the timer wheel",
	}, []string{"owner", "reason"})
	p.leaseRenewals = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_lease_renewals`,
		Help: "The number of successful lease renewals",
	}, []string{"owner", "leaseKey"})
	p.renewalErrors = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_lease_renewal_errors`,
		Help: "The number of renewals that failed with a store error",
	}, []string{"owner", "leaseKey"})
	p.renewalTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name: p.namespace + `_renewal_duration_seconds`,
		Help: "The time taken by one conditional extension against the store",
	}, []string{"owner"})
	p.tickTime = prom.NewHistogram(prom.HistogramOpts{
		Name: p.namespace + `_tick_duration_seconds`,
		Help: "The time taken to drain one bucket of the timer wheel",
	})
	p.dueTasks = prom.NewHistogram(prom.HistogramOpts{
		Name:    p.namespace + `_tick_due_tasks`,
		Help:    "The number of tasks fired by one tick",
		Buckets: prom.ExponentialBuckets(1, 2, 12),
	})
	p.bucketDepth = prom.NewGaugeVec(prom.GaugeOpts{
		Name: p.namespace + `_bucket_depth`,
		Help: "The number of tasks left in a bucket after it was drained",
	}, []string{"bucket"})

	metrics := []prom.Collector{
		p.tasksScheduled,
		p.tasksRetired,
		p.leaseRenewals,
		p.renewalErrors,
		p.renewalTime,
		p.tickTime,
		p.dueTasks,
		p.bucketDepth,
	}
	for _, metric := range metrics {
		err := p.registry.Register(metric)
		if err != nil {
			return err
		}
	}

	return nil
}

// Handler serves the registry in the Prometheus text format.
func (p *MonitoringService) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *MonitoringService) Start() error {
	if p.listenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	p.server = &http.Server{Addr: p.listenAddress, Handler: mux}

	go func() {
		p.logger.Infof("Starting Prometheus listener on %s", p.listenAddress)
		err := p.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			p.logger.Errorf("Error starting Prometheus metrics endpoint. %+v", err)
		}
		p.logger.Infof("Stopped metrics server")
	}()

	return nil
}

func (p *MonitoringService) Shutdown() {
	if p.server != nil {
		_ = p.server.Close()
	}
}

func (p *MonitoringService) TaskScheduled(leaseKey string) {
	p.tasksScheduled.With(prom.Labels{"owner": p.ownerID}).Inc()
}

func (p *MonitoringService) TaskRetired(leaseKey, reason string) {
	p.tasksRetired.With(prom.Labels{"owner": p.ownerID, "reason": reason}).Inc()
}

func (p *MonitoringService) LeaseRenewed(leaseKey string) {
	p.leaseRenewals.With(prom.Labels{"owner": p.ownerID, "leaseKey": leaseKey}).Inc()
}

func (p *MonitoringService) RenewalFailed(leaseKey string) {
	p.renewalErrors.With(prom.Labels{"owner": p.ownerID, "leaseKey": leaseKey}).Inc()
}

func (p *MonitoringService) RecordRenewalTime(leaseKey string, millis float64) {
	p.renewalTime.With(prom.Labels{"owner": p.ownerID}).Observe(millis / 1000)
}

func (p *MonitoringService) RecordTickTime(millis float64, due int) {
	p.tickTime.Observe(millis / 1000)
	p.dueTasks.Observe(float64(due))
}

func (p *MonitoringService) BucketDepth(bucket int, depth int) {
	p.bucketDepth.With(prom.Labels{"bucket": strconv.Itoa(bucket)}).Set(float64(depth))
}
