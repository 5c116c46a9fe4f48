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
// Package cloudwatch publishes renewer metrics to AWS CloudWatch.
package cloudwatch

import (
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	cwatch "github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"

	"github.com/vmware/vmware-go-lease-renewer/logger"
)

// DefaultResolutionSec is how often buffered metrics are sent when no resolution is given.
const DefaultResolutionSec = 60

// MonitoringService buffers renewer metrics in memory and sends them to CloudWatch once per
// resolution period.
type MonitoringService struct {
	appName     string
	ownerID     string
	region      string
	credentials *credentials.Credentials
	logger      logger.Logger

	// What granularity we should send metrics to CW at. Note setting this to 1 will cost quite a bit of money
	resolution time.Duration

	svc  cloudwatchiface.CloudWatchAPI
	stop chan struct{}
	done chan struct{}

	sync.Mutex
	tasksScheduled int64
	tasksRetired   int64
	leaseRenewals  int64
	renewalErrors  int64
	renewalTime    []float64
	tickTime       []float64
	dueTasks       []float64
	maxBucketDepth int64
}

// NewMonitoringService returns a Monitoring service publishing metrics to CloudWatch.
func NewMonitoringService(region string, creds *credentials.Credentials, resolutionSec int, logger logger.Logger) *MonitoringService {
	if resolutionSec <= 0 {
		resolutionSec = DefaultResolutionSec
	}
	return &MonitoringService{
		region:      region,
		credentials: creds,
		resolution:  time.Duration(resolutionSec) * time.Second,
		logger:      logger,
	}
}

// WithCloudWatchAPI sets the CloudWatch client instead of building one from a session in Init.
func (cw *MonitoringService) WithCloudWatchAPI(svc cloudwatchiface.CloudWatchAPI) *MonitoringService {
	cw.svc = svc
	return cw
}

func (cw *MonitoringService) Init(appName, ownerID string) error {
	cw.appName = appName
	cw.ownerID = ownerID

	if cw.svc != nil {
		return nil
	}

	cfg := &aws.Config{Region: aws.String(cw.region)}
	if cw.credentials != nil {
		cfg.Credentials = cw.credentials
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		cw.logger.Errorf("Failed in getting CloudWatch session for metrics. %+v", err)
		return err
	}

	cw.svc = cwatch.New(sess)
	return nil
}

func (cw *MonitoringService) Start() error {
	cw.stop = make(chan struct{})
	cw.done = make(chan struct{})
	go cw.flushDaemon()
	return nil
}

// Shutdown stops the flush loop and sends what is still buffered.
func (cw *MonitoringService) Shutdown() {
	if cw.stop == nil {
		return
	}
	close(cw.stop)
	<-cw.done
	cw.stop = nil

	if err := cw.flush(); err != nil {
		cw.logger.Errorf("Error sending metrics to CloudWatch. %+v", err)
	}
}

func (cw *MonitoringService) flushDaemon() {
	defer close(cw.done)

	ticker := time.NewTicker(cw.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-cw.stop:
			return
		case <-ticker.C:
			if err := cw.flush(); err != nil {
				cw.logger.Errorf("Error sending metrics to CloudWatch. %+v", err)
			}
		}
	}
}

func (cw *MonitoringService) flush() error {
	cw.Lock()
	defer cw.Unlock()

	dimensions := []*cwatch.Dimension{
		{
			Name:  aws.String("ApplicationName"),
			Value: aws.String(cw.appName),
		},
		{
			Name:  aws.String("OwnerID"),
			Value: aws.String(cw.ownerID),
		},
	}
	metricTimestamp := time.Now()

	_, err := cw.svc.PutMetricData(&cwatch.PutMetricDataInput{
		Namespace: aws.String(cw.appName),
		MetricData: []*cwatch.MetricDatum{
			countDatum("RenewTask.Scheduled", cw.tasksScheduled, dimensions, metricTimestamp),
			countDatum("RenewTask.Retired", cw.tasksRetired, dimensions, metricTimestamp),
			countDatum("RenewLease.Success", cw.leaseRenewals, dimensions, metricTimestamp),
			countDatum("RenewLease.Failure", cw.renewalErrors, dimensions, metricTimestamp),
			countDatum("Wheel.MaxBucketDepth", cw.maxBucketDepth, dimensions, metricTimestamp),
			statisticDatum("RenewLease.Time", "Milliseconds", cw.renewalTime, dimensions, metricTimestamp),
			statisticDatum("Wheel.Tick.Time", "Milliseconds", cw.tickTime, dimensions, metricTimestamp),
			statisticDatum("Wheel.Tick.DueTasks", "Count", cw.dueTasks, dimensions, metricTimestamp),
		},
	})
	if err == nil {
		cw.tasksScheduled = 0
		cw.tasksRetired = 0
		cw.leaseRenewals = 0
		cw.renewalErrors = 0
		cw.maxBucketDepth = 0
		cw.renewalTime = []float64{}
		cw.tickTime = []float64{}
		cw.dueTasks = []float64{}
	}
	return err
}

func (cw *MonitoringService) TaskScheduled(leaseKey string) {
	cw.Lock()
	defer cw.Unlock()
	cw.tasksScheduled++
}

func (cw *MonitoringService) TaskRetired(leaseKey, reason string) {
	cw.Lock()
	defer cw.Unlock()
	cw.tasksRetired++
}

func (cw *MonitoringService) LeaseRenewed(leaseKey string) {
	cw.Lock()
	defer cw.Unlock()
	cw.leaseRenewals++
}

func (cw *MonitoringService) RenewalFailed(leaseKey string) {
	cw.Lock()
	defer cw.Unlock()
	cw.renewalErrors++
}

func (cw *MonitoringService) RecordRenewalTime(leaseKey string, millis float64) {
	cw.Lock()
	defer cw.Unlock()
	cw.renewalTime = append(cw.renewalTime, millis)
}

func (cw *MonitoringService) RecordTickTime(millis float64, due int) {
	cw.Lock()
	defer cw.Unlock()
	cw.tickTime = append(cw.tickTime, millis)
	cw.dueTasks = append(cw.dueTasks, float64(due))
}

func (cw *MonitoringService) BucketDepth(bucket int, depth int) {
	cw.Lock()
	defer cw.Unlock()
	if int64(depth) > cw.maxBucketDepth {
		cw.maxBucketDepth = int64(depth)
	}
}

func countDatum(name string, value int64, dimensions []*cwatch.Dimension, ts time.Time) *cwatch.MetricDatum {
	return &cwatch.MetricDatum{
		Dimensions: dimensions,
		MetricName: aws.String(name),
		Unit:       aws.String("Count"),
		Timestamp:  aws.Time(ts),
		Value:      aws.Float64(float64(value)),
	}
}

func statisticDatum(name, unit string, samples []float64, dimensions []*cwatch.Dimension, ts time.Time) *cwatch.MetricDatum {
	return &cwatch.MetricDatum{
		Dimensions: dimensions,
		MetricName: aws.String(name),
		Unit:       aws.String(unit),
		Timestamp:  aws.Time(ts),
		StatisticValues: &cwatch.StatisticSet{
			SampleCount: aws.Float64(float64(len(samples))),
			Sum:         sumFloat64(samples),
			Maximum:     maxFloat64(samples),
			Minimum:     minFloat64(samples),
		},
	}
}

func sumFloat64(slice []float64) *float64 {
	sum := float64(0)
	for _, num := range slice {
		sum += num
	}
	return &sum
}

func maxFloat64(slice []float64) *float64 {
	if len(slice) < 1 {
		return aws.Float64(0)
	}
	max := slice[0]
	for _, num := range slice {
		if num > max {
			max = num
		}
	}
	return &max
}

func minFloat64(slice []float64) *float64 {
	if len(slice) < 1 {
		return aws.Float64(0)
	}
	min := slice[0]
	for _, num := range slice {
		if num < min {
			min = num
		}
	}
	return &min
}
