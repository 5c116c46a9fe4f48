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
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/juju/clock"
	"github.com/matryer/try"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/config"
	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/utils"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

const (
	LeaseKeyKey     = "LeaseKey"
	LeaseOwnerKey   = "AssignedTo"
	LeaseTimeoutKey = "LeaseTimeout"

	// NumMaxRetries is the max times of doing retry
	NumMaxRetries = 10
)

// DynamoLeaseStore implements LeaseStore using DynamoDB as a backend. LeaseTimeout holds the
// expiry as unix milliseconds so that conditions can compare it with the current time.
type DynamoLeaseStore struct {
	log                     logger.Logger
	clock                   clock.Clock
	TableName               string
	leaseTableReadCapacity  int64
	leaseTableWriteCapacity int64

	svc          dynamodbiface.DynamoDBAPI
	renewerCfg   *config.RenewerConfiguration
	Retries      int
	retryBackoff time.Duration
}

func NewDynamoLeaseStore(renewerCfg *config.RenewerConfiguration) *DynamoLeaseStore {
	return &DynamoLeaseStore{
		log:                     configLogger(renewerCfg),
		clock:                   configClock(renewerCfg),
		TableName:               renewerCfg.TableName,
		leaseTableReadCapacity:  int64(renewerCfg.InitialLeaseTableReadCapacity),
		leaseTableWriteCapacity: int64(renewerCfg.InitialLeaseTableWriteCapacity),
		renewerCfg:              renewerCfg,
		Retries:                 NumMaxRetries,
		retryBackoff:            100 * time.Millisecond,
	}
}

// WithDynamoDB is used to provide DynamoDB service
func (store *DynamoLeaseStore) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoLeaseStore {
	store.svc = svc
	return store
}

// Init creates the DynamoDB client unless one was provided and makes sure the lease table exists.
func (store *DynamoLeaseStore) Init() error {
	if store.svc == nil {
		store.log.Infof("Creating DynamoDB session")

		s, err := session.NewSession(&aws.Config{
			Region:      aws.String(store.renewerCfg.RegionName),
			Endpoint:    aws.String(store.renewerCfg.DynamoDBEndpoint),
			Credentials: store.renewerCfg.DynamoDBCredentials,
			Retryer: client.DefaultRetryer{
				NumMaxRetries:    store.Retries,
				MinRetryDelay:    client.DefaultRetryerMinRetryDelay,
				MinThrottleDelay: client.DefaultRetryerMinThrottleDelay,
				MaxRetryDelay:    client.DefaultRetryerMaxRetryDelay,
				MaxThrottleDelay: client.DefaultRetryerMaxRetryDelay,
			},
		})
		if err != nil {
			store.log.Errorf("Failed in getting DynamoDB session for lease store: %+v", err)
			return err
		}
		store.svc = dynamodb.New(s)
	}

	if !store.doesTableExist() {
		store.log.Infof("Creating lease table %s", store.TableName)
		return store.createTable()
	}
	return nil
}

// Acquire writes the lease when nobody holds it, the previous lease expired, or token already owns it.
func (store *DynamoLeaseStore) Acquire(ctx context.Context, key, token string, ttlMillis int64) (bool, error) {
	now := store.clock.Now()
	input := &dynamodb.PutItemInput{
		TableName: aws.String(store.TableName),
		Item: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {
				S: aws.String(key),
			},
			LeaseOwnerKey: {
				S: aws.String(token),
			},
			LeaseTimeoutKey: {
				N: aws.String(millisString(now.Add(time.Duration(ttlMillis) * time.Millisecond))),
			},
		},
		ConditionExpression: aws.String("attribute_not_exists(" + LeaseKeyKey + ") OR " +
			LeaseTimeoutKey + " <= :now OR " + LeaseOwnerKey + " = :owner"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now": {
				N: aws.String(millisString(now)),
			},
			":owner": {
				S: aws.String(token),
			},
		},
	}

	err := store.withRetry(ctx, func() error {
		_, err := store.svc.PutItemWithContext(ctx, input)
		return err
	})
	if err != nil {
		if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			store.log.Debugf("Lease %s is held by another owner", key)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TryExtend pushes LeaseTimeout forward if token still owns a live lease. It makes exactly one
// UpdateItem call: retrying a failed renewal is up to the scheduler.
func (store *DynamoLeaseStore) TryExtend(ctx context.Context, key, token string, ttlMillis int64) ExtendResult {
	now := store.clock.Now()
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(store.TableName),
		Key: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {
				S: aws.String(key),
			},
		},
		UpdateExpression:    aws.String("SET " + LeaseTimeoutKey + " = :lease_timeout"),
		ConditionExpression: aws.String(LeaseOwnerKey + " = :owner AND " + LeaseTimeoutKey + " > :now"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":lease_timeout": {
				N: aws.String(millisString(now.Add(time.Duration(ttlMillis) * time.Millisecond))),
			},
			":owner": {
				S: aws.String(token),
			},
			":now": {
				N: aws.String(millisString(now)),
			},
		},
	}

	_, err := store.svc.UpdateItemWithContext(ctx, input)
	if err != nil {
		if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			return NotOwnedResult()
		}
		return StoreErrorResult(err)
	}
	return ExtendedResult()
}

// RemainingTTL reads the lease with a consistent read.
func (store *DynamoLeaseStore) RemainingTTL(ctx context.Context, key string) (int64, error) {
	var item *dynamodb.GetItemOutput
	err := store.withRetry(ctx, func() error {
		var err error
		item, err = store.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(store.TableName),
			ConsistentRead: aws.Bool(true),
			Key: map[string]*dynamodb.AttributeValue{
				LeaseKeyKey: {
					S: aws.String(key),
				},
			},
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	if item == nil || len(item.Item) == 0 {
		return 0, ErrLeaseNotFound
	}

	timeout, ok := item.Item[LeaseTimeoutKey]
	if !ok || timeout.N == nil {
		return 0, ErrInvalidLeaseStoreSchema
	}
	expiresAt, err := strconv.ParseInt(aws.StringValue(timeout.N), 10, 64)
	if err != nil {
		return 0, ErrInvalidLeaseStoreSchema
	}

	remaining := expiresAt - toMillis(store.clock.Now())
	if remaining <= 0 {
		return 0, ErrLeaseNotFound
	}
	return remaining, nil
}

// Delete removes the lease if token owns it.
func (store *DynamoLeaseStore) Delete(ctx context.Context, key, token string) (bool, error) {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(store.TableName),
		Key: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {
				S: aws.String(key),
			},
		},
		ConditionExpression: aws.String(LeaseOwnerKey + " = :owner"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {
				S: aws.String(token),
			},
		},
	}

	err := store.withRetry(ctx, func() error {
		_, err := store.svc.DeleteItemWithContext(ctx, input)
		return err
	})
	if err != nil {
		if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			return false, nil
		}
		store.log.Errorf("Error in removing lease %s, Error: %+v", key, err)
		return false, err
	}
	store.log.Debugf("Lease %s has been removed.", key)
	return true, nil
}

func (store *DynamoLeaseStore) createTable() error {
	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(LeaseKeyKey),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(LeaseKeyKey),
				KeyType:       aws.String("HASH"),
			},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(store.leaseTableReadCapacity),
			WriteCapacityUnits: aws.Int64(store.leaseTableWriteCapacity),
		},
		TableName: aws.String(store.TableName),
	}
	_, err := store.svc.CreateTable(input)
	return err
}

func (store *DynamoLeaseStore) doesTableExist() bool {
	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(store.TableName),
	}
	_, err := store.svc.DescribeTable(input)
	return err == nil
}

// withRetry retries throttled and internal errors with exponential backoff.
func (store *DynamoLeaseStore) withRetry(ctx context.Context, op func() error) error {
	return try.Do(func(attempt int) (bool, error) {
		err := op()
		code := utils.AWSErrCode(err)
		if (code == dynamodb.ErrCodeProvisionedThroughputExceededException ||
			code == dynamodb.ErrCodeInternalServerError) && attempt < store.Retries {
			// Backoff time as recommended by https://docs.aws.amazon.com/general/latest/gr/api-retries.html
			backoff := time.Duration(math.Exp2(float64(attempt))) * store.retryBackoff
			select {
			case <-ctx.Done():
				return false, err
			case <-store.clock.After(backoff):
			}
			return true, err
		}
		return false, err
	})
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func millisString(t time.Time) string {
	return strconv.FormatInt(toMillis(t), 10)
}
