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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/config"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

// Only the holder of the token may touch the key. Both scripts return 1 on success.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	deleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeaseStore keeps each lease as a string key holding the owner token, with the lease TTL as
// the key expiry.
type RedisLeaseStore struct {
	log       logger.Logger
	address   string
	keyPrefix string
	client    redis.UniversalClient
}

func NewRedisLeaseStore(renewerCfg *config.RenewerConfiguration) *RedisLeaseStore {
	return &RedisLeaseStore{
		log:       configLogger(renewerCfg),
		address:   renewerCfg.RedisAddress,
		keyPrefix: renewerCfg.KeyPrefix,
	}
}

// WithClient is used to provide an existing Redis client
func (store *RedisLeaseStore) WithClient(client redis.UniversalClient) *RedisLeaseStore {
	store.client = client
	return store
}

// Init connects to RedisAddress unless a client was provided, and pings the server.
func (store *RedisLeaseStore) Init() error {
	if store.client == nil {
		if store.address == "" {
			return fmt.Errorf("redis lease store: no address configured")
		}
		store.log.Infof("Connecting to Redis at %s", store.address)
		store.client = redis.NewClient(&redis.Options{Addr: store.address})
	}

	if err := store.client.Ping(context.Background()).Err(); err != nil {
		store.log.Errorf("Failed to reach Redis for lease store: %+v", err)
		return err
	}
	return nil
}

// Close releases the Redis connections.
func (store *RedisLeaseStore) Close() error {
	if store.client == nil {
		return nil
	}
	return store.client.Close()
}

func (store *RedisLeaseStore) Acquire(ctx context.Context, key, token string, ttlMillis int64) (bool, error) {
	return store.client.SetNX(ctx, store.keyPrefix+key, token, time.Duration(ttlMillis)*time.Millisecond).Result()
}

func (store *RedisLeaseStore) TryExtend(ctx context.Context, key, token string, ttlMillis int64) ExtendResult {
	n, err := extendScript.Run(ctx, store.client, []string{store.keyPrefix + key}, token, ttlMillis).Int64()
	if err != nil {
		return StoreErrorResult(err)
	}
	if n != 1 {
		return NotOwnedResult()
	}
	return ExtendedResult()
}

func (store *RedisLeaseStore) RemainingTTL(ctx context.Context, key string) (int64, error) {
	ttl, err := store.client.PTTL(ctx, store.keyPrefix+key).Result()
	if err != nil {
		return 0, err
	}

	// -2: no such key, -1: key without expiry
	switch {
	case ttl == -2:
		return 0, ErrLeaseNotFound
	case ttl < 0:
		return 0, fmt.Errorf("%w: %s has no expiry", ErrInvalidLeaseStoreSchema, key)
	}
	return ttl.Milliseconds(), nil
}

func (store *RedisLeaseStore) Delete(ctx context.Context, key, token string) (bool, error) {
	n, err := deleteScript.Run(ctx, store.client, []string{store.keyPrefix + key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
