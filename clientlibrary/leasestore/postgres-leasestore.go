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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/config"
	"github.com/vmware/vmware-go-lease-renewer/logger"
)

// pgxQuerier is the part of *pgxpool.Pool the store needs.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLeaseStore keeps leases as rows of (lease_key, owner, expires_at). Expiry is compared
// with the renewer clock, passed as a parameter, so every owner must run with synchronized clocks.
type PostgresLeaseStore struct {
	log   logger.Logger
	clock clock.Clock
	dsn   string
	table string

	pool *pgxpool.Pool
	db   pgxQuerier

	createSQL  string
	acquireSQL string
	extendSQL  string
	selectSQL  string
	deleteSQL  string
}

func NewPostgresLeaseStore(renewerCfg *config.RenewerConfiguration) *PostgresLeaseStore {
	table := pgx.Identifier{renewerCfg.PostgresTableName}.Sanitize()
	return &PostgresLeaseStore{
		log:   configLogger(renewerCfg),
		clock: configClock(renewerCfg),
		dsn:   renewerCfg.PostgresDSN,
		table: table,

		createSQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	lease_key  TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, table),
		acquireSQL: fmt.Sprintf(`INSERT INTO %[1]s (lease_key, owner, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (lease_key) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE %[1]s.expires_at <= $4 OR %[1]s.owner = EXCLUDED.owner`, table),
		extendSQL: fmt.Sprintf(`UPDATE %s SET expires_at = $3
WHERE lease_key = $1 AND owner = $2 AND expires_at > $4`, table),
		selectSQL: fmt.Sprintf(`SELECT expires_at FROM %s WHERE lease_key = $1`, table),
		deleteSQL: fmt.Sprintf(`DELETE FROM %s WHERE lease_key = $1 AND owner = $2`, table),
	}
}

// WithPool is used to provide an existing connection pool
func (store *PostgresLeaseStore) WithPool(pool *pgxpool.Pool) *PostgresLeaseStore {
	store.pool = pool
	store.db = pool
	return store
}

func (store *PostgresLeaseStore) withQuerier(db pgxQuerier) *PostgresLeaseStore {
	store.db = db
	return store
}

// Init opens the pool unless one was provided and creates the lease table.
func (store *PostgresLeaseStore) Init() error {
	ctx := context.Background()

	if store.db == nil {
		cfg, err := pgxpool.ParseConfig(store.dsn)
		if err != nil {
			return fmt.Errorf("parse postgres dsn: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		store.pool = pool
		store.db = pool
	}

	if _, err := store.db.Exec(ctx, store.createSQL); err != nil {
		store.log.Errorf("Failed to create lease table %s: %+v", store.table, err)
		return err
	}
	return nil
}

// Close closes the pool.
func (store *PostgresLeaseStore) Close() {
	if store.pool != nil {
		store.pool.Close()
	}
}

func (store *PostgresLeaseStore) Acquire(ctx context.Context, key, token string, ttlMillis int64) (bool, error) {
	now := store.clock.Now().UTC()
	tag, err := store.db.Exec(ctx, store.acquireSQL, key, token, now.Add(time.Duration(ttlMillis)*time.Millisecond), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *PostgresLeaseStore) TryExtend(ctx context.Context, key, token string, ttlMillis int64) ExtendResult {
	now := store.clock.Now().UTC()
	tag, err := store.db.Exec(ctx, store.extendSQL, key, token, now.Add(time.Duration(ttlMillis)*time.Millisecond), now)
	if err != nil {
		return StoreErrorResult(err)
	}
	if tag.RowsAffected() != 1 {
		return NotOwnedResult()
	}
	return ExtendedResult()
}

func (store *PostgresLeaseStore) RemainingTTL(ctx context.Context, key string) (int64, error) {
	var expiresAt time.Time
	err := store.db.QueryRow(ctx, store.selectSQL, key).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrLeaseNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read lease %s: %w", key, err)
	}

	remaining := expiresAt.Sub(store.clock.Now()).Milliseconds()
	if remaining <= 0 {
		return 0, ErrLeaseNotFound
	}
	return remaining, nil
}

func (store *PostgresLeaseStore) Delete(ctx context.Context, key, token string) (bool, error) {
	tag, err := store.db.Exec(ctx, store.deleteSQL, key, token)
	if err != nil {
		return false, fmt.Errorf("delete lease %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
