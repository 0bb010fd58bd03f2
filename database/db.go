/*
Copyright 2024 PixelMint Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"errors"
	"log"

	"github.com/lib/pq"

	"github.com/pixelmint/pixelmint/config"
	"github.com/pixelmint/pixelmint/internal/cache"
)

// Datasource is the Postgres-backed store. It is constructed once at the
// composition root and passed down explicitly; there is no package-level
// connection singleton.
type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := ConnectDB(configuration.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: con, Cache: newCache}, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	if err := createUserTable(db); err != nil {
		return nil, err
	}
	if err := createCreditTransactionTable(db); err != nil {
		return nil, err
	}
	if err := createProcessJobTable(db); err != nil {
		return nil, err
	}
	if err := createWebhookEventTable(db); err != nil {
		return nil, err
	}
	return db, nil
}

// postgresError unwraps a driver error into a *pq.Error when possible.
func postgresError(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr, true
	}
	return nil, false
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS pixelmint`)
	return err
}

// createUserTable creates a PostgreSQL table for the User struct. The
// balance check enforces the non-negative invariant even if a write path
// slips past the conditional deduct.
func createUserTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pixelmint.users (
			id SERIAL PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			available_balance BIGINT NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
			plan_id TEXT,
			subscription_status TEXT NOT NULL DEFAULT 'none',
			period_start TIMESTAMP,
			period_end TIMESTAMP,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		)
	`)
	return err
}

// createCreditTransactionTable creates the append-only ledger log.
func createCreditTransactionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pixelmint.credit_transactions (
			id SERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL REFERENCES pixelmint.users(user_id),
			type TEXT NOT NULL CHECK (type IN ('DEDUCTION', 'REFUND', 'CREDIT_ADDED')),
			amount BIGINT NOT NULL,
			related_job_id TEXT,
			reason TEXT,
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createProcessJobTable creates a PostgreSQL table for the ProcessJob struct.
func createProcessJobTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pixelmint.process_jobs (
			id SERIAL PRIMARY KEY,
			process_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL REFERENCES pixelmint.users(user_id),
			status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
			tool_name TEXT NOT NULL,
			category TEXT NOT NULL,
			credits_charged BIGINT NOT NULL DEFAULT 0,
			credits_refunded BOOLEAN NOT NULL DEFAULT FALSE,
			request JSONB NOT NULL,
			response JSONB,
			status_history JSONB NOT NULL DEFAULT '[]'::jsonb,
			last_webhook_id TEXT,
			processed_webhook_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createWebhookEventTable creates the idempotency guard table. The unique
// constraint on webhook_id is the atomic existence-check-then-insert.
func createWebhookEventTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pixelmint.webhook_events (
			id SERIAL PRIMARY KEY,
			webhook_id TEXT NOT NULL UNIQUE,
			process_id TEXT,
			received_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP NOT NULL
		)
	`)
	return err
}
