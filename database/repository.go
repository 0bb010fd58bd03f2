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
	"context"

	"github.com/pixelmint/pixelmint/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	user
	creditTransaction
	processJob
	webhookGuard
}

// user defines methods for handling users and their credit balances.
type user interface {
	CreateUser(ctx context.Context, usr model.User) (model.User, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	// DeductBalance atomically decrements the balance iff it covers amount.
	// Returns the new balance; sql.ErrNoRows-backed not-found and
	// insufficient-credit conditions surface as typed API errors.
	DeductBalance(ctx context.Context, userID string, amount int64) (int64, error)
	// CreditBalance unconditionally increments the balance and returns the
	// new value.
	CreditBalance(ctx context.Context, userID string, amount int64) (int64, error)
	UpdateSubscription(ctx context.Context, userID string, sub model.Subscription) error
	DisableUser(ctx context.Context, userID string) error
}

// creditTransaction defines methods for the append-only ledger log.
type creditTransaction interface {
	RecordCreditTransaction(ctx context.Context, txn *model.CreditTransaction) (*model.CreditTransaction, error)
	GetCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error)
}

// processJob defines methods for the job record store.
type processJob interface {
	CreateJob(ctx context.Context, job *model.ProcessJob) (*model.ProcessJob, error)
	GetJob(ctx context.Context, processID string) (*model.ProcessJob, error)
	GetJobsByUser(ctx context.Context, userID string, limit, offset int) ([]model.ProcessJob, error)
	// TransitionJob applies a conditional single-row status update. It
	// returns refundDue=true iff this call claimed the refund flag; losers
	// of a concurrent race get zero rows and a typed error. A non-empty
	// webhookID is recorded on the job in the same statement.
	TransitionJob(ctx context.Context, processID, newStatus string, response *model.GenerationResponse, webhookID, note string) (*model.ProcessJob, bool, error)
}

// webhookGuard defines the bounded-lifetime webhook dedup store.
type webhookGuard interface {
	// InsertWebhookEvent inserts the delivery id with an expiry. Returns
	// false when the id already exists (duplicate delivery, not an error).
	InsertWebhookEvent(ctx context.Context, webhookID, processID string, ttlHours int) (bool, error)
	DeleteWebhookEvent(ctx context.Context, webhookID string) error
	DeleteExpiredWebhookEvents(ctx context.Context) (int64, error)
}
