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

package pixelmint

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	redlock "github.com/pixelmint/pixelmint/internal/lock"
	"github.com/pixelmint/pixelmint/internal/notification"
	"github.com/pixelmint/pixelmint/model"
)

// CreateUser registers a new credit account and indexes it for search.
func (p *Pixelmint) CreateUser(ctx context.Context, usr model.User) (model.User, error) {
	ctx, span := tracer.Start(ctx, "CreateUser")
	defer span.End()

	created, err := p.datasource.CreateUser(ctx, usr)
	if err != nil {
		span.RecordError(err)
		return model.User{}, err
	}
	span.SetAttributes(attribute.String("user.id", created.UserID))

	if err := p.queue.queueIndexData(created.UserID, "users", created); err != nil {
		notification.NotifyError(err)
	}
	return created, nil
}

// GetUser retrieves a credit account by id.
func (p *Pixelmint) GetUser(ctx context.Context, userID string) (*model.User, error) {
	ctx, span := tracer.Start(ctx, "GetUser")
	defer span.End()
	return p.datasource.GetUser(ctx, userID)
}

// DeductCredits atomically charges a user's balance and appends a
// DEDUCTION entry to the ledger log. The balance row update is the
// atomicity boundary; the log write after it is best-effort and never
// rolls the charge back.
func (p *Pixelmint) DeductCredits(ctx context.Context, userID string, amount int64, relatedJobID, reason string) (*model.CreditTransaction, error) {
	ctx, span := tracer.Start(ctx, "DeductCredits")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("credits.amount", amount),
	)

	locker := redlock.NewUserLocker(p.redis, userID, model.GenerateUUIDWithSuffix("lock"))
	if err := locker.WaitLock(ctx, 30*time.Second, 10*time.Second); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.Errorf("failed to release user lock: %v", err)
		}
	}()

	newBalance, err := p.datasource.DeductBalance(ctx, userID, amount)
	if err != nil {
		span.SetStatus(codes.Error, "deduct failed")
		span.RecordError(err)
		return nil, err
	}

	txn := &model.CreditTransaction{
		UserID:       userID,
		Type:         model.TransactionDeduction,
		Amount:       amount,
		RelatedJobID: relatedJobID,
		Reason:       reason,
		BalanceAfter: newBalance,
	}
	p.recordLedgerEntry(ctx, txn)
	return txn, nil
}

// RefundCredits returns credits to a user and appends a REFUND entry.
// The caller is responsible for claiming the refund exactly once; this
// method applies it unconditionally.
func (p *Pixelmint) RefundCredits(ctx context.Context, userID string, amount int64, relatedJobID, reason string) (*model.CreditTransaction, error) {
	ctx, span := tracer.Start(ctx, "RefundCredits")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("credits.amount", amount),
	)

	newBalance, err := p.datasource.CreditBalance(ctx, userID, amount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	txn := &model.CreditTransaction{
		UserID:       userID,
		Type:         model.TransactionRefund,
		Amount:       amount,
		RelatedJobID: relatedJobID,
		Reason:       reason,
		BalanceAfter: newBalance,
	}
	p.recordLedgerEntry(ctx, txn)
	return txn, nil
}

// AddCredits grants purchased or plan credits to a user.
func (p *Pixelmint) AddCredits(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	ctx, span := tracer.Start(ctx, "AddCredits")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("credits.amount", amount),
	)

	newBalance, err := p.datasource.CreditBalance(ctx, userID, amount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	txn := &model.CreditTransaction{
		UserID:       userID,
		Type:         model.TransactionCreditAdded,
		Amount:       amount,
		Reason:       reason,
		BalanceAfter: newBalance,
	}
	p.recordLedgerEntry(ctx, txn)

	if err := SendWebhook(NewWebhook{Event: "credit.added", Payload: txn}); err != nil {
		notification.NotifyError(err)
	}
	return txn, nil
}

// GetCreditTransactions lists a user's ledger entries, newest first.
func (p *Pixelmint) GetCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	ctx, span := tracer.Start(ctx, "GetCreditTransactions")
	defer span.End()
	return p.datasource.GetCreditTransactions(ctx, userID, limit, offset)
}

// recordLedgerEntry persists a log entry and queues it for indexing. A
// failed log write is reported but does not undo the balance mutation
// it describes.
func (p *Pixelmint) recordLedgerEntry(ctx context.Context, txn *model.CreditTransaction) {
	recorded, err := p.datasource.RecordCreditTransaction(ctx, txn)
	if err != nil {
		logrus.Errorf("failed to record credit transaction for user %s: %v", txn.UserID, err)
		notification.NotifyError(err)
		return
	}
	if err := p.queue.queueIndexData(recorded.TransactionID, "credit_transactions", recorded); err != nil {
		notification.NotifyError(err)
	}
}
