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
	"fmt"
	"log"
	"time"

	"github.com/pixelmint/pixelmint/internal/apierror"
	"github.com/pixelmint/pixelmint/model"
)

// RecordCreditTransaction appends one immutable entry to the ledger log.
func (d Datasource) RecordCreditTransaction(ctx context.Context, txn *model.CreditTransaction) (*model.CreditTransaction, error) {
	if txn.TransactionID == "" {
		txn.TransactionID = model.GenerateUUIDWithSuffix("txn")
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO pixelmint.credit_transactions (transaction_id, user_id, type, amount, related_job_id, reason, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.TransactionID, txn.UserID, txn.Type, txn.Amount, txn.RelatedJobID, txn.Reason, txn.BalanceAfter, txn.CreatedAt)
	if err != nil {
		pqErr, ok := postgresError(err)
		if ok && pqErr.Code == "23505" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction with ID '%s' already exists", txn.TransactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to record credit transaction", err)
	}
	return txn, nil
}

// GetCreditTransactions returns a user's ledger entries, newest first.
// Pages are cached briefly; entries are append-only so a stale page can
// only be missing the newest entries, never wrong about existing ones.
func (d Datasource) GetCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, error) {
	cacheKey := fmt.Sprintf("credit_transactions:%s:%d:%d", userID, limit, offset)

	var cached []model.CreditTransaction
	if d.Cache != nil {
		err := d.Cache.Get(ctx, cacheKey, &cached)
		if err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	rows, err := d.Conn.QueryContext(ctx,
		`SELECT transaction_id, user_id, type, amount, related_job_id, reason, balance_after, created_at
		 FROM pixelmint.credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve credit transactions", err)
	}
	defer rows.Close()

	transactions := []model.CreditTransaction{}
	for rows.Next() {
		txn := model.CreditTransaction{}
		err := rows.Scan(&txn.TransactionID, &txn.UserID, &txn.Type, &txn.Amount, &txn.RelatedJobID, &txn.Reason, &txn.BalanceAfter, &txn.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan credit transaction", err)
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "error iterating credit transactions", err)
	}

	if d.Cache != nil && len(transactions) > 0 {
		if err := d.Cache.Set(ctx, cacheKey, transactions, 5*time.Minute); err != nil {
			log.Printf("Failed to cache credit transactions: %v", err)
		}
	}

	return transactions, nil
}
