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

package model

import "time"

// Credit transaction types. A transaction row is written once per ledger
// mutation and is never updated or deleted.
const (
	TransactionDeduction   = "DEDUCTION"
	TransactionRefund      = "REFUND"
	TransactionCreditAdded = "CREDIT_ADDED"
)

// CreditTransaction is an immutable, append-only ledger entry. The
// canonical read order is created_at descending.
type CreditTransaction struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	RelatedJobID  string    `json:"related_job_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	BalanceAfter  int64     `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}
