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

// Subscription status values as reported by the billing provider.
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
	SubscriptionNone     = "none"
)

// Subscription is a snapshot of the user's billing subscription. It is
// only mutated by billing webhook handlers; the ledger never touches it.
type Subscription struct {
	PlanID      string    `json:"plan_id"`
	Status      string    `json:"status"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// User represents a credit account holder. AvailableBalance is an integer
// credit count and is kept non-negative by the store's conditional
// deduct. Users are never deleted, only soft-disabled.
type User struct {
	UserID           string                 `json:"user_id"`
	AvailableBalance int64                  `json:"available_balance"`
	Subscription     Subscription           `json:"subscription"`
	Disabled         bool                   `json:"disabled"`
	CreatedAt        time.Time              `json:"created_at"`
	MetaData         map[string]interface{} `json:"meta_data,omitempty"`
}
