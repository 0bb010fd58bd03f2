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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pixelmint/pixelmint/internal/apierror"
	"github.com/pixelmint/pixelmint/model"
)

// CreateUser inserts a new user record into the database.
func (d Datasource) CreateUser(ctx context.Context, usr model.User) (model.User, error) {
	metaDataJSON, err := json.Marshal(usr.MetaData)
	if err != nil {
		return usr, apierror.NewAPIError(apierror.ErrInternalServer, "failed to marshal metadata", err)
	}

	usr.CreatedAt = time.Now()
	if usr.Subscription.Status == "" {
		usr.Subscription.Status = model.SubscriptionNone
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO pixelmint.users (user_id, available_balance, plan_id, subscription_status, period_start, period_end, disabled, created_at, meta_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		usr.UserID, usr.AvailableBalance, usr.Subscription.PlanID, usr.Subscription.Status,
		nullableTime(usr.Subscription.PeriodStart), nullableTime(usr.Subscription.PeriodEnd),
		usr.Disabled, usr.CreatedAt, metaDataJSON)
	if err != nil {
		pqErr, ok := postgresError(err)
		if ok && pqErr.Code == "23505" {
			return usr, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("User with ID '%s' already exists", usr.UserID), err)
		}
		return usr, apierror.NewAPIError(apierror.ErrInternalServer, "failed to create user", err)
	}
	return usr, nil
}

// GetUser retrieves a user by its external id.
func (d Datasource) GetUser(ctx context.Context, userID string) (*model.User, error) {
	row := d.Conn.QueryRowContext(ctx,
		`SELECT user_id, available_balance, plan_id, subscription_status, period_start, period_end, disabled, created_at, meta_data
		 FROM pixelmint.users WHERE user_id = $1`, userID)

	usr := model.User{}
	var planID sql.NullString
	var periodStart, periodEnd sql.NullTime
	var metaDataJSON []byte
	err := row.Scan(&usr.UserID, &usr.AvailableBalance, &planID, &usr.Subscription.Status,
		&periodStart, &periodEnd, &usr.Disabled, &usr.CreatedAt, &metaDataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("User with ID '%s' not found", userID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve user", err)
	}
	usr.Subscription.PlanID = planID.String
	if periodStart.Valid {
		usr.Subscription.PeriodStart = periodStart.Time
	}
	if periodEnd.Valid {
		usr.Subscription.PeriodEnd = periodEnd.Time
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &usr.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to unmarshal metadata", err)
		}
	}
	return &usr, nil
}

// DeductBalance decrements the balance in a single conditional update.
// The WHERE clause is the atomicity guarantee: a row only updates when
// the current balance covers the amount and the account is enabled, so
// concurrent deducts can never drive the balance negative.
func (d Datasource) DeductBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, "deduction amount must be positive", nil)
	}

	var newBalance int64
	err := d.Conn.QueryRowContext(ctx,
		`UPDATE pixelmint.users
		 SET available_balance = available_balance - $2
		 WHERE user_id = $1 AND available_balance >= $2 AND disabled = FALSE
		 RETURNING available_balance`,
		userID, amount).Scan(&newBalance)
	if err == nil {
		return newBalance, nil
	}
	if err != sql.ErrNoRows {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to deduct balance", err)
	}

	// Zero rows: either the user does not exist, is disabled, or cannot
	// cover the amount. A follow-up read disambiguates.
	usr, getErr := d.GetUser(ctx, userID)
	if getErr != nil {
		return 0, getErr
	}
	if usr.Disabled {
		return 0, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("User '%s' is disabled", userID), nil)
	}
	return 0, apierror.NewAPIError(apierror.ErrInsufficientCredits,
		fmt.Sprintf("Insufficient credits: balance %d, required %d", usr.AvailableBalance, amount), nil)
}

// CreditBalance increments the balance unconditionally and returns the
// new value. Used for refunds and purchased credit.
func (d Datasource) CreditBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, "credit amount must be positive", nil)
	}

	var newBalance int64
	err := d.Conn.QueryRowContext(ctx,
		`UPDATE pixelmint.users
		 SET available_balance = available_balance + $2
		 WHERE user_id = $1
		 RETURNING available_balance`,
		userID, amount).Scan(&newBalance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("User with ID '%s' not found", userID), err)
		}
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "failed to credit balance", err)
	}
	return newBalance, nil
}

// UpdateSubscription overwrites the subscription snapshot for a user.
func (d Datasource) UpdateSubscription(ctx context.Context, userID string, sub model.Subscription) error {
	result, err := d.Conn.ExecContext(ctx,
		`UPDATE pixelmint.users
		 SET plan_id = $2, subscription_status = $3, period_start = $4, period_end = $5
		 WHERE user_id = $1`,
		userID, sub.PlanID, sub.Status, nullableTime(sub.PeriodStart), nullableTime(sub.PeriodEnd))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update subscription", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update subscription", err)
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("User with ID '%s' not found", userID), nil)
	}
	return nil
}

// DisableUser soft-disables an account. Disabled users keep their balance
// but fail all deduct attempts.
func (d Datasource) DisableUser(ctx context.Context, userID string) error {
	result, err := d.Conn.ExecContext(ctx,
		`UPDATE pixelmint.users SET disabled = TRUE WHERE user_id = $1`, userID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to disable user", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to disable user", err)
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("User with ID '%s' not found", userID), nil)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
