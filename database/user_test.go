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
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/pixelmint/pixelmint/internal/apierror"
	"github.com/pixelmint/pixelmint/model"
)

func TestCreateUser_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	usr := model.User{
		UserID:           "usr_123",
		AvailableBalance: 100,
		MetaData:         map[string]interface{}{"plan": "starter"},
	}

	metaDataJSON, err := json.Marshal(usr.MetaData)
	assert.NoError(t, err)

	mock.ExpectExec("INSERT INTO pixelmint.users").
		WithArgs(usr.UserID, usr.AvailableBalance, "", model.SubscriptionNone, nil, nil, false, sqlmock.AnyArg(), metaDataJSON).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.CreateUser(context.Background(), usr)
	assert.NoError(t, err)
	assert.Equal(t, usr.UserID, created.UserID)
	assert.Equal(t, model.SubscriptionNone, created.Subscription.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUser_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM pixelmint.users WHERE user_id =").
		WithArgs("usr_missing").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	usr, err := ds.GetUser(context.Background(), "usr_missing")
	assert.Nil(t, usr)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductBalance_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(40)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(int64(60)))

	newBalance, err := ds.DeductBalance(context.Background(), "usr_123", 40)
	assert.NoError(t, err)
	assert.Equal(t, int64(60), newBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductBalance_InsufficientCredits(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	// Conditional update matches no row, then the follow-up read finds an
	// enabled user whose balance cannot cover the amount.
	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}))

	mock.ExpectQuery("SELECT .* FROM pixelmint.users WHERE user_id =").
		WithArgs("usr_123").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "available_balance", "plan_id", "subscription_status", "period_start", "period_end", "disabled", "created_at", "meta_data"}).
			AddRow("usr_123", int64(100), nil, model.SubscriptionActive, nil, nil, false, time.Now(), nil))

	newBalance, err := ds.DeductBalance(context.Background(), "usr_123", 500)
	assert.Error(t, err)
	assert.Equal(t, int64(0), newBalance)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInsufficientCredits, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductBalance_DisabledUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_off", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}))

	mock.ExpectQuery("SELECT .* FROM pixelmint.users WHERE user_id =").
		WithArgs("usr_off").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "available_balance", "plan_id", "subscription_status", "period_start", "period_end", "disabled", "created_at", "meta_data"}).
			AddRow("usr_off", int64(1000), nil, model.SubscriptionActive, nil, nil, true, time.Now(), nil))

	_, err = ds.DeductBalance(context.Background(), "usr_off", 10)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrBadRequest, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductBalance_RejectsNonPositiveAmount(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	_, err = ds.DeductBalance(context.Background(), "usr_123", 0)
	assert.Error(t, err)
	_, err = ds.DeductBalance(context.Background(), "usr_123", -5)
	assert.Error(t, err)
}

func TestCreditBalance_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(25)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(int64(125)))

	newBalance, err := ds.CreditBalance(context.Background(), "usr_123", 25)
	assert.NoError(t, err)
	assert.Equal(t, int64(125), newBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditBalance_UserNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_missing", int64(25)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}))

	_, err = ds.CreditBalance(context.Background(), "usr_missing", 25)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSubscription_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	sub := model.Subscription{
		PlanID:      "plan_pro",
		Status:      model.SubscriptionActive,
		PeriodStart: time.Now(),
		PeriodEnd:   time.Now().Add(30 * 24 * time.Hour),
	}

	mock.ExpectExec("UPDATE pixelmint.users").
		WithArgs("usr_123", sub.PlanID, sub.Status, sub.PeriodStart, sub.PeriodEnd).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdateSubscription(context.Background(), "usr_123", sub)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
