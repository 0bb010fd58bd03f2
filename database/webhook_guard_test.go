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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestInsertWebhookEvent_FirstDelivery(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO pixelmint.webhook_events").
		WithArgs("wh_abc", "job_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	fresh, err := ds.InsertWebhookEvent(context.Background(), "wh_abc", "job_1", 24)
	assert.NoError(t, err)
	assert.True(t, fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWebhookEvent_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	// ON CONFLICT DO NOTHING affects zero rows on a replay. Not an error.
	mock.ExpectExec("INSERT INTO pixelmint.webhook_events").
		WithArgs("wh_abc", "job_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	fresh, err := ds.InsertWebhookEvent(context.Background(), "wh_abc", "job_1", 24)
	assert.NoError(t, err)
	assert.False(t, fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteWebhookEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("DELETE FROM pixelmint.webhook_events WHERE webhook_id =").
		WithArgs("wh_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.DeleteWebhookEvent(context.Background(), "wh_abc")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredWebhookEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("DELETE FROM pixelmint.webhook_events WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 3))

	swept, err := ds.DeleteExpiredWebhookEvents(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), swept)
	assert.NoError(t, mock.ExpectationsWereMet())
}
