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
	"github.com/stretchr/testify/require"

	"github.com/pixelmint/pixelmint/internal/apierror"
	"github.com/pixelmint/pixelmint/model"
)

func imageRequest() *model.GenerationRequest {
	return &model.GenerationRequest{
		Category: model.CategoryImage,
		Prompt:   "a lighthouse at dusk",
		Image:    &model.ImageParams{Width: 1024, Height: 1024},
	}
}

func jobRows(job *model.ProcessJob) *sqlmock.Rows {
	requestJSON, _ := json.Marshal(job.Request)
	var responseJSON []byte
	if job.Response != nil {
		responseJSON, _ = json.Marshal(job.Response)
	}
	historyJSON, _ := json.Marshal(job.StatusHistory)
	processedJSON, _ := json.Marshal(job.WebhookInfo.ProcessedWebhookIDs)
	if job.WebhookInfo.ProcessedWebhookIDs == nil {
		processedJSON = []byte("[]")
	}
	return sqlmock.NewRows([]string{
		"process_id", "user_id", "status", "tool_name", "category", "credits_charged",
		"credits_refunded", "request", "response", "status_history", "last_webhook_id",
		"processed_webhook_ids", "created_at", "updated_at",
	}).AddRow(job.ProcessID, job.UserID, job.Status, job.ToolName, job.Category,
		job.CreditsCharged, job.CreditsRefunded, requestJSON, responseJSON, historyJSON,
		job.WebhookInfo.LastWebhookID, processedJSON, job.CreatedAt, job.UpdatedAt)
}

func TestCreateJob_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	job := &model.ProcessJob{
		UserID:         "usr_123",
		ToolName:       "image-upscale",
		Category:       model.CategoryImage,
		CreditsCharged: 10,
		Request:        imageRequest(),
	}

	mock.ExpectExec("INSERT INTO pixelmint.process_jobs").
		WithArgs(sqlmock.AnyArg(), job.UserID, model.StatusPending, job.ToolName, job.Category,
			job.CreditsCharged, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.CreateJob(context.Background(), job)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.NotEmpty(t, created.ProcessID)
	assert.Len(t, created.StatusHistory, 1)
	assert.Equal(t, model.StatusPending, created.StatusHistory[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJob_ToProcessing(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	updated := &model.ProcessJob{
		ProcessID:      "job_1",
		UserID:         "usr_123",
		Status:         model.StatusProcessing,
		ToolName:       "image-upscale",
		Category:       model.CategoryImage,
		CreditsCharged: 10,
		Request:        imageRequest(),
		StatusHistory: []model.StatusHistoryEntry{
			{Status: model.StatusPending, At: time.Now()},
			{Status: model.StatusProcessing, At: time.Now()},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WithArgs("job_1", model.StatusProcessing, false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnRows(jobRows(updated))

	job, refundDue, err := ds.TransitionJob(context.Background(), "job_1", model.StatusProcessing, nil, "", "")
	require.NoError(t, err)
	assert.False(t, refundDue)
	assert.Equal(t, model.StatusProcessing, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJob_ToFailedClaimsRefund(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	updated := &model.ProcessJob{
		ProcessID:       "job_1",
		UserID:          "usr_123",
		Status:          model.StatusFailed,
		ToolName:        "image-upscale",
		Category:        model.CategoryImage,
		CreditsCharged:  10,
		CreditsRefunded: true,
		Request:         imageRequest(),
		Response:        &model.GenerationResponse{Error: "provider timeout"},
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WithArgs("job_1", model.StatusFailed, true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnRows(jobRows(updated))

	job, refundDue, err := ds.TransitionJob(context.Background(), "job_1", model.StatusFailed,
		&model.GenerationResponse{Error: "provider timeout"}, "", "worker reported failure")
	require.NoError(t, err)
	assert.True(t, refundDue)
	assert.True(t, job.CreditsRefunded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJob_TerminalJobRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	// The conditional update matches no row because the job is already
	// terminal; the follow-up read reports the conflict.
	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WithArgs("job_1", model.StatusCompleted, false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnRows(sqlmock.NewRows([]string{"process_id"}))

	current := &model.ProcessJob{
		ProcessID: "job_1",
		UserID:    "usr_123",
		Status:    model.StatusFailed,
		ToolName:  "image-upscale",
		Category:  model.CategoryImage,
		Request:   imageRequest(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	mock.ExpectQuery("SELECT .* FROM pixelmint.process_jobs WHERE process_id =").
		WithArgs("job_1").
		WillReturnRows(jobRows(current))

	job, refundDue, err := ds.TransitionJob(context.Background(), "job_1", model.StatusCompleted, nil, "", "")
	assert.Nil(t, job)
	assert.False(t, refundDue)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidTransition, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJob_UnknownStatus(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	_, _, err = ds.TransitionJob(context.Background(), "job_1", "exploded", nil, "", "")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
}

func TestTransitionJob_PendingIsNotASink(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	// No status transitions into pending, so the store rejects it before
	// touching the database.
	_, _, err = ds.TransitionJob(context.Background(), "job_1", model.StatusPending, nil, "", "")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidTransition, apiErr.Code)
}

func TestTransitionJob_RecordsWebhookID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	updated := &model.ProcessJob{
		ProcessID:      "job_1",
		UserID:         "usr_123",
		Status:         model.StatusCompleted,
		ToolName:       "image-upscale",
		Category:       model.CategoryImage,
		CreditsCharged: 10,
		Request:        imageRequest(),
		Response:       &model.GenerationResponse{OutputURLs: []string{"https://cdn.example.com/out.png"}},
		WebhookInfo: model.WebhookInfo{
			LastWebhookID:       "wh_abc",
			ProcessedWebhookIDs: []string{"wh_abc"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WithArgs("job_1", model.StatusCompleted, false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "wh_abc").
		WillReturnRows(jobRows(updated))

	job, refundDue, err := ds.TransitionJob(context.Background(), "job_1", model.StatusCompleted,
		updated.Response, "wh_abc", "provider webhook wh_abc")
	require.NoError(t, err)
	assert.False(t, refundDue)
	assert.Equal(t, "wh_abc", job.WebhookInfo.LastWebhookID)
	assert.Contains(t, job.WebhookInfo.ProcessedWebhookIDs, "wh_abc")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJob_ReplayedWebhookIDRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	// The processed-set predicate excludes the row, so the update matches
	// nothing and the follow-up read reports the conflict.
	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WithArgs("job_1", model.StatusCompleted, false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "wh_abc").
		WillReturnRows(sqlmock.NewRows([]string{"process_id"}))

	existing := &model.ProcessJob{
		ProcessID: "job_1",
		UserID:    "usr_123",
		Status:    model.StatusCompleted,
		ToolName:  "image-upscale",
		Category:  model.CategoryImage,
		Request:   imageRequest(),
		WebhookInfo: model.WebhookInfo{
			LastWebhookID:       "wh_abc",
			ProcessedWebhookIDs: []string{"wh_abc"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	mock.ExpectQuery("SELECT .* FROM pixelmint.process_jobs WHERE process_id =").
		WithArgs("job_1").
		WillReturnRows(jobRows(existing))

	job, refundDue, err := ds.TransitionJob(context.Background(), "job_1", model.StatusCompleted, nil, "wh_abc", "")
	assert.Nil(t, job)
	assert.False(t, refundDue)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidTransition, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	existing := &model.ProcessJob{
		ProcessID:      "job_1",
		UserID:         "usr_123",
		Status:         model.StatusCompleted,
		ToolName:       "image-upscale",
		Category:       model.CategoryImage,
		CreditsCharged: 10,
		Request:        imageRequest(),
		Response:       &model.GenerationResponse{OutputURLs: []string{"https://cdn.example.com/out.png"}},
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	mock.ExpectQuery("SELECT .* FROM pixelmint.process_jobs WHERE process_id =").
		WithArgs("job_1").
		WillReturnRows(jobRows(existing))

	job, err := ds.GetJob(context.Background(), "job_1")
	assert.NoError(t, err)
	assert.Equal(t, "job_1", job.ProcessID)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.Equal(t, []string{"https://cdn.example.com/out.png"}, job.Response.OutputURLs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
