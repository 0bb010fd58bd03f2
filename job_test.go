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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"

	"github.com/pixelmint/pixelmint/internal/apierror"
	"github.com/pixelmint/pixelmint/model"
)

func newJobRequest() *model.ProcessJob {
	return &model.ProcessJob{
		UserID:         "usr_123",
		ToolName:       "image-upscale",
		CreditsCharged: 10,
		Request: &model.GenerationRequest{
			Category: model.CategoryImage,
			Prompt:   gofakeit.Sentence(5),
			Image:    &model.ImageParams{Width: 1024, Height: 1024},
		},
	}
}

func storedJobRows(job *model.ProcessJob) *sqlmock.Rows {
	requestJSON, _ := json.Marshal(job.Request)
	var responseJSON []byte
	if job.Response != nil {
		responseJSON, _ = json.Marshal(job.Response)
	}
	historyJSON, _ := json.Marshal(job.StatusHistory)
	processedJSON := []byte("[]")
	if job.WebhookInfo.ProcessedWebhookIDs != nil {
		processedJSON, _ = json.Marshal(job.WebhookInfo.ProcessedWebhookIDs)
	}
	return sqlmock.NewRows([]string{
		"process_id", "user_id", "status", "tool_name", "category", "credits_charged",
		"credits_refunded", "request", "response", "status_history", "last_webhook_id",
		"processed_webhook_ids", "created_at", "updated_at",
	}).AddRow(job.ProcessID, job.UserID, job.Status, job.ToolName, job.Category,
		job.CreditsCharged, job.CreditsRefunded, requestJSON, responseJSON, historyJSON,
		job.WebhookInfo.LastWebhookID, processedJSON, job.CreatedAt, job.UpdatedAt)
}

func TestCreateJob_ChargesBeforePersisting(t *testing.T) {
	service, mock, _ := newTestService(t)

	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(int64(90)))
	mock.ExpectExec("INSERT INTO pixelmint.credit_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO pixelmint.process_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	job, err := service.CreateJob(context.Background(), newJobRequest())
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Equal(t, model.CategoryImage, job.Category)
	assert.Contains(t, job.ProcessID, "job_")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreateJob_InsufficientCreditsCreatesNoJob(t *testing.T) {
	service, mock, _ := newTestService(t)

	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}))
	mock.ExpectQuery("SELECT .* FROM pixelmint.users WHERE user_id =").
		WithArgs("usr_123").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "available_balance", "plan_id", "subscription_status", "period_start", "period_end", "disabled", "created_at", "meta_data"}).
			AddRow("usr_123", int64(3), nil, model.SubscriptionActive, nil, nil, false, time.Now(), nil))

	job, err := service.CreateJob(context.Background(), newJobRequest())
	assert.Nil(t, job)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInsufficientCredits, apiErr.Code)

	// No job insert was expected, so any attempt fails the mock.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreateJob_RefundsWhenPersistFails(t *testing.T) {
	service, mock, _ := newTestService(t)

	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(int64(90)))
	mock.ExpectExec("INSERT INTO pixelmint.credit_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO pixelmint.process_jobs").
		WillReturnError(errors.New("connection reset"))

	// Compensating refund.
	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(int64(100)))
	mock.ExpectExec("INSERT INTO pixelmint.credit_transactions").
		WillReturnResult(sqlmock.NewResult(2, 1))

	job, err := service.CreateJob(context.Background(), newJobRequest())
	assert.Nil(t, job)
	assert.Error(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreateJob_RejectsInvalidPayload(t *testing.T) {
	service, _, _ := newTestService(t)

	job := newJobRequest()
	job.Request.Image = nil

	_, err := service.CreateJob(context.Background(), job)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
}

func TestTransitionJob_CompletedDoesNotRefund(t *testing.T) {
	service, mock, _ := newTestService(t)

	completed := &model.ProcessJob{
		ProcessID:      "job_1",
		UserID:         "usr_123",
		Status:         model.StatusCompleted,
		ToolName:       "image-upscale",
		Category:       model.CategoryImage,
		CreditsCharged: 10,
		Request:        newJobRequest().Request,
		Response:       &model.GenerationResponse{OutputURLs: []string{"https://cdn.test/out.png"}},
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WillReturnRows(storedJobRows(completed))

	job, err := service.TransitionJob(context.Background(), "job_1", model.StatusCompleted,
		completed.Response, "")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.False(t, job.CreditsRefunded)

	// No balance update expectation: completion must not touch credits.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestTransitionJob_FailedRefundsExactlyOnce(t *testing.T) {
	service, mock, _ := newTestService(t)

	failed := &model.ProcessJob{
		ProcessID:       "job_1",
		UserID:          "usr_123",
		Status:          model.StatusFailed,
		ToolName:        "image-upscale",
		Category:        model.CategoryImage,
		CreditsCharged:  10,
		CreditsRefunded: true,
		Request:         newJobRequest().Request,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WillReturnRows(storedJobRows(failed))
	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(int64(100)))
	mock.ExpectExec("INSERT INTO pixelmint.credit_transactions").
		WithArgs(sqlmock.AnyArg(), "usr_123", model.TransactionRefund, int64(10), "job_1", "job failed", int64(100), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	job, err := service.TransitionJob(context.Background(), "job_1", model.StatusFailed, nil, "")
	assert.NoError(t, err)
	assert.True(t, job.CreditsRefunded)

	// A second report of the same terminal outcome loses the conditional
	// update and must not refund again.
	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"process_id"}))
	mock.ExpectQuery("SELECT .* FROM pixelmint.process_jobs WHERE process_id =").
		WithArgs("job_1").
		WillReturnRows(storedJobRows(failed))

	_, err = service.TransitionJob(context.Background(), "job_1", model.StatusFailed, nil, "")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidTransition, apiErr.Code)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCancelJob_PendingOnly(t *testing.T) {
	service, mock, _ := newTestService(t)

	cancelled := &model.ProcessJob{
		ProcessID:       "job_1",
		UserID:          "usr_123",
		Status:          model.StatusCancelled,
		ToolName:        "image-upscale",
		Category:        model.CategoryImage,
		CreditsCharged:  10,
		CreditsRefunded: true,
		Request:         newJobRequest().Request,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WillReturnRows(storedJobRows(cancelled))
	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(int64(100)))
	mock.ExpectExec("INSERT INTO pixelmint.credit_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	job, err := service.CancelJob(context.Background(), "job_1", "user requested")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, job.Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestApplyProviderWebhook_Applies(t *testing.T) {
	service, mock, _ := newTestService(t)

	completed := &model.ProcessJob{
		ProcessID:      "job_1",
		UserID:         "usr_123",
		Status:         model.StatusCompleted,
		ToolName:       "image-upscale",
		Category:       model.CategoryImage,
		CreditsCharged: 10,
		Request:        newJobRequest().Request,
		Response:       &model.GenerationResponse{OutputURLs: []string{"https://cdn.test/out.png"}},
		WebhookInfo: model.WebhookInfo{
			LastWebhookID:       "wh_1",
			ProcessedWebhookIDs: []string{"wh_1"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mock.ExpectExec("INSERT INTO pixelmint.webhook_events").
		WithArgs("wh_1", "job_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WillReturnRows(storedJobRows(completed))

	applied, job, err := service.ApplyProviderWebhook(context.Background(), "wh_1", "job_1",
		model.StatusCompleted, completed.Response)
	assert.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.True(t, job.HasProcessedWebhook("wh_1"))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestApplyProviderWebhook_DuplicateIsAbsorbed(t *testing.T) {
	service, mock, _ := newTestService(t)

	current := &model.ProcessJob{
		ProcessID:      "job_1",
		UserID:         "usr_123",
		Status:         model.StatusCompleted,
		ToolName:       "image-upscale",
		Category:       model.CategoryImage,
		CreditsCharged: 10,
		Request:        newJobRequest().Request,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectExec("INSERT INTO pixelmint.webhook_events").
		WithArgs("wh_1", "job_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM pixelmint.process_jobs WHERE process_id =").
		WithArgs("job_1").
		WillReturnRows(storedJobRows(current))

	applied, job, err := service.ApplyProviderWebhook(context.Background(), "wh_1", "job_1",
		model.StatusCompleted, nil)
	assert.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.StatusCompleted, job.Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestApplyProviderWebhook_LateDeliveryAfterTerminal(t *testing.T) {
	service, mock, _ := newTestService(t)

	terminal := &model.ProcessJob{
		ProcessID:      "job_1",
		UserID:         "usr_123",
		Status:         model.StatusCancelled,
		ToolName:       "image-upscale",
		Category:       model.CategoryImage,
		CreditsCharged: 10,
		Request:        newJobRequest().Request,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	mock.ExpectExec("INSERT INTO pixelmint.webhook_events").
		WithArgs("wh_2", "job_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"process_id"}))
	mock.ExpectQuery("SELECT .* FROM pixelmint.process_jobs WHERE process_id =").
		WithArgs("job_1").
		WillReturnRows(storedJobRows(terminal))
	mock.ExpectQuery("SELECT .* FROM pixelmint.process_jobs WHERE process_id =").
		WithArgs("job_1").
		WillReturnRows(storedJobRows(terminal))

	applied, job, err := service.ApplyProviderWebhook(context.Background(), "wh_2", "job_1",
		model.StatusCompleted, nil)
	assert.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.StatusCancelled, job.Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestApplyProviderWebhook_StoreErrorReleasesGuard(t *testing.T) {
	service, mock, _ := newTestService(t)

	// First delivery: the guard accepts the id but the transition update
	// dies. The guard row must be released so nothing of the delivery
	// survives.
	mock.ExpectExec("INSERT INTO pixelmint.webhook_events").
		WithArgs("wh_3", "job_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec("DELETE FROM pixelmint.webhook_events").
		WithArgs("wh_3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, _, err := service.ApplyProviderWebhook(context.Background(), "wh_3", "job_1",
		model.StatusFailed, nil)
	assert.Error(t, err)
	assert.False(t, applied)

	// The provider's retry of the same delivery id starts from scratch and
	// lands the terminal status with its refund.
	failed := &model.ProcessJob{
		ProcessID:       "job_1",
		UserID:          "usr_123",
		Status:          model.StatusFailed,
		ToolName:        "image-upscale",
		Category:        model.CategoryImage,
		CreditsCharged:  10,
		CreditsRefunded: true,
		Request:         newJobRequest().Request,
		WebhookInfo: model.WebhookInfo{
			LastWebhookID:       "wh_3",
			ProcessedWebhookIDs: []string{"wh_3"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	mock.ExpectExec("INSERT INTO pixelmint.webhook_events").
		WithArgs("wh_3", "job_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("UPDATE pixelmint.process_jobs").
		WillReturnRows(storedJobRows(failed))
	mock.ExpectQuery("UPDATE pixelmint.users").
		WithArgs("usr_123", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(int64(100)))
	mock.ExpectExec("INSERT INTO pixelmint.credit_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	applied, job, err := service.ApplyProviderWebhook(context.Background(), "wh_3", "job_1",
		model.StatusFailed, nil)
	assert.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.True(t, job.CreditsRefunded)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
