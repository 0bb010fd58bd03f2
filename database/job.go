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

	"github.com/lib/pq"

	"github.com/pixelmint/pixelmint/internal/apierror"
	"github.com/pixelmint/pixelmint/model"
)

// CreateJob inserts a new job in pending status with its first history entry.
func (d Datasource) CreateJob(ctx context.Context, job *model.ProcessJob) (*model.ProcessJob, error) {
	if job.ProcessID == "" {
		job.ProcessID = model.GenerateUUIDWithSuffix("job")
	}
	job.Status = model.StatusPending
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	job.StatusHistory = []model.StatusHistoryEntry{{Status: model.StatusPending, At: job.CreatedAt}}

	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to marshal request payload", err)
	}
	historyJSON, err := json.Marshal(job.StatusHistory)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to marshal status history", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO pixelmint.process_jobs (process_id, user_id, status, tool_name, category, credits_charged, credits_refunded, request, status_history, processed_webhook_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, '[]'::jsonb, $9, $9)`,
		job.ProcessID, job.UserID, job.Status, job.ToolName, job.Category, job.CreditsCharged,
		requestJSON, historyJSON, job.CreatedAt)
	if err != nil {
		pqErr, ok := postgresError(err)
		if ok && pqErr.Code == "23505" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Job with ID '%s' already exists", job.ProcessID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to create job", err)
	}
	return job, nil
}

const jobColumns = `process_id, user_id, status, tool_name, category, credits_charged, credits_refunded, request, response, status_history, last_webhook_id, processed_webhook_ids, created_at, updated_at`

// GetJob retrieves a job by its process id.
func (d Datasource) GetJob(ctx context.Context, processID string) (*model.ProcessJob, error) {
	row := d.Conn.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pixelmint.process_jobs WHERE process_id = $1`, processID)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Job with ID '%s' not found", processID), err)
		}
		return nil, err
	}
	return job, nil
}

// GetJobsByUser returns a user's jobs, newest first.
func (d Datasource) GetJobsByUser(ctx context.Context, userID string, limit, offset int) ([]model.ProcessJob, error) {
	rows, err := d.Conn.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM pixelmint.process_jobs
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve jobs", err)
	}
	defer rows.Close()

	jobs := []model.ProcessJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "error iterating jobs", err)
	}
	return jobs, nil
}

// TransitionJob moves a job to newStatus in one conditional update. The
// status predicate restricts the update to valid source statuses, so a
// terminal row never matches and concurrent callers race on exactly one
// winner. The refund flag flips in the same statement, which is what
// makes the refund claim exactly-once: the losing caller gets zero rows
// and never refunds. A non-empty webhookID is appended to the job's
// processed set in the same statement, so a delivery id is only ever
// recorded together with the transition it caused.
func (d Datasource) TransitionJob(ctx context.Context, processID, newStatus string, response *model.GenerationResponse, webhookID, note string) (*model.ProcessJob, bool, error) {
	if !model.IsValidStatus(newStatus) {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown status '%s'", newStatus), nil)
	}
	sources := model.SourceStatuses(newStatus)
	if len(sources) == 0 {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("No transition leads to status '%s'", newStatus), nil)
	}

	refundEligible := newStatus == model.StatusFailed || newStatus == model.StatusCancelled

	now := time.Now()
	entryJSON, err := json.Marshal(model.StatusHistoryEntry{Status: newStatus, At: now, Note: note})
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to marshal status history entry", err)
	}
	var responseJSON []byte
	if response != nil {
		responseJSON, err = json.Marshal(response)
		if err != nil {
			return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to marshal response payload", err)
		}
	}

	row := d.Conn.QueryRowContext(ctx,
		`UPDATE pixelmint.process_jobs
		 SET status = $2,
		     credits_refunded = credits_refunded OR ($3::boolean AND credits_charged > 0),
		     response = COALESCE($4, response),
		     status_history = status_history || $5::jsonb,
		     last_webhook_id = COALESCE(NULLIF($8, ''), last_webhook_id),
		     processed_webhook_ids = processed_webhook_ids || COALESCE(to_jsonb(NULLIF($8, '')), '[]'::jsonb),
		     updated_at = $6
		 WHERE process_id = $1 AND status = ANY($7) AND ($8 = '' OR NOT processed_webhook_ids ? $8)
		 RETURNING `+jobColumns,
		processID, newStatus, refundEligible, responseJSON, entryJSON, now, pq.Array(sources), webhookID)
	job, err := scanJob(row)
	if err == nil {
		refundDue := refundEligible && job.CreditsCharged > 0
		return job, refundDue, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	// Zero rows: the job is missing or its current status does not admit
	// this transition. Read it back to report which.
	current, getErr := d.GetJob(ctx, processID)
	if getErr != nil {
		return nil, false, getErr
	}
	return nil, false, apierror.NewAPIError(apierror.ErrInvalidTransition,
		fmt.Sprintf("Cannot transition job '%s' from '%s' to '%s'", processID, current.Status, newStatus), nil)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.ProcessJob, error) {
	job := model.ProcessJob{}
	var requestJSON, responseJSON, historyJSON, processedJSON []byte
	var lastWebhookID sql.NullString
	err := row.Scan(&job.ProcessID, &job.UserID, &job.Status, &job.ToolName, &job.Category,
		&job.CreditsCharged, &job.CreditsRefunded, &requestJSON, &responseJSON, &historyJSON,
		&lastWebhookID, &processedJSON, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan job", err)
	}
	if len(requestJSON) > 0 {
		if err := json.Unmarshal(requestJSON, &job.Request); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to unmarshal request payload", err)
		}
	}
	if len(responseJSON) > 0 {
		if err := json.Unmarshal(responseJSON, &job.Response); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to unmarshal response payload", err)
		}
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &job.StatusHistory); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to unmarshal status history", err)
		}
	}
	job.WebhookInfo.LastWebhookID = lastWebhookID.String
	if len(processedJSON) > 0 {
		if err := json.Unmarshal(processedJSON, &job.WebhookInfo.ProcessedWebhookIDs); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to unmarshal processed webhook ids", err)
		}
	}
	return &job, nil
}
