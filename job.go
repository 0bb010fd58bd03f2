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
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pixelmint/pixelmint/internal/apierror"
	"github.com/pixelmint/pixelmint/internal/notification"
	"github.com/pixelmint/pixelmint/model"
)

// webhookGuardTTLHours is how long a provider delivery id is remembered
// for replay detection.
const webhookGuardTTLHours = 24

// CreateJob charges the user and records a new pending job. The charge
// happens first: a job row only ever exists for a successful deduction.
// If recording the job fails after the charge, the credits are returned.
func (p *Pixelmint) CreateJob(ctx context.Context, job *model.ProcessJob) (*model.ProcessJob, error) {
	ctx, span := tracer.Start(ctx, "CreateJob")
	defer span.End()

	if err := job.ValidateNewJob(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if err := job.Request.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	job.Category = job.Request.Category
	if job.ProcessID == "" {
		job.ProcessID = model.GenerateUUIDWithSuffix("job")
	}
	span.SetAttributes(
		attribute.String("job.id", job.ProcessID),
		attribute.String("user.id", job.UserID),
	)

	if job.CreditsCharged > 0 {
		if _, err := p.DeductCredits(ctx, job.UserID, job.CreditsCharged, job.ProcessID, fmt.Sprintf("charge for %s", job.ToolName)); err != nil {
			span.SetStatus(codes.Error, "charge failed")
			return nil, err
		}
	}

	created, err := p.datasource.CreateJob(ctx, job)
	if err != nil {
		span.RecordError(err)
		if job.CreditsCharged > 0 {
			if _, refundErr := p.RefundCredits(ctx, job.UserID, job.CreditsCharged, job.ProcessID, "job creation failed"); refundErr != nil {
				logrus.Errorf("failed to return charge for job %s: %v", job.ProcessID, refundErr)
				notification.NotifyError(refundErr)
			}
		}
		return nil, err
	}

	if err := p.queue.Enqueue(ctx, created); err != nil {
		logrus.Errorf("failed to enqueue job %s: %v", created.ProcessID, err)
		notification.NotifyError(err)
	}
	p.publishJobUpdate(ctx, created)
	if err := SendWebhook(NewWebhook{Event: getEventFromStatus(created.Status), Payload: created}); err != nil {
		notification.NotifyError(err)
	}
	if err := p.queue.queueIndexData(created.ProcessID, "jobs", created); err != nil {
		notification.NotifyError(err)
	}
	return created, nil
}

// GetJob retrieves a job by its process id.
func (p *Pixelmint) GetJob(ctx context.Context, processID string) (*model.ProcessJob, error) {
	ctx, span := tracer.Start(ctx, "GetJob")
	defer span.End()
	return p.datasource.GetJob(ctx, processID)
}

// GetJobsByUser lists a user's jobs, newest first.
func (p *Pixelmint) GetJobsByUser(ctx context.Context, userID string, limit, offset int) ([]model.ProcessJob, error) {
	ctx, span := tracer.Start(ctx, "GetJobsByUser")
	defer span.End()
	return p.datasource.GetJobsByUser(ctx, userID, limit, offset)
}

// TransitionJob moves a job to a new status. When the transition ends
// the job in failed or cancelled, the user's charge is returned; the
// refund rides on the same conditional update that wins the status
// change, so concurrent terminal reports refund at most once.
func (p *Pixelmint) TransitionJob(ctx context.Context, processID, newStatus string, response *model.GenerationResponse, note string) (*model.ProcessJob, error) {
	return p.applyTransition(ctx, processID, newStatus, response, "", note)
}

func (p *Pixelmint) applyTransition(ctx context.Context, processID, newStatus string, response *model.GenerationResponse, webhookID, note string) (*model.ProcessJob, error) {
	ctx, span := tracer.Start(ctx, "TransitionJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", processID),
		attribute.String("job.status", newStatus),
	)

	job, refundDue, err := p.datasource.TransitionJob(ctx, processID, newStatus, response, webhookID, note)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if refundDue {
		if _, err := p.RefundCredits(ctx, job.UserID, job.CreditsCharged, job.ProcessID, fmt.Sprintf("job %s", newStatus)); err != nil {
			// The claim is already persisted on the job row. Surface the
			// failed credit so it can be replayed by hand.
			logrus.Errorf("refund for job %s claimed but not applied: %v", job.ProcessID, err)
			notification.NotifyError(err)
		}
	}

	p.publishJobUpdate(ctx, job)
	if err := SendWebhook(NewWebhook{Event: getEventFromStatus(job.Status), Payload: job}); err != nil {
		notification.NotifyError(err)
	}
	if err := p.queue.queueIndexData(job.ProcessID, "jobs", job); err != nil {
		notification.NotifyError(err)
	}
	return job, nil
}

// CancelJob cancels a job that has not been picked up yet. Jobs already
// processing or terminal cannot be cancelled.
func (p *Pixelmint) CancelJob(ctx context.Context, processID, note string) (*model.ProcessJob, error) {
	ctx, span := tracer.Start(ctx, "CancelJob")
	defer span.End()
	return p.TransitionJob(ctx, processID, model.StatusCancelled, nil, note)
}

// ApplyProviderWebhook applies a provider status callback to a job. The
// delivery id passes through the store-level guard and is recorded on
// the job in the same statement that applies the transition, so the id
// and the status change land together or not at all. A replay returns
// applied=false with no error and leaves the job untouched; a callback
// arriving after the job is terminal is likewise absorbed. When the
// transition fails on a store error the guard row is released so the
// provider's retry can deliver the update again.
func (p *Pixelmint) ApplyProviderWebhook(ctx context.Context, webhookID, processID, newStatus string, response *model.GenerationResponse) (bool, *model.ProcessJob, error) {
	ctx, span := tracer.Start(ctx, "ApplyProviderWebhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.id", webhookID),
		attribute.String("job.id", processID),
	)

	fresh, err := p.datasource.InsertWebhookEvent(ctx, webhookID, processID, webhookGuardTTLHours)
	if err != nil {
		span.RecordError(err)
		return false, nil, err
	}
	if !fresh {
		logrus.Infof("ignoring replayed webhook %s for job %s", webhookID, processID)
		job, err := p.datasource.GetJob(ctx, processID)
		if err != nil {
			return false, nil, err
		}
		return false, job, nil
	}
	if err := p.queue.queueGuardExpiry(webhookID, time.Now().Add(webhookGuardTTLHours*time.Hour)); err != nil {
		notification.NotifyError(err)
	}

	job, err := p.applyTransition(ctx, processID, newStatus, response, webhookID, fmt.Sprintf("provider webhook %s", webhookID))
	if err != nil {
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) && apiErr.Code == apierror.ErrInvalidTransition {
			// Late delivery for a job that already settled. Keep the
			// guard entry and report it as absorbed.
			logrus.Infof("absorbing late webhook %s for job %s", webhookID, processID)
			current, getErr := p.datasource.GetJob(ctx, processID)
			if getErr != nil {
				return false, nil, getErr
			}
			return false, current, nil
		}
		// The transition did not commit, so nothing of this delivery is
		// recorded. Release the guard to let the provider retry it.
		if delErr := p.datasource.DeleteWebhookEvent(ctx, webhookID); delErr != nil {
			logrus.Errorf("failed to release webhook guard %s: %v", webhookID, delErr)
		}
		return false, nil, err
	}
	return true, job, nil
}
