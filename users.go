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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pixelmint/pixelmint/internal/notification"
	"github.com/pixelmint/pixelmint/model"
)

// UpdateSubscription stores a new subscription snapshot for a user and
// reindexes the account.
func (p *Pixelmint) UpdateSubscription(ctx context.Context, userID string, sub model.Subscription) error {
	ctx, span := tracer.Start(ctx, "UpdateSubscription")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("subscription.status", sub.Status),
	)

	if err := p.datasource.UpdateSubscription(ctx, userID, sub); err != nil {
		span.RecordError(err)
		return err
	}
	usr, err := p.datasource.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := p.queue.queueIndexData(usr.UserID, "users", usr); err != nil {
		notification.NotifyError(err)
	}
	return nil
}

// DisableUser soft-disables an account so further charges fail.
func (p *Pixelmint) DisableUser(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "DisableUser")
	defer span.End()
	return p.datasource.DisableUser(ctx, userID)
}

// GuardWebhookDelivery registers a delivery id for dedup. It returns
// false when the id was already seen inside the guard window; callers
// must treat that as an acknowledged no-op, not a failure.
func (p *Pixelmint) GuardWebhookDelivery(ctx context.Context, webhookID, reference string) (bool, error) {
	fresh, err := p.datasource.InsertWebhookEvent(ctx, webhookID, reference, webhookGuardTTLHours)
	if err != nil {
		return false, err
	}
	if fresh {
		if err := p.queue.queueGuardExpiry(webhookID, time.Now().Add(webhookGuardTTLHours*time.Hour)); err != nil {
			notification.NotifyError(err)
		}
	}
	return fresh, nil
}

// ReleaseWebhookDelivery drops a guard entry so a failed delivery can
// be retried by the sender.
func (p *Pixelmint) ReleaseWebhookDelivery(ctx context.Context, webhookID string) error {
	return p.datasource.DeleteWebhookEvent(ctx, webhookID)
}

// SweepExpiredWebhookGuards removes guard entries past their window.
func (p *Pixelmint) SweepExpiredWebhookGuards(ctx context.Context) (int64, error) {
	return p.datasource.DeleteExpiredWebhookEvents(ctx)
}
