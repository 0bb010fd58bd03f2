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

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/pixelmint/pixelmint/model"
)

// CreateUser is the request body for registering a credit account.
type CreateUser struct {
	UserID         string                 `json:"user_id"`
	InitialCredits int64                  `json:"initial_credits"`
	MetaData       map[string]interface{} `json:"meta_data"`
}

func (u *CreateUser) ValidateCreateUser() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.UserID, validation.Required),
		validation.Field(&u.InitialCredits, validation.Min(0)),
	)
}

func (u *CreateUser) ToUser() model.User {
	return model.User{
		UserID:           u.UserID,
		AvailableBalance: u.InitialCredits,
		MetaData:         u.MetaData,
	}
}

// CreateJob is the request body for submitting generation work.
type CreateJob struct {
	UserID   string                   `json:"user_id"`
	ToolName string                   `json:"tool_name"`
	Credits  int64                    `json:"credits"`
	Request  *model.GenerationRequest `json:"request"`
}

func (j *CreateJob) ValidateCreateJob() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.UserID, validation.Required),
		validation.Field(&j.ToolName, validation.Required),
		validation.Field(&j.Credits, validation.Min(0)),
		validation.Field(&j.Request, validation.Required),
	)
}

func (j *CreateJob) ToProcessJob() *model.ProcessJob {
	return &model.ProcessJob{
		UserID:         j.UserID,
		ToolName:       j.ToolName,
		CreditsCharged: j.Credits,
		Request:        j.Request,
	}
}

// UpdateJobStatus is the request body for a worker reporting a status change.
type UpdateJobStatus struct {
	Status   string                    `json:"status"`
	Response *model.GenerationResponse `json:"response"`
	Note     string                    `json:"note"`
}

func (u *UpdateJobStatus) ValidateUpdateJobStatus() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.Status, validation.Required, validation.In(
			model.StatusProcessing,
			model.StatusCompleted,
			model.StatusFailed,
			model.StatusCancelled,
		)),
	)
}

// AddCredits is the request body for granting credits to a user.
type AddCredits struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (a *AddCredits) ValidateAddCredits() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Amount, validation.Required, validation.Min(1)),
	)
}

// ProviderCallback is the payload delivered by an inference provider when
// a job finishes. WebhookID identifies the delivery, not the job.
type ProviderCallback struct {
	WebhookID string                    `json:"webhook_id"`
	ProcessID string                    `json:"process_id"`
	Status    string                    `json:"status"`
	Response  *model.GenerationResponse `json:"response"`
}

func (p *ProviderCallback) ValidateProviderCallback() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WebhookID, validation.Required),
		validation.Field(&p.ProcessID, validation.Required),
		validation.Field(&p.Status, validation.Required, validation.In(
			model.StatusCompleted,
			model.StatusFailed,
		)),
	)
}

// Billing event types accepted on the billing callback endpoint.
const (
	BillingEventInvoicePaid          = "invoice.paid"
	BillingEventSubscriptionUpdated  = "subscription.updated"
	BillingEventSubscriptionCanceled = "subscription.canceled"
)

// BillingCallback is the payload delivered by the billing provider.
// AmountPaid is the monetary charge in Currency; Credits is the number
// of ledger credits the payment grants.
type BillingCallback struct {
	WebhookID   string          `json:"webhook_id"`
	UserID      string          `json:"user_id"`
	Event       string          `json:"event"`
	Credits     int64           `json:"credits"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	Currency    string          `json:"currency"`
	PlanID      string          `json:"plan_id"`
	Status      string          `json:"status"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
}

func (b *BillingCallback) ValidateBillingCallback() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.WebhookID, validation.Required),
		validation.Field(&b.UserID, validation.Required),
		validation.Field(&b.Event, validation.Required, validation.In(
			BillingEventInvoicePaid,
			BillingEventSubscriptionUpdated,
			BillingEventSubscriptionCanceled,
		)),
		validation.Field(&b.Credits, validation.Min(0)),
	)
}

// ToSubscription builds the subscription snapshot carried by a billing event.
func (b *BillingCallback) ToSubscription() model.Subscription {
	status := b.Status
	if b.Event == BillingEventSubscriptionCanceled {
		status = model.SubscriptionCanceled
	}
	if status == "" {
		status = model.SubscriptionActive
	}
	return model.Subscription{
		PlanID:      b.PlanID,
		Status:      status,
		PeriodStart: b.PeriodStart,
		PeriodEnd:   b.PeriodEnd,
	}
}
