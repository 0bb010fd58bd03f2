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
	"fmt"
	"time"
)

// Job status values. Transitions are monotonic along
// pending -> processing -> {completed|failed}, with pending -> cancelled
// allowed before a worker picks the job up. Terminal states absorb.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// StatusHistoryEntry is one append-only audit record of a status change.
type StatusHistoryEntry struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// WebhookInfo tracks provider webhook deliveries applied to a job. The
// processed set backs replay tolerance at the job level; the store-level
// guard backs it across jobs.
type WebhookInfo struct {
	LastWebhookID       string   `json:"last_webhook_id,omitempty"`
	ProcessedWebhookIDs []string `json:"processed_webhook_ids"`
}

// ProcessJob is one tracked unit of asynchronous generation work. A job
// only exists if its credit charge succeeded first, so every pending job
// implies a completed deduction.
type ProcessJob struct {
	ProcessID       string               `json:"process_id"`
	UserID          string               `json:"user_id"`
	Status          string               `json:"status"`
	ToolName        string               `json:"tool_name"`
	Category        string               `json:"category"`
	CreditsCharged  int64                `json:"credits_charged"`
	CreditsRefunded bool                 `json:"credits_refunded"`
	Request         *GenerationRequest   `json:"request"`
	Response        *GenerationResponse  `json:"response,omitempty"`
	StatusHistory   []StatusHistoryEntry `json:"status_history"`
	WebhookInfo     WebhookInfo          `json:"webhook_info"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// validTransitions maps each status to the set of statuses it may move to.
var validTransitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValidStatus reports whether status is one of the known job statuses.
func IsValidStatus(status string) bool {
	_, ok := validTransitions[status]
	return ok
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourceStatuses returns the statuses from which a job may reach target.
// The store uses this to build the conditional status update.
func SourceStatuses(target string) []string {
	var sources []string
	for from, nexts := range validTransitions {
		for _, next := range nexts {
			if next == target {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// RefundDue reports whether moving the job to newStatus obligates a
// credit refund. The refund flag can only flip once, on the transition
// into failed or cancelled, and only when credits were charged.
func (j *ProcessJob) RefundDue(newStatus string) bool {
	if j.CreditsRefunded || j.CreditsCharged <= 0 {
		return false
	}
	return newStatus == StatusFailed || newStatus == StatusCancelled
}

// HasProcessedWebhook reports whether the given delivery id was already
// applied to this job.
func (j *ProcessJob) HasProcessedWebhook(webhookID string) bool {
	for _, id := range j.WebhookInfo.ProcessedWebhookIDs {
		if id == webhookID {
			return true
		}
	}
	return false
}

// ValidateNewJob checks the fields required before a job can be created.
func (j *ProcessJob) ValidateNewJob() error {
	if j.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if j.ToolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if j.CreditsCharged < 0 {
		return fmt.Errorf("credits charged cannot be negative")
	}
	if j.Request == nil {
		return fmt.Errorf("request payload is required")
	}
	return nil
}
