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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/pixelmint/model"
)

const jobChannelPrefix = "pixelmint:jobs:"

// JobUpdate is the message published to subscribers watching a job.
type JobUpdate struct {
	ProcessID string                    `json:"process_id"`
	UserID    string                    `json:"user_id"`
	Status    string                    `json:"status"`
	Response  *model.GenerationResponse `json:"response,omitempty"`
	At        time.Time                 `json:"at"`
}

// JobChannel returns the pub/sub channel name for a job.
func JobChannel(processID string) string {
	return jobChannelPrefix + processID
}

// publishJobUpdate pushes a status change to the job's channel. Delivery
// is fire-and-forget: the durable job record is the source of truth, so
// a failed publish is logged and otherwise ignored.
func (p *Pixelmint) publishJobUpdate(ctx context.Context, job *model.ProcessJob) {
	update := JobUpdate{
		ProcessID: job.ProcessID,
		UserID:    job.UserID,
		Status:    job.Status,
		Response:  job.Response,
		At:        job.UpdatedAt,
	}
	payload, err := json.Marshal(update)
	if err != nil {
		logrus.Errorf("failed to marshal job update for %s: %v", job.ProcessID, err)
		return
	}
	if err := p.redis.Publish(ctx, JobChannel(job.ProcessID), payload).Err(); err != nil {
		logrus.Warnf("failed to publish update for job %s: %v", job.ProcessID, err)
	}
}

// SubscribeJobUpdates subscribes to a job's channel and forwards decoded
// updates onto the returned channel until ctx is cancelled.
func (p *Pixelmint) SubscribeJobUpdates(ctx context.Context, processID string) (<-chan JobUpdate, error) {
	sub := p.redis.Subscribe(ctx, JobChannel(processID))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to job %s: %w", processID, err)
	}

	updates := make(chan JobUpdate)
	go func() {
		defer close(updates)
		defer func() {
			if err := sub.Close(); err != nil {
				logrus.Warnf("failed to close subscription for job %s: %v", processID, err)
			}
		}()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var update JobUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					logrus.Warnf("dropping malformed job update on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case updates <- update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return updates, nil
}
