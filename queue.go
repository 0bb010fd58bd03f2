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
	"hash/fnv"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pixelmint/pixelmint/config"
	redis_db "github.com/pixelmint/pixelmint/internal/redis-db"
	"github.com/pixelmint/pixelmint/model"
)

// Queue wraps the asynq client used to dispatch generation work,
// outbound webhooks, index updates and guard expiry sweeps.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// GenerationTaskPayload is the payload carried by a generation task.
type GenerationTaskPayload struct {
	Job model.ProcessJob `json:"job"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// Enqueue dispatches a pending job to a generation queue. Jobs shard by
// user id so one user's jobs are processed serially and never race on
// the same balance.
func (q *Queue) Enqueue(ctx context.Context, job *model.ProcessJob) error {
	ctx, span := tracer.Start(ctx, "Adding Job To Generation Queue")
	defer span.End()

	payload, err := json.Marshal(GenerationTaskPayload{Job: *job})
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, q.generationTask(job, payload), asynq.MaxRetry(5))
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued job: %+v", job.ProcessID)
	return nil
}

// queueGuardExpiry schedules removal of a webhook guard entry once its
// dedup window has passed.
func (q *Queue) queueGuardExpiry(webhookID string, expiresAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(webhookID)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(webhookID),
		asynq.Queue(cfg.Queue.GuardExpiryQueue),
		asynq.ProcessIn(time.Until(expiresAt)),
	}
	task := asynq.NewTask(cfg.Queue.GuardExpiryQueue, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued guard expiry: %+v", webhookID)
	return nil
}

// queueIndexData enqueues a task to index data in a specified collection.
func (q *Queue) queueIndexData(id string, collection string, data interface{}) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	if cfg.TypeSense.Dns == "" {
		return nil
	}

	payload := map[string]interface{}{
		"collection": collection,
		"payload":    data,
	}

	IPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{asynq.Queue(cfg.Queue.IndexQueue)}
	task := asynq.NewTask(cfg.Queue.IndexQueue, IPayload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued index data: %+v", id)
	return nil
}

// generationTask builds the task for a job and assigns it to a queue
// shard derived from the user id. All of one user's jobs land on the
// same shard.
func (q *Queue) generationTask(job *model.ProcessJob, payload []byte) *asynq.Task {
	cnf, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config: %v", err)
		return asynq.NewTask("new:generation_1", payload, asynq.TaskID(job.ProcessID), asynq.Queue("new:generation_1"))
	}

	queueIndex := hashUserID(job.UserID, cnf.Queue.NumberOfQueues)
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.GenerationQueue, queueIndex)

	taskOptions := []asynq.Option{
		asynq.TaskID(job.ProcessID),
		asynq.Queue(queueName),
	}
	return asynq.NewTask(queueName, payload, taskOptions...)
}

// hashUserID maps a user id onto one of n queue shards.
func hashUserID(userID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32())%n + 1
}
