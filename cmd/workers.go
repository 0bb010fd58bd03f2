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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wacul/ptr"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	pixelmint "github.com/pixelmint/pixelmint"
	"github.com/pixelmint/pixelmint/config"
	"github.com/pixelmint/pixelmint/internal/apierror"
	redis_db "github.com/pixelmint/pixelmint/internal/redis-db"
	"github.com/pixelmint/pixelmint/internal/search"
	"github.com/pixelmint/pixelmint/model"
	"github.com/pixelmint/pixelmint/providers"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// indexData represents the data structure used for indexing data in the
// system. It includes the collection name and the payload to be indexed.
type indexData struct {
	Collection string                 `json:"collection"`
	Payload    map[string]interface{} `json:"payload"`
}

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// processGeneration runs one queued generation job. It moves the job to
// processing, calls the inference provider, and records the terminal
// outcome. A failed transition into processing means the job was
// cancelled while queued; the task is acked without calling the provider.
func (b *pixelmintInstance) processGeneration(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("pixelmint.generation.worker").Start(ctx, "Process Job From Generation Queue")
	defer span.End()

	var payload pixelmint.GenerationTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}
	job := payload.Job

	current, err := b.pixelmint.TransitionJob(ctx, job.ProcessID, model.StatusProcessing, nil, "picked up by worker")
	if err != nil {
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) && apiErr.Code == apierror.ErrInvalidTransition {
			log.Printf(" [*] Job %s no longer pending, skipping", job.ProcessID)
			return nil
		}
		return err
	}

	client := providers.NewClient(b.cnf.Provider)
	resp, genErr := client.Generate(ctx, current)
	if genErr != nil {
		return b.failGeneration(ctx, current, genErr)
	}
	if resp.CompletedAt == nil {
		resp.CompletedAt = ptr.Time(time.Now())
	}

	if _, err := b.pixelmint.TransitionJob(ctx, current.ProcessID, model.StatusCompleted, resp, "provider finished"); err != nil {
		return err
	}

	log.Println(" [*] Job Processed", current.ProcessID)
	return nil
}

// failGeneration moves a job to failed, which also claims the credit
// refund. Provider errors are not retried here; the provider client has
// already exhausted its own backoff.
func (b *pixelmintInstance) failGeneration(ctx context.Context, job *model.ProcessJob, genErr error) error {
	resp := &model.GenerationResponse{Error: genErr.Error()}
	if _, err := b.pixelmint.TransitionJob(ctx, job.ProcessID, model.StatusFailed, resp, genErr.Error()); err != nil {
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) && apiErr.Code == apierror.ErrInvalidTransition {
			return nil
		}
		return err
	}
	log.Printf(" [*] Job %s failed: %v", job.ProcessID, genErr)
	return nil
}

// indexData indexes data into TypeSense for searchability. It fetches the
// collection name and payload from the task, ensures the collections
// exist, and upserts the document.
func (b *pixelmintInstance) indexData(ctx context.Context, t *asynq.Task) error {
	var data indexData

	if err := json.Unmarshal(t.Payload(), &data); err != nil {
		logrus.Error(err)
		return err
	}

	newSearch := search.NewTypesenseClient(b.cnf.TypeSenseKey, []string{b.cnf.TypeSense.Dns})
	err := newSearch.EnsureCollectionsExist(context.Background())
	if err != nil {
		log.Printf("Failed to ensure collections exist: %v", err)
		return err
	}

	err = newSearch.HandleNotification(ctx, data.Collection, data.Payload)
	if err != nil {
		log.Println("Error indexing data", err)
		return err
	}

	log.Println(" [*] Data indexed", data.Collection)
	return nil
}

// processGuardExpiry drops a webhook guard entry whose dedup window has
// passed, so the delivery id can be accepted again.
func (b *pixelmintInstance) processGuardExpiry(ctx context.Context, t *asynq.Task) error {
	var webhookID string
	if err := json.Unmarshal(t.Payload(), &webhookID); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.pixelmint.ReleaseWebhookDelivery(ctx, webhookID); err != nil {
		return err
	}

	logrus.Printf(" [*] Webhook Guard Expired %s", webhookID)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.WebhookQueue] = 3
	queues[cfg.Queue.IndexQueue] = 1
	queues[cfg.Queue.GuardExpiryQueue] = 3

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.GenerationQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *pixelmintInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	// One handler per generation shard; a user's jobs all land on one shard.
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.GenerationQueue, i)
		mux.HandleFunc(queueName, b.processGeneration)
	}

	mux.HandleFunc(cfg.Queue.IndexQueue, b.indexData)
	mux.HandleFunc(cfg.Queue.WebhookQueue, pixelmint.ProcessWebhook)
	mux.HandleFunc(cfg.Queue.GuardExpiryQueue, b.processGuardExpiry)
}

// workerCommands defines the "workers" command to start worker processes.
// The workers listen to the generation shards plus the webhook, index and
// guard expiry queues.
func workerCommands(b *pixelmintInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start pixelmint workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			// Catch guard entries whose expiry task was lost to a restart.
			if n, err := b.pixelmint.SweepExpiredWebhookGuards(ctx); err != nil {
				log.Printf("Error sweeping expired webhook guards: %v", err)
			} else if n > 0 {
				log.Printf(" [*] Swept %d expired webhook guards", n)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			// Start asynqmon for health checks and queue monitoring.
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
