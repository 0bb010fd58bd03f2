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

// Package providers talks to the model-inference backends that run the
// actual generation work.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/pixelmint/pixelmint/config"
	"github.com/pixelmint/pixelmint/internal/request"
	"github.com/pixelmint/pixelmint/model"
)

// GenerateRequest is the payload sent to a provider endpoint.
type GenerateRequest struct {
	ProcessID string                   `json:"process_id"`
	ToolName  string                   `json:"tool_name"`
	Request   *model.GenerationRequest `json:"request"`
}

// Client calls a single inference provider over HTTP.
type Client struct {
	baseURL   string
	authToken string
	timeout   time.Duration
}

// NewClient builds a provider client from configuration.
func NewClient(conf config.ProviderConfig) *Client {
	return &Client{
		baseURL:   conf.Url,
		authToken: conf.AuthToken,
		timeout:   time.Duration(conf.TimeoutSeconds) * time.Second,
	}
}

// Generate submits a job to the provider and waits for its synchronous
// result. Transient failures retry with exponential backoff until the
// client timeout elapses; a non-2xx answer from the provider is treated
// as a job failure, not a transport error.
func (c *Client) Generate(ctx context.Context, job *model.ProcessJob) (*model.GenerationResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("provider url is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result *model.GenerationResponse
	operation := func() error {
		resp, err := c.generateOnce(ctx, job)
		if err != nil {
			logrus.Warnf("provider call for job %s failed, retrying: %v", job.ProcessID, err)
			return err
		}
		result = resp
		return nil
	}

	boff := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, boff); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) generateOnce(ctx context.Context, job *model.ProcessJob) (*model.GenerationResponse, error) {
	payload, err := request.ToJsonReq(GenerateRequest{
		ProcessID: job.ProcessID,
		ToolName:  job.ToolName,
		Request:   job.Request,
	})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/generate", c.baseURL), payload)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	var generated model.GenerationResponse
	resp, err := request.Call(req, &generated)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &generated, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The provider rejected the job outright. Retrying the same
		// payload cannot succeed.
		if generated.Error == "" {
			generated.Error = fmt.Sprintf("provider rejected job with status %d", resp.StatusCode)
		}
		return &generated, backoff.Permanent(fmt.Errorf("provider rejected job %s: %s", job.ProcessID, generated.Error))
	default:
		return nil, fmt.Errorf("provider returned status %d for job %s", resp.StatusCode, job.ProcessID)
	}
}
