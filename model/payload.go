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
	"encoding/json"
	"fmt"
	"time"
)

// Generation categories. The category tags the request/response union so
// malformed payloads fail at parse time instead of at field access.
const (
	CategoryImage = "image"
	CategoryVideo = "video"
	CategoryAudio = "audio"
)

// ImageParams are the parameters for image generation tools.
type ImageParams struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

// VideoParams are the parameters for video generation tools.
type VideoParams struct {
	DurationSeconds int    `json:"duration_seconds"`
	Resolution      string `json:"resolution,omitempty"`
	FPS             int    `json:"fps,omitempty"`
}

// AudioParams are the parameters for audio generation tools.
type AudioParams struct {
	DurationSeconds int    `json:"duration_seconds"`
	Voice           string `json:"voice,omitempty"`
	Format          string `json:"format,omitempty"`
}

// GenerationRequest is the tagged request payload for a job. Exactly one
// of the params fields is set, matching Category.
type GenerationRequest struct {
	Category string       `json:"category"`
	Prompt   string       `json:"prompt"`
	Image    *ImageParams `json:"image,omitempty"`
	Video    *VideoParams `json:"video,omitempty"`
	Audio    *AudioParams `json:"audio,omitempty"`
}

// GenerationResponse is the provider's result payload, nil until the job
// completes.
type GenerationResponse struct {
	OutputURLs  []string               `json:"output_urls,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Provider    string                 `json:"provider,omitempty"`
	Raw         map[string]interface{} `json:"raw,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Validate checks that the request is internally consistent: the category
// is known, its params branch is present, and no foreign branch is set.
func (r *GenerationRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	switch r.Category {
	case CategoryImage:
		if r.Image == nil {
			return fmt.Errorf("image params are required for category %q", r.Category)
		}
		if r.Video != nil || r.Audio != nil {
			return fmt.Errorf("unexpected params for category %q", r.Category)
		}
		if r.Image.Width <= 0 || r.Image.Height <= 0 {
			return fmt.Errorf("image width and height must be positive")
		}
	case CategoryVideo:
		if r.Video == nil {
			return fmt.Errorf("video params are required for category %q", r.Category)
		}
		if r.Image != nil || r.Audio != nil {
			return fmt.Errorf("unexpected params for category %q", r.Category)
		}
		if r.Video.DurationSeconds <= 0 {
			return fmt.Errorf("video duration must be positive")
		}
	case CategoryAudio:
		if r.Audio == nil {
			return fmt.Errorf("audio params are required for category %q", r.Category)
		}
		if r.Image != nil || r.Video != nil {
			return fmt.Errorf("unexpected params for category %q", r.Category)
		}
		if r.Audio.DurationSeconds <= 0 {
			return fmt.Errorf("audio duration must be positive")
		}
	default:
		return fmt.Errorf("unknown category %q", r.Category)
	}
	return nil
}

// ParseGenerationRequest decodes and validates a raw request payload.
func ParseGenerationRequest(raw []byte) (*GenerationRequest, error) {
	var req GenerationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed request payload: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
