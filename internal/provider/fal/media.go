package fal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ivlev/cineflow/internal/provider"
)

const (
	ImageEndpoint     = "fal-ai/imagen3"
	VideoEndpoint     = "fal-ai/veo3.1/image-to-video"
	FastVideoEndpoint = "fal-ai/veo3.1/fast/image-to-video"
	TextEndpoint      = "fal-ai/any-llm"

	editStrength = 0.75
)

type imagePayload struct {
	Prompt      string  `json:"prompt"`
	AspectRatio string  `json:"aspect_ratio,omitempty"`
	ImageURL    string  `json:"image_url,omitempty"`
	Strength    float64 `json:"strength,omitempty"`
}

type mediaResult struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Video *struct {
		URL string `json:"url"`
	} `json:"video"`
	URL    string          `json:"url"`
	Output json.RawMessage `json:"output"`
	Data   json.RawMessage `json:"data"`
}

// GenerateImage renders through Imagen 3 and returns the hosted image URL.
func (c *Client) GenerateImage(ctx context.Context, req provider.ImageRequest) (string, error) {
	payload := imagePayload{Prompt: req.Prompt, AspectRatio: req.AspectRatio}
	if req.Source != "" {
		payload.AspectRatio = ""
		payload.ImageURL = c.Resizer.Prepare(req.Source)
		payload.Strength = editStrength
	}

	raw, err := c.Call(ctx, ImageEndpoint, payload, nil)
	if err != nil {
		return "", err
	}
	var res mediaResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	if len(res.Images) == 0 || res.Images[0].URL == "" {
		return "", fmt.Errorf("fal image: %w", provider.ErrNoResult)
	}
	return res.Images[0].URL, nil
}

type videoPayload struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url"`
	EndImageURL string `json:"end_image_url,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// VideoEndpointFor picks the Veo 3.1 variant matching the requested model.
func VideoEndpointFor(model string) string {
	if strings.Contains(model, "fast") {
		return FastVideoEndpoint
	}
	return VideoEndpoint
}

// GenerateVideo synthesizes through Veo 3.1 on the queue API. The start and
// end images are passed as direct references.
func (c *Client) GenerateVideo(ctx context.Context, req provider.VideoRequest, progress provider.ProgressFunc) (string, error) {
	payload := videoPayload{
		Prompt:      req.Prompt,
		ImageURL:    c.Resizer.Prepare(req.StartImage),
		AspectRatio: req.AspectRatio,
	}
	if req.Bridge && req.EndImage != "" {
		payload.EndImageURL = c.Resizer.Prepare(req.EndImage)
	}

	raw, err := c.Call(ctx, VideoEndpointFor(req.Model), payload, progress)
	if err != nil {
		return "", err
	}
	var res mediaResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	if res.Video != nil && res.Video.URL != "" {
		return res.Video.URL, nil
	}
	if res.URL != "" {
		return res.URL, nil
	}
	return "", fmt.Errorf("fal video: %w", provider.ErrNoResult)
}

type textPayload struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// GenerateText runs the prompt on any-llm. Image attachments are not
// forwarded.
func (c *Client) GenerateText(ctx context.Context, req provider.TextRequest) (string, error) {
	prompt := req.Prompt
	if req.JSON {
		prompt += "\nIMPORTANT: Return ONLY valid JSON."
	}

	raw, err := c.Call(ctx, TextEndpoint, textPayload{Prompt: prompt, Model: c.TextModel}, nil)
	if err != nil {
		return "", err
	}
	var res mediaResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	for _, field := range []json.RawMessage{res.Output, res.Data} {
		var s string
		if len(field) > 0 && json.Unmarshal(field, &s) == nil && s != "" {
			return strings.TrimSpace(s), nil
		}
	}
	return "", fmt.Errorf("fal text: %w", provider.ErrNoResult)
}
