package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/ivlev/cineflow/internal/provider"
)

const (
	ProImageModel   = "gemini-3-pro-image-preview"
	FlashImageModel = "gemini-2.5-flash-image"
)

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities,omitempty"`
	ImageConfig        *imageConfig `json:"imageConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
	Tools            []tool            `json:"tools,omitempty"`
}

type groundingChunk struct {
	Web *struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content           content `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []groundingChunk `json:"groundingChunks"`
		} `json:"groundingMetadata,omitempty"`
	} `json:"candidates"`
}

// GenerateImage renders one image and returns it as a data URI. With
// req.Source set the source image is edited according to the prompt.
func (c *Client) GenerateImage(ctx context.Context, req provider.ImageRequest) (string, error) {
	model := req.Model
	if model == "" || req.Source != "" {
		model = ProImageModel
	}

	refs := req.References
	if req.Source != "" {
		refs = append([]string{req.Source}, refs...)
	}
	var images []part
	for _, ref := range refs {
		p, err := c.imagePart(ctx, ref)
		if err != nil {
			c.log.Warn("skipping reference image", "err", err)
			continue
		}
		images = append(images, p)
	}

	// The pro model reads the prompt first; the others want references first.
	prompt := part{Text: req.Prompt}
	var parts []part
	if model == ProImageModel && req.Source == "" {
		parts = append([]part{prompt}, images...)
	} else {
		parts = append(images, prompt)
	}

	cfg := &imageConfig{AspectRatio: req.AspectRatio}
	if req.Source != "" {
		cfg.AspectRatio = ""
	}
	if model == ProImageModel {
		cfg.ImageSize = "1K"
	}

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        cfg,
		},
	}

	var resp generateResponse
	if err := c.do(ctx, "POST", "models/"+url.PathEscape(model)+":generateContent", body, &resp); err != nil {
		return "", err
	}
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				return "data:" + p.InlineData.MIMEType + ";base64," + p.InlineData.Data, nil
			}
		}
	}
	return "", fmt.Errorf("gemini image %s: %w", model, provider.ErrNoResult)
}

func (c *Client) imagePart(ctx context.Context, ref string) (part, error) {
	mime, data, err := c.inline(ctx, c.cfg.Resizer.Prepare(ref))
	if err != nil {
		return part{}, err
	}
	return part{InlineData: &inlineData{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(data)}}, nil
}

// searchText answers a text request grounded with web search and appends the
// cited sources.
func (c *Client) searchText(ctx context.Context, req provider.TextRequest) (string, error) {
	var parts []part
	for _, a := range req.Images {
		p, err := c.imagePart(ctx, a.Image)
		if err != nil {
			continue
		}
		if a.Label != "" {
			parts = append(parts, part{Text: a.Label + ":"})
		}
		parts = append(parts, p)
	}
	parts = append(parts, part{Text: req.Prompt})

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		Tools:    []tool{{GoogleSearch: &struct{}{}}},
	}
	var resp generateResponse
	if err := c.do(ctx, "POST", "models/"+url.PathEscape(c.cfg.TextModel)+":generateContent", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", provider.ErrNoResult
	}

	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())

	var refs []string
	if cand.GroundingMetadata != nil {
		for _, ch := range cand.GroundingMetadata.GroundingChunks {
			if ch.Web != nil && ch.Web.URI != "" && ch.Web.Title != "" {
				refs = append(refs, fmt.Sprintf("- [Ref: %s](%s)", ch.Web.Title, ch.Web.URI))
			}
		}
	}
	if len(refs) > 0 {
		text += "\n\n**Reference Sources:**\n" + strings.Join(refs, "\n")
	}
	return text, nil
}
