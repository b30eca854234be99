package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"github.com/ivlev/cineflow/internal/imaging"
	"github.com/ivlev/cineflow/internal/provider"
)

// GenerateText runs one text model call. Attached images are resized and sent
// inline ahead of the prompt. Search requests go through the REST API with the
// search tool enabled.
func (c *Client) GenerateText(ctx context.Context, req provider.TextRequest) (string, error) {
	if req.Search {
		return c.searchText(ctx, req)
	}
	model := c.genai.GenerativeModel(c.cfg.TextModel)
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, c.textParts(req)...)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	return responseText(resp)
}

func (c *Client) textParts(req provider.TextRequest) []genai.Part {
	var parts []genai.Part
	for _, a := range req.Images {
		mime, data, err := imaging.ParseDataURI(c.cfg.Resizer.Prepare(a.Image))
		if err != nil {
			c.log.Debug("skipping attachment that is not inline", "label", a.Label)
			continue
		}
		if a.Label != "" {
			parts = append(parts, genai.Text(a.Label+":"))
		}
		parts = append(parts, genai.Blob{MIMEType: mime, Data: data})
	}
	return append(parts, genai.Text(req.Prompt))
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", provider.ErrNoResult
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
