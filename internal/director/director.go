// Package director writes the text side of a production: the drafted shot
// list, motion prompts for clips and transitions, and descriptions of
// uploaded images.
package director

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

// Director drafts plans and writes prompts through a text backend. Attachments
// are passed as given; the backend bounds their size.
type Director struct {
	Text provider.TextGenerator
}

func NewDirector(text provider.TextGenerator) *Director {
	return &Director{Text: text}
}

// DraftRequest carries the concept and the hints taken from the current plan.
type DraftRequest struct {
	Concept    string
	FrameCount int
	References []string
	Plan       *plan.Plan
}

// Draft is the drafted title, constraints and shot list.
type Draft struct {
	Title       string           `json:"title"`
	Constraints DraftConstraints `json:"globalConstraints"`
	Frames      []DraftFrame     `json:"frames"`
}

type DraftConstraints struct {
	PaletteNotes    string           `json:"paletteNotes"`
	ContinuityRules []string         `json:"continuityRules"`
	Characters      []DraftCharacter `json:"characters"`
}

type DraftCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type DraftFrame struct {
	Raw string `json:"raw"`
}

// Draft asks the text backend for a shot list. Style references and
// character images are resized and attached. A reply that is not valid JSON
// fails with provider.ErrMalformedResponse.
func (d *Director) Draft(ctx context.Context, req DraftRequest) (*Draft, error) {
	if strings.TrimSpace(req.Concept) == "" {
		return nil, fmt.Errorf("draft: empty concept")
	}
	mode := plan.ModeStory
	var palette string
	var characters []plan.Character
	if req.Plan != nil {
		if req.Plan.NarrativeMode != "" {
			mode = req.Plan.NarrativeMode
		}
		palette = req.Plan.Constraints.PaletteNotes
		characters = req.Plan.Constraints.Characters
	}

	var images []provider.Attachment
	for i, ref := range req.References {
		label := ""
		if i == 0 {
			label = "Visual style references"
		}
		images = append(images, provider.Attachment{Label: label, Image: ref})
	}
	for _, c := range characters {
		for _, img := range c.Images {
			images = append(images, provider.Attachment{Label: "Entity Ref: " + c.Name, Image: img})
		}
	}

	reply, err := d.Text.GenerateText(ctx, provider.TextRequest{
		Prompt: draftPrompt(req.Concept, mode, req.FrameCount, palette),
		Images: images,
		JSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("draft: %w", err)
	}

	var draft Draft
	if err := json.Unmarshal([]byte(CleanJSON(reply)), &draft); err != nil {
		return nil, fmt.Errorf("draft: %w: %v", provider.ErrMalformedResponse, err)
	}
	var frames []DraftFrame
	for _, f := range draft.Frames {
		if strings.TrimSpace(f.Raw) != "" {
			frames = append(frames, f)
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("draft: %w: no frames", provider.ErrMalformedResponse)
	}
	draft.Frames = frames
	return &draft, nil
}

// MotionRequest describes the clip a motion prompt is written for. To is nil
// for a single-frame clip.
type MotionRequest struct {
	From  *plan.Frame
	To    *plan.Frame
	Style string
	Type  plan.TransitionType
}

// MotionPrompt writes the synthesis prompt for a clip. A bridge is grounded on
// both master images, anything else on the start image only.
func (d *Director) MotionPrompt(ctx context.Context, req MotionRequest) (string, error) {
	if req.From == nil {
		return "", fmt.Errorf("motion prompt: missing start frame")
	}
	var images []provider.Attachment
	if img, ok := req.From.MasterURL(); ok {
		images = append(images, provider.Attachment{Label: "START_FRAME", Image: img})
	}
	if req.To != nil && req.Type == plan.Bridge {
		if img, ok := req.To.MasterURL(); ok {
			images = append(images, provider.Attachment{Label: "END_FRAME", Image: img})
		}
	}

	reply, err := d.Text.GenerateText(ctx, provider.TextRequest{Prompt: motionPrompt(req), Images: images})
	if err != nil {
		return "", fmt.Errorf("motion prompt: %w", err)
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		return DefaultMotionPrompt, nil
	}
	return reply, nil
}

// Describe writes a storyboard description of an image.
func (d *Director) Describe(ctx context.Context, image string) (string, error) {
	reply, err := d.Text.GenerateText(ctx, provider.TextRequest{
		Prompt: describePrompt,
		Images: []provider.Attachment{{Image: image}},
	})
	if err != nil {
		return "", fmt.Errorf("describe: %w", err)
	}
	return strings.TrimSpace(StripBold(reply)), nil
}

// Research returns a search-grounded DP briefing for the concept.
func (d *Director) Research(ctx context.Context, query string) (string, error) {
	reply, err := d.Text.GenerateText(ctx, provider.TextRequest{Prompt: researchPrompt(query), Search: true})
	if err != nil {
		return "", fmt.Errorf("research: %w", err)
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		reply = "No results."
	}
	return "### DP BRIEFING: VISUAL TRENDS\n\n" + reply, nil
}
