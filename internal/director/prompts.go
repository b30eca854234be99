package director

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ivlev/cineflow/internal/plan"
)

// RealismDirection is appended to every generation prompt.
const RealismDirection = "STRICT ART DIRECTION: Focus on grounded, realistic cinematography. Use natural lighting, " +
	"professional film stocks (Arri Alexa, Red V-Raptor looks), and realistic physics. AVOID all fantasy, magic, " +
	"or sci-fi visual effects (glows, sparkles, holograms, unprompted neon, magical particles) unless the user " +
	"specifically requests them. The result must look like a real, high-budget cinematic production."

// DefaultMotionPrompt stands in when the director call returns nothing.
const DefaultMotionPrompt = "Cinematic synthesis."

// Variations give each candidate of a multi-candidate render its own framing.
var Variations = []string{
	"Cinematic wide",
	"Dynamic medium",
	"Intimate close-up",
	"Low-angle heroic",
	"Abstract macro",
}

// CandidatePrompt returns the render prompt for candidate index of total.
func CandidatePrompt(base string, index, total int) string {
	if total > 1 {
		base = fmt.Sprintf("%s (%s)", base, Variations[index%len(Variations)])
	}
	return base + " " + RealismDirection
}

// FramePrompt is the base render prompt of a frame.
func FramePrompt(p *plan.Plan, f *plan.Frame) string {
	return fmt.Sprintf("STYLE: %s\n\nSCENE: %s", p.Constraints.PaletteNotes, f.Raw)
}

// ReferencePrompt asks for one stand-alone style reference photo.
func ReferencePrompt(query string, index int) string {
	return fmt.Sprintf("Professional cinematic reference photography for: %q. Variation %d. %s", query, index+1, RealismDirection)
}

// EditPrompt turns a user instruction into an image edit prompt.
func EditPrompt(instruction string) string {
	return fmt.Sprintf(`You are an elite cinematic image editor.
Modification: %q.

STRICT RULES:
1. No fantasy/magic elements.
2. Maintain original composition and subjects perfectly unless told to change.
3. Clean up text/footers/overlays by replacing them with natural background texture.
4. Ensure the lighting remains photorealistic.
5. %s

Output the modified image.`, instruction, RealismDirection)
}

func draftPrompt(concept string, mode plan.NarrativeMode, frameCount int, palette string) string {
	return fmt.Sprintf(`Act as a Director. Concept: %q. Mode: %s. %s
Frame Count: %d
Style Preference: %q
Return JSON with this shape:
{"title": string, "globalConstraints": {"paletteNotes": string, "continuityRules": [string], "characters": [{"name": string, "description": string}]}, "frames": [{"raw": string}]}`,
		concept, mode, RealismDirection, frameCount, palette)
}

func motionPrompt(req MotionRequest) string {
	task := "Animate this scene into a high-impact 5-second cinematic clip. Focus on internal motion, " +
		"environmental effects (smoke, light shifts), and subtle camera movement."
	if req.To != nil && req.Type == plan.Bridge {
		task = "Create a smart cinematic interpolation bridge between Scene A and Scene B. " +
			"Describe the camera movement and physical flow."
	}

	var sb strings.Builder
	sb.WriteString("Act as a Professional Film Director.\n")
	if req.Style != "" {
		fmt.Fprintf(&sb, "Project Style: %s.\n", req.Style)
	}
	fmt.Fprintf(&sb, "Scene A: %s\n", req.From.Raw)
	if req.To != nil {
		fmt.Fprintf(&sb, "Scene B: %s\n", req.To.Raw)
	}
	fmt.Fprintf(&sb, "\nTask: %s\n%s\n", task, RealismDirection)
	sb.WriteString("Return ONLY the final prompt for the video synthesis engine.")
	return sb.String()
}

const describePrompt = "Describe this image for a film storyboard. Use realistic cinematography terminology. Single paragraph."

func researchPrompt(query string) string {
	return fmt.Sprintf(`Research professional filmic references and real-world high-end advertising aesthetics for: %q.
GOAL: Provide a "Cinematic Visual Recipe" for an AI image generator.
1. Search for real photography/film trends.
2. Describe COLOR PALETTE precisely.
3. Describe LIGHTING SETUP.
4. Describe CAMERA GEAR.
5. %s
Provide the response as a professional DP briefing.`, query, RealismDirection)
}

var (
	fenceOpen  = regexp.MustCompile("^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
	boldLabel  = regexp.MustCompile(`\*\*[^*]+?\*\*:?\s*`)
)

// CleanJSON strips a markdown code fence around a JSON reply.
func CleanJSON(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return "{}"
	}
	if strings.HasPrefix(s, "```") {
		s = fenceOpen.ReplaceAllString(s, "")
		s = fenceClose.ReplaceAllString(s, "")
	}
	return s
}

// StripBold removes markdown bold labels such as "**Lighting:**".
func StripBold(text string) string {
	return boldLabel.ReplaceAllString(text, "")
}
