package plan

import "strings"

// AspectRatio of every rendered image and clip in a plan.
type AspectRatio string

const (
	Landscape AspectRatio = "16:9"
	Portrait  AspectRatio = "9:16"
)

// NarrativeMode steers drafting: a continuous story or a loose montage.
type NarrativeMode string

const (
	ModeStory   NarrativeMode = "story"
	ModeMontage NarrativeMode = "montage"
)

// TransitionType decides whether a motion unit bridges two frames or animates one.
type TransitionType string

const (
	Bridge     TransitionType = "bridge"
	Standalone TransitionType = "standalone"
)

type ImageModel string

const (
	ImageModelPro    ImageModel = "gemini-3-pro-image-preview"
	ImageModelFlash  ImageModel = "gemini-2.5-flash-image"
	ImageModelUpload ImageModel = "custom-upload"
)

type VideoModel string

const (
	VideoModelFast    VideoModel = "veo-3.1-fast-generate-preview"
	VideoModelPremium VideoModel = "veo-3.1-generate-preview"
)

const (
	// DefaultFramePrompt and DefaultTransitionPrompt mark prompts nobody has authored yet.
	DefaultFramePrompt      = "Cinematic motion..."
	DefaultTransitionPrompt = "Cinematic transition..."

	MinCandidates = 1
	MaxCandidates = 5
)

// Plan is the root aggregate of one production session
type Plan struct {
	Title            string           `yaml:"title"`
	AspectRatio      AspectRatio      `yaml:"aspect_ratio"`
	NarrativeMode    NarrativeMode    `yaml:"narrative_mode"`
	Constraints      Constraints      `yaml:"global_constraints"`
	Frames           []Frame          `yaml:"frames"`
	Transitions      []Transition     `yaml:"transitions"`
	TransitionPolicy TransitionPolicy `yaml:"transition_policy"`
}

// Constraints are the style and continuity notes shared by every shot
type Constraints struct {
	ContinuityRules []string    `yaml:"continuity_rules"`
	PaletteNotes    string      `yaml:"palette_notes"`
	DoNotInclude    []string    `yaml:"do_not_include"`
	Characters      []Character `yaml:"characters"`
}

// Character is a named entity kept consistent across frames
type Character struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Images      []string `yaml:"images,omitempty"` // data URIs
}

type TransitionPolicy struct {
	Mode            string  `yaml:"mode"` // simple | director
	DurationSeconds float64 `yaml:"duration_seconds"`
}

// Frame is one shot of the storyboard
type Frame struct {
	Index              int        `yaml:"index"` // 1-based
	Raw                string     `yaml:"raw"`
	Images             []Image    `yaml:"images"`
	SelectedImageIndex int        `yaml:"selected_image_index"`
	CandidateCount     int        `yaml:"candidate_count"`
	Status             Status     `yaml:"status"`
	ImageModel         ImageModel `yaml:"image_model"`

	VideoURL      string     `yaml:"video_url,omitempty"`
	VideoStatus   Status     `yaml:"video_status"`
	VideoProgress float64    `yaml:"video_progress"`
	VideoPrompt   string     `yaml:"video_prompt"`
	VideoModel    VideoModel `yaml:"video_model"`
}

// Image is one rendered or uploaded candidate of a frame
type Image struct {
	ID       string     `yaml:"id"` // identity token assigned at placeholder time
	URL      string     `yaml:"url"`
	Status   Status     `yaml:"status"`
	Model    ImageModel `yaml:"model"`
	Progress float64    `yaml:"progress"`
}

// Transition is the motion unit between frame FromIndex and ToIndex
type Transition struct {
	FromIndex      int            `yaml:"from_index"`
	ToIndex        int            `yaml:"to_index"`
	Type           TransitionType `yaml:"type"`
	DirectorPrompt string         `yaml:"director_prompt"`
	VideoURL       string         `yaml:"video_url,omitempty"`
	Model          VideoModel     `yaml:"model"`
	Status         Status         `yaml:"status"`
	Progress       float64        `yaml:"progress"`
}

// New creates an untitled plan with frameCount empty frames.
func New(frameCount int) *Plan {
	p := &Plan{
		Title:         "Untitled Project",
		AspectRatio:   Landscape,
		NarrativeMode: ModeStory,
		TransitionPolicy: TransitionPolicy{
			Mode:            "director",
			DurationSeconds: 2.5,
		},
	}
	for i := 0; i < frameCount; i++ {
		p.Frames = append(p.Frames, NewFrame(i+1))
	}
	p.Transitions = SyncTransitions(nil, len(p.Frames))
	return p
}

// NewFrame returns an idle frame at the given 1-based position.
func NewFrame(index int) Frame {
	return Frame{
		Index:          index,
		CandidateCount: 1,
		Status:         StatusIdle,
		ImageModel:     ImageModelPro,
		VideoStatus:    StatusIdle,
		VideoPrompt:    DefaultFramePrompt,
		VideoModel:     VideoModelFast,
	}
}

// NewTransition returns the default bridge between 0-based frame i and i+1.
func NewTransition(i int) Transition {
	return Transition{
		FromIndex:      i + 1,
		ToIndex:        i + 2,
		Type:           Bridge,
		DirectorPrompt: DefaultTransitionPrompt,
		Model:          VideoModelFast,
		Status:         StatusIdle,
	}
}

// SyncTransitions truncates or extends ts so that it holds max(0, frameCount-1)
// entries. Entries at surviving positions are kept as they are.
func SyncTransitions(ts []Transition, frameCount int) []Transition {
	want := frameCount - 1
	if want < 0 {
		want = 0
	}
	out := make([]Transition, 0, want)
	for i := 0; i < want; i++ {
		if i < len(ts) {
			out = append(out, ts[i])
			continue
		}
		out = append(out, NewTransition(i))
	}
	return out
}

// Master returns the selected image of the frame, if there is one.
func (f *Frame) Master() (Image, bool) {
	if len(f.Images) == 0 || f.SelectedImageIndex < 0 || f.SelectedImageIndex >= len(f.Images) {
		return Image{}, false
	}
	return f.Images[f.SelectedImageIndex], true
}

// MasterURL returns the master image URL when that image is completed.
func (f *Frame) MasterURL() (string, bool) {
	img, ok := f.Master()
	if !ok || img.Status != StatusCompleted || img.URL == "" {
		return "", false
	}
	return img.URL, true
}

// HasPrompt reports whether the frame video prompt was authored or generated.
func (f *Frame) HasPrompt() bool {
	return f.VideoPrompt != "" && f.VideoPrompt != DefaultFramePrompt
}

// HasPrompt reports whether the director prompt was authored or generated.
func (t *Transition) HasPrompt() bool {
	return t.DirectorPrompt != "" && t.DirectorPrompt != DefaultTransitionPrompt
}

// Drafted reports whether at least one frame has a description.
func (p *Plan) Drafted() bool {
	for _, f := range p.Frames {
		if strings.TrimSpace(f.Raw) != "" {
			return true
		}
	}
	return false
}

// CharacterImages flattens the reference images of every character.
func (p *Plan) CharacterImages() []string {
	var out []string
	for _, c := range p.Constraints.Characters {
		out = append(out, c.Images...)
	}
	return out
}

// ClipURLs lists completed transition clips in order. With frames set, each
// frame's own clip is placed before the transition that leaves it.
func (p *Plan) ClipURLs(frames bool) []string {
	var urls []string
	for i := range p.Frames {
		f := &p.Frames[i]
		if frames && f.VideoStatus == StatusCompleted && f.VideoURL != "" {
			urls = append(urls, f.VideoURL)
		}
		if i < len(p.Transitions) {
			t := &p.Transitions[i]
			if t.Status == StatusCompleted && t.VideoURL != "" {
				urls = append(urls, t.VideoURL)
			}
		}
	}
	return urls
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Constraints.ContinuityRules = append([]string(nil), p.Constraints.ContinuityRules...)
	c.Constraints.DoNotInclude = append([]string(nil), p.Constraints.DoNotInclude...)
	if p.Constraints.Characters != nil {
		c.Constraints.Characters = make([]Character, len(p.Constraints.Characters))
		for i, ch := range p.Constraints.Characters {
			ch.Images = append([]string(nil), ch.Images...)
			c.Constraints.Characters[i] = ch
		}
	}
	if p.Frames != nil {
		c.Frames = make([]Frame, len(p.Frames))
		for i, f := range p.Frames {
			f.Images = append([]Image(nil), f.Images...)
			c.Frames[i] = f
		}
	}
	c.Transitions = append([]Transition(nil), p.Transitions...)
	return &c
}

func (p *Plan) renumber() {
	for i := range p.Frames {
		p.Frames[i].Index = i + 1
	}
	p.Transitions = SyncTransitions(p.Transitions, len(p.Frames))
	for i := range p.Transitions {
		p.Transitions[i].FromIndex = i + 1
		p.Transitions[i].ToIndex = i + 2
	}
}
