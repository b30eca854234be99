package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

// Config of one cineflow run. API keys never live here; they come from the
// environment or a .env file.
type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Production ProductionConfig `yaml:"production"`
	References ReferenceConfig  `yaml:"references"`
	Output     OutputConfig     `yaml:"output"`
	Gemini     BackendConfig    `yaml:"gemini"`
	Fal        BackendConfig    `yaml:"fal"`
	RetryDelay time.Duration    `yaml:"retry_delay"`
	LogLevel   string           `yaml:"log_level"`
	ShowStats  bool             `yaml:"show_stats"`

	BuildVersion string `yaml:"-"`
}

type ProjectConfig struct {
	Concept     string             `yaml:"concept"`
	Frames      int                `yaml:"frames"`
	AspectRatio plan.AspectRatio   `yaml:"aspect_ratio"`
	Mode        plan.NarrativeMode `yaml:"mode"`
	Candidates  int                `yaml:"candidates"`
	ImageModel  plan.ImageModel    `yaml:"image_model"`
	VideoModel  plan.VideoModel    `yaml:"video_model"`
}

type ProductionConfig struct {
	// MaxInFlight bounds concurrent generation calls; 0 leaves them unbounded.
	MaxInFlight  int           `yaml:"max_in_flight"`
	ProgressTick time.Duration `yaml:"progress_tick"`
	// FrameClips interleaves each frame's own clip into the stitched movie.
	FrameClips bool `yaml:"frame_clips"`
}

type ReferenceConfig struct {
	Path         string `yaml:"path"`
	Limit        int    `yaml:"limit"`
	DPI          int    `yaml:"dpi"`
	MaxDimension int    `yaml:"max_dimension"`
	Quality      int    `yaml:"quality"`
	// Trim crops page margins around the content of each reference.
	Trim bool `yaml:"trim"`
}

type OutputConfig struct {
	Dir      string        `yaml:"dir"`
	MediaDir string        `yaml:"media_dir"`
	Snapshot string        `yaml:"snapshot"`
	Autosave time.Duration `yaml:"autosave"`
	Stitch   bool          `yaml:"stitch"`
	Movie    string        `yaml:"movie"`
	Share    bool          `yaml:"share"`
}

type BackendConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	TextModel string        `yaml:"text_model"`
	Polling   PollingConfig `yaml:"polling"`
}

// PollingConfig overrides the backend's polling preset field by field.
type PollingConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
	MaxInterval  time.Duration `yaml:"max_interval"`
	ErrorStep    time.Duration `yaml:"error_step"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	MaxErrors    int           `yaml:"max_consecutive_errors"`
}

func Default() Config {
	return Config{
		Project: ProjectConfig{
			Frames:      4,
			AspectRatio: plan.Landscape,
			Mode:        plan.ModeStory,
			Candidates:  1,
			ImageModel:  plan.ImageModelPro,
			VideoModel:  plan.VideoModelFast,
		},
		Production: ProductionConfig{
			ProgressTick: 400 * time.Millisecond,
		},
		References: ReferenceConfig{
			Limit:        4,
			DPI:          96,
			MaxDimension: 1024,
			Quality:      85,
			Trim:         true,
		},
		Output: OutputConfig{
			Dir:      "output",
			MediaDir: "output/media",
			Autosave: 5 * time.Second,
			Stitch:   true,
			Movie:    "movie.mp4",
		},
		Gemini:     BackendConfig{Enabled: true},
		Fal:        BackendConfig{Enabled: true},
		RetryDelay: provider.DefaultRetryDelay,
		LogLevel:   "info",
	}
}

// Load reads a YAML file over Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// LoadEnv loads .env style files into the process environment. Missing files
// are skipped and variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	p := c.Project
	if p.AspectRatio != plan.Landscape && p.AspectRatio != plan.Portrait {
		errs = append(errs, fmt.Errorf("aspect_ratio: unknown value %q", p.AspectRatio))
	}
	if p.Mode != plan.ModeStory && p.Mode != plan.ModeMontage {
		errs = append(errs, fmt.Errorf("mode: unknown value %q", p.Mode))
	}
	if p.Candidates < plan.MinCandidates || p.Candidates > plan.MaxCandidates {
		errs = append(errs, fmt.Errorf("candidates: %w: got %d", plan.ErrCandidateCount, p.Candidates))
	}
	if p.Frames < 1 {
		errs = append(errs, fmt.Errorf("frames: must be positive, got %d", p.Frames))
	}
	if c.Production.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("max_in_flight: must not be negative"))
	}
	if c.Production.ProgressTick <= 0 {
		errs = append(errs, fmt.Errorf("progress_tick: must be positive"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay: must not be negative"))
	}
	if !c.Gemini.Enabled && !c.Fal.Enabled {
		errs = append(errs, fmt.Errorf("at least one backend must be enabled"))
	}
	for name, pc := range map[string]PollingConfig{"gemini": c.Gemini.Polling, "fal": c.Fal.Polling} {
		if pc.Interval < 0 || pc.MaxInterval < 0 || pc.Timeout < 0 || pc.MaxAttempts < 0 || pc.MaxErrors < 0 {
			errs = append(errs, fmt.Errorf("%s.polling: values must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// Apply returns p with every non-zero field of pc set on it.
func (pc PollingConfig) Apply(p provider.Poller) provider.Poller {
	if pc.InitialDelay > 0 {
		p.InitialDelay = pc.InitialDelay
	}
	if pc.Interval > 0 {
		p.Interval = pc.Interval
	}
	if pc.MaxInterval > 0 {
		p.MaxInterval = pc.MaxInterval
	}
	if pc.ErrorStep > 0 {
		p.ErrorStep = pc.ErrorStep
	}
	if pc.Timeout > 0 {
		p.Timeout = pc.Timeout
	}
	if pc.MaxAttempts > 0 {
		p.MaxAttempts = pc.MaxAttempts
	}
	if pc.MaxErrors > 0 {
		p.MaxConsecutiveErrors = pc.MaxErrors
	}
	return p
}
