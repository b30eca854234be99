package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ivlev/cineflow/internal/config"
	"github.com/ivlev/cineflow/internal/director"
	"github.com/ivlev/cineflow/internal/imaging"
	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/production"
	"github.com/ivlev/cineflow/internal/provider"
	"github.com/ivlev/cineflow/internal/provider/fal"
	"github.com/ivlev/cineflow/internal/provider/gemini"
	"github.com/ivlev/cineflow/internal/source"
	"github.com/ivlev/cineflow/internal/stitch"
	"github.com/ivlev/cineflow/internal/system"
)

var version = "dev"

// backend is what both generation clients implement
type backend interface {
	provider.ImageGenerator
	provider.VideoGenerator
	provider.TextGenerator
}

func main() {
	system.InitResourceLimits()

	configPtr := flag.String("config", "", "Path to a YAML config file")
	conceptPtr := flag.String("concept", "", "Film concept to draft the storyboard from")
	framesPtr := flag.Int("frames", 0, "Number of storyboard frames to draft")
	aspectPtr := flag.String("aspect", "", "Aspect ratio: 16:9 or 9:16")
	modePtr := flag.String("mode", "", "Narrative mode: story or montage")
	candidatesPtr := flag.Int("candidates", 0, "Candidate images per frame (1-5)")
	refsPtr := flag.String("references", "", "Mood board: a PDF, an image directory or a single image")
	snapshotPtr := flag.String("snapshot", "", "Plan snapshot to write (and read with -resume)")
	resumePtr := flag.Bool("resume", false, "Resume from -snapshot or the latest snapshot in the output directory")
	outputPtr := flag.String("output", "", "Output directory")
	mediaPtr := flag.String("media", "", "Directory for downloaded clips")
	stitchPtr := flag.Bool("stitch", true, "Stitch completed clips into one movie")
	sharePtr := flag.Bool("share", false, "Write a QR code pointing at the movie")
	statsPtr := flag.Bool("stats", false, "Print a production report")
	inFlightPtr := flag.Int("max-in-flight", -1, "Bound on concurrent generation calls (0 = unbounded)")
	levelPtr := flag.String("log-level", "", "Log level: debug, info, warn, error")
	versionPtr := flag.Bool("version", false, "Print the version and exit")

	flag.Parse()

	if *versionPtr {
		fmt.Println("cineflow", version)
		return
	}

	if err := config.LoadEnv(); err != nil {
		log.Fatalf("[-] Error: %v", err)
	}
	cfg, err := config.Load(*configPtr)
	if err != nil {
		log.Fatalf("[-] Config error: %v", err)
	}
	cfg.BuildVersion = version

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if *conceptPtr != "" {
		cfg.Project.Concept = *conceptPtr
	}
	if *framesPtr > 0 {
		cfg.Project.Frames = *framesPtr
	}
	if *aspectPtr != "" {
		cfg.Project.AspectRatio = plan.AspectRatio(*aspectPtr)
	}
	if *modePtr != "" {
		cfg.Project.Mode = plan.NarrativeMode(*modePtr)
	}
	if *candidatesPtr > 0 {
		cfg.Project.Candidates = *candidatesPtr
	}
	if *refsPtr != "" {
		cfg.References.Path = *refsPtr
	}
	if *snapshotPtr != "" {
		cfg.Output.Snapshot = *snapshotPtr
	}
	if *outputPtr != "" {
		cfg.Output.Dir = *outputPtr
	}
	if *mediaPtr != "" {
		cfg.Output.MediaDir = *mediaPtr
	}
	if set["stitch"] {
		cfg.Output.Stitch = *stitchPtr
	}
	if set["share"] {
		cfg.Output.Share = *sharePtr
	}
	if set["stats"] {
		cfg.ShowStats = *statsPtr
	}
	if *inFlightPtr >= 0 {
		cfg.Production.MaxInFlight = *inFlightPtr
	}
	if *levelPtr != "" {
		cfg.LogLevel = *levelPtr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[-] Config error: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("[-] Unknown log level %q", cfg.LogLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := ensureDirs(cfg.Output.Dir, cfg.Output.MediaDir); err != nil {
		log.Fatalf("[-] Directory error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("[*] cineflow %s\n", cfg.BuildVersion)

	resizer := imaging.Resizer{MaxDimension: cfg.References.MaxDimension, Quality: cfg.References.Quality}
	primary, secondary, closeBackends, err := openBackends(ctx, cfg, resizer, logger)
	if err != nil {
		log.Fatalf("[-] Backend error: %v", err)
	}
	defer closeBackends()

	router := provider.Router{RetryDelay: cfg.RetryDelay, Logger: logger}
	images := &provider.FallbackImages{Router: router, Primary: primary}
	videos := &provider.FallbackVideos{Router: router, Primary: primary}
	text := &provider.FallbackText{Router: router, Primary: primary}
	if secondary != nil {
		images.Secondary, videos.Secondary, text.Secondary = secondary, secondary, secondary
	}

	refs, err := loadReferences(cfg.References)
	if err != nil {
		log.Fatalf("[-] Reference error: %v", err)
	}
	if len(refs) > 0 {
		fmt.Printf("[*] Loaded %d style references from %s\n", len(refs), cfg.References.Path)
	}

	pl, snapshot, err := openPlan(cfg, *resumePtr)
	if err != nil {
		log.Fatalf("[-] Plan error: %v", err)
	}
	store := plan.NewStore(pl)

	prod := production.New(store, images, videos, director.NewDirector(text), production.Options{
		References:  refs,
		Tick:        cfg.Production.ProgressTick,
		MaxInFlight: cfg.Production.MaxInFlight,
		Candidates:  cfg.Project.Candidates,
		ImageModel:  cfg.Project.ImageModel,
		VideoModel:  cfg.Project.VideoModel,
		Logger:      logger,
	})

	saveCtx, stopSave := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if cfg.Output.Autosave > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			plan.Autosave(saveCtx, store, snapshot, cfg.Output.Autosave)
		}()
	}

	outcome := prod.RunFullProduction(ctx, cfg.Project.Concept, func(msg string) {
		fmt.Printf("[*] %s\n", msg)
	})

	stopSave()
	wg.Wait()
	if err := plan.WriteSnapshot(store.Snapshot(), snapshot); err != nil {
		log.Printf("[!] Could not write snapshot: %v", err)
	} else {
		fmt.Printf("[*] Plan saved: %s\n", snapshot)
	}

	switch {
	case outcome.Err == nil:
		fmt.Printf("[+++] %s\n", outcome.Status)
	default:
		fmt.Printf("[!] %s: %v\n", outcome.Status, outcome.Err)
		fmt.Printf("[*] Resume with: cineflow -resume -snapshot %s\n", snapshot)
	}

	var movie string
	if cfg.Output.Stitch && ctx.Err() == nil {
		movie = stitchMovie(ctx, cfg, prod.ClipURLs(cfg.Production.FrameClips), logger)
	}
	if movie != "" && cfg.Output.Share {
		code := strings.TrimSuffix(movie, filepath.Ext(movie)) + "_share.png"
		if err := stitch.WriteShareCode(movie, code); err != nil {
			log.Printf("[!] %v", err)
		} else {
			fmt.Printf("[*] Share code: %s\n", code)
		}
	}

	if cfg.ShowStats {
		system.Report{
			Elapsed:     outcome.Elapsed,
			Images:      outcome.Images,
			FrameClips:  outcome.FrameClips,
			Transitions: outcome.Transitions,
			Failures:    outcome.Failures,
			Usage:       system.ReadUsage(),
		}.Write(os.Stdout)
	}

	if outcome.Err != nil {
		stop()
		closeBackends()
		os.Exit(1)
	}
}

// openBackends connects every enabled backend. Gemini is primary when it is
// available; Fal then serves as the fallback.
// ensureDirs creates every non-empty dir.
func ensureDirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

func openBackends(ctx context.Context, cfg config.Config, resizer imaging.Resizer, logger *slog.Logger) (primary, secondary backend, closeFn func(), err error) {
	closeFn = func() {}

	var backends []backend
	if cfg.Gemini.Enabled {
		g, err := gemini.New(ctx, gemini.Config{
			APIKey:    gemini.KeyFromEnv(),
			BaseURL:   cfg.Gemini.BaseURL,
			TextModel: cfg.Gemini.TextModel,
			MediaDir:  cfg.Output.MediaDir,
			Polling:   cfg.Gemini.Polling.Apply(provider.GeminiPolling()),
			Resizer:   resizer,
			Logger:    logger,
		})
		if err != nil {
			log.Printf("[!] Gemini unavailable: %v", err)
		} else {
			closeFn = func() { g.Close() }
			backends = append(backends, g)
		}
	}
	if cfg.Fal.Enabled {
		if key := fal.KeyFromEnv(); key != "" {
			f := fal.New(key)
			if cfg.Fal.BaseURL != "" {
				f.QueueURL = strings.TrimRight(cfg.Fal.BaseURL, "/")
			}
			if cfg.Fal.TextModel != "" {
				f.TextModel = cfg.Fal.TextModel
			}
			f.Polling = cfg.Fal.Polling.Apply(f.Polling)
			f.Resizer = resizer
			f.RetryDelay = cfg.RetryDelay
			f.Logger = logger.With("provider", "fal")
			backends = append(backends, f)
		} else {
			log.Printf("[!] FAL_API_KEY is not set, running without fallback")
		}
	}

	switch len(backends) {
	case 0:
		return nil, nil, closeFn, errors.New("no generation backend configured (set GEMINI_API_KEY or FAL_API_KEY)")
	case 1:
		return backends[0], nil, closeFn, nil
	}
	return backends[0], backends[1], closeFn, nil
}

func loadReferences(rc config.ReferenceConfig) ([]string, error) {
	if rc.Path == "" {
		return nil, nil
	}
	src, err := source.Open(rc.Path, rc.DPI)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if rc.Trim {
		src = source.Trimmed(src, source.DefaultTrimmer())
	}
	return source.LoadReferences(src, rc.Limit, imaging.Resizer{MaxDimension: rc.MaxDimension, Quality: rc.Quality})
}

// openPlan returns the plan to work on and the snapshot path it is saved to.
func openPlan(cfg config.Config, resume bool) (*plan.Plan, string, error) {
	snapshot := cfg.Output.Snapshot
	if resume {
		if snapshot == "" {
			latest, err := system.FindLatest(cfg.Output.Dir, ".yaml", ".yml")
			if err != nil {
				return nil, "", fmt.Errorf("nothing to resume: %w", err)
			}
			snapshot = latest
		}
		pl, err := plan.ReadSnapshot(snapshot)
		if err != nil {
			return nil, "", err
		}
		fmt.Printf("[*] Resuming %q from %s\n", pl.Title, snapshot)
		return pl, snapshot, nil
	}

	if snapshot == "" {
		snapshot = plan.SnapshotPath(cfg.Output.Dir, time.Now())
	}
	pl := plan.New(cfg.Project.Frames)
	pl.AspectRatio = cfg.Project.AspectRatio
	pl.NarrativeMode = cfg.Project.Mode
	return pl, snapshot, nil
}

func stitchMovie(ctx context.Context, cfg config.Config, clips []string, logger *slog.Logger) string {
	if len(clips) < 2 {
		fmt.Printf("[*] %d clip(s) ready, nothing to stitch\n", len(clips))
		return ""
	}

	encoder := system.GetBestH264Encoder()
	if encoder != "libx264" {
		fmt.Printf("[*] Hardware acceleration detected: %s\n", encoder)
	}
	s := stitch.New()
	s.Encoder = encoder
	s.Logger = logger
	switch encoder {
	case "h264_videotoolbox":
		s.Quality = 75
	case "h264_nvenc":
		s.Quality = 28
	default:
		s.Quality = 23
	}

	out := cfg.Output.Movie
	if !filepath.IsAbs(out) {
		out = filepath.Join(cfg.Output.Dir, out)
	}
	path, err := s.Stitch(ctx, clips, out)
	if err != nil {
		log.Printf("[!] Stitching failed: %v", err)
		return ""
	}
	fmt.Printf("[+++] Movie: %s\n", path)
	return path
}
