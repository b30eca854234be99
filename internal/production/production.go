// Package production runs the asynchronous parts of a session: candidate
// image renders per frame, clip and transition syntheses, and the one-click
// swarm that chains them.
//
// Every write goes through plan.Store. Long-running tasks never hold on to a
// plan value between steps; they locate their unit again (by image token or
// by position plus a status check) right before each write, and drop writes
// whose unit has moved on.
package production

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ivlev/cineflow/internal/director"
	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

const (
	// DefaultTick is the interval of the synthetic image progress ticker.
	DefaultTick = 400 * time.Millisecond

	seedProgress = 5
	tickStep     = 2
	tickCeiling  = 95

	// MaxReferences bounds the session's style reference images.
	MaxReferences = 4
)

// errUnchanged aborts a Store.Update without publishing a new version.
var errUnchanged = errors.New("unchanged")

type Options struct {
	References  []string
	Tick        time.Duration
	MaxInFlight int // 0 leaves remote calls unbounded

	// Defaults for drafted frames.
	Candidates int
	ImageModel plan.ImageModel
	VideoModel plan.VideoModel

	Logger *slog.Logger
}

// Production drives remote generation jobs against one plan store.
type Production struct {
	Store    *plan.Store
	Images   provider.ImageGenerator
	Videos   provider.VideoGenerator
	Director *director.Director

	tick       time.Duration
	sem        *semaphore.Weighted
	candidates int
	imageModel plan.ImageModel
	videoModel plan.VideoModel
	log        *slog.Logger
	newID      func() string

	mu   sync.Mutex
	refs []string
}

func New(store *plan.Store, images provider.ImageGenerator, videos provider.VideoGenerator, d *director.Director, opts Options) *Production {
	p := &Production{
		Store:      store,
		Images:     images,
		Videos:     videos,
		Director:   d,
		tick:       opts.Tick,
		candidates: opts.Candidates,
		imageModel: opts.ImageModel,
		videoModel: opts.VideoModel,
		log:        opts.Logger,
		newID:      uuid.NewString,
	}
	if p.tick <= 0 {
		p.tick = DefaultTick
	}
	if p.candidates < plan.MinCandidates || p.candidates > plan.MaxCandidates {
		p.candidates = plan.MinCandidates
	}
	if p.imageModel == "" {
		p.imageModel = plan.ImageModelPro
	}
	if p.videoModel == "" {
		p.videoModel = plan.VideoModelFast
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if opts.MaxInFlight > 0 {
		p.sem = semaphore.NewWeighted(int64(opts.MaxInFlight))
	}
	p.SetReferences(opts.References)
	return p
}

// References returns a copy of the session's style references.
func (p *Production) References() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.refs...)
}

// SetReferences replaces the style references, keeping at most MaxReferences.
func (p *Production) SetReferences(refs []string) {
	if len(refs) > MaxReferences {
		refs = refs[:MaxReferences]
	}
	p.mu.Lock()
	p.refs = append([]string(nil), refs...)
	p.mu.Unlock()
}

func (p *Production) addReferences(refs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range refs {
		if len(p.refs) >= MaxReferences {
			return
		}
		p.refs = append(p.refs, r)
	}
}

// remote runs fn once a MaxInFlight slot is free.
func (p *Production) remote(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer p.sem.Release(1)
	}
	return fn(ctx)
}

// update is Store.Update where errUnchanged is not an error.
func (p *Production) update(fn func(pl *plan.Plan) error) error {
	err := p.Store.Update(fn)
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// frameWithImage returns the frame currently holding the image token.
func frameWithImage(pl *plan.Plan, id string) (*plan.Frame, int) {
	for fi := range pl.Frames {
		for ii := range pl.Frames[fi].Images {
			if pl.Frames[fi].Images[ii].ID == id {
				return &pl.Frames[fi], ii
			}
		}
	}
	return nil, -1
}
