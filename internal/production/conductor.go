package production

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

// Terminal statuses of a production run.
const (
	StatusComplete = "Production Complete!"
	StatusQuota    = "Quota Hit - Resumable"
	StatusPaused   = "Production Paused"
)

// DefaultFrameCount is the length of a drafted storyboard when the plan has no frames.
const DefaultFrameCount = 3

var ErrNoConcept = errors.New("a concept is needed to draft the storyboard")

// Outcome summarizes one run. Err is the first failure that decided Status.
type Outcome struct {
	Status  string
	Err     error
	Drafted bool

	Images      int // completed frames
	FrameClips  int
	Transitions int
	Failures    int
	Elapsed     time.Duration
}

// Resumable reports whether re-running may finish the production.
func (o Outcome) Resumable() bool {
	return o.Status != StatusComplete
}

// PhaseFunc receives a line for each phase of a run.
type PhaseFunc func(msg string)

// RunFullProduction drafts the storyboard when every description is empty,
// renders every frame that is not completed and then synthesizes every
// missing clip and transition in one batch.
//
// The imaging phase stops at the first capacity error; the motion phase lets
// every unit settle. Completed units are skipped, so a paused run can simply
// be run again. It never returns an error; failures are carried in Outcome.
func (p *Production) RunFullProduction(ctx context.Context, concept string, phase PhaseFunc) Outcome {
	started := time.Now()
	if phase == nil {
		phase = func(string) {}
	}
	o := Outcome{}
	finish := func() Outcome {
		p.count(&o)
		o.Elapsed = time.Since(started)
		o.Status = StatusComplete
		switch {
		case o.Err != nil && provider.IsCapacity(o.Err):
			o.Status = StatusQuota
		case o.Err != nil:
			o.Status = StatusPaused
		}
		p.log.Info("production finished", "status", o.Status, "elapsed", o.Elapsed.Round(time.Millisecond), "failures", o.Failures)
		return o
	}

	phase("Directing the Storyboard Swarm...")
	if !p.Store.Snapshot().Drafted() {
		if strings.TrimSpace(concept) == "" {
			o.Err = ErrNoConcept
			return finish()
		}
		n := len(p.Store.Snapshot().Frames)
		if n == 0 {
			n = DefaultFrameCount
		}
		if err := p.Draft(ctx, concept, n); err != nil {
			o.Err = fmt.Errorf("drafting: %w", err)
			return finish()
		}
		o.Drafted = true
	}

	phase("Capturing all Keyframes simultaneously...")
	if err := p.imagingPhase(ctx, &o); err != nil {
		o.Err = err
		return finish()
	}
	if err := ctx.Err(); err != nil {
		o.Err = err
		return finish()
	}

	phase("Synthesizing Visual Motion Swarm...")
	p.motionPhase(ctx, &o)
	return finish()
}

// imagingPhase renders every frame that is not completed. Only a capacity
// error cancels the phase; other frame failures are counted.
func (p *Production) imagingPhase(ctx context.Context, o *Outcome) error {
	snap := p.Store.Snapshot()
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, f := range snap.Frames {
		if f.Status == plan.StatusCompleted {
			continue
		}
		g.Go(func() error {
			_, err := p.RenderFrameImages(gctx, i)
			if err == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			o.Failures++
			if provider.IsCapacity(err) {
				return err
			}
			if o.Err == nil && !errors.Is(err, context.Canceled) {
				o.Err = err
			}
			return nil
		})
	}
	return g.Wait()
}

// motionPhase fans out every missing frame clip and transition together and
// waits for all of them.
func (p *Production) motionPhase(ctx context.Context, o *Outcome) {
	snap := p.Store.Snapshot()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	settle := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		o.Failures++
		// a capacity error anywhere decides the status
		if o.Err == nil || (provider.IsCapacity(err) && !provider.IsCapacity(o.Err)) {
			o.Err = err
		}
	}

	for i, f := range snap.Frames {
		if f.VideoStatus == plan.StatusCompleted {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.RenderFrameVideo(ctx, i)
			settle(err)
		}()
	}
	for i, t := range snap.Transitions {
		if t.Status == plan.StatusCompleted {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.RenderTransition(ctx, i)
			settle(err)
		}()
	}
	wg.Wait()

	if o.Err == nil {
		if pending := incompleteMotion(p.Store.Snapshot()); pending > 0 {
			o.Err = fmt.Errorf("%d motion units not completed", pending)
		}
	}
}

func incompleteMotion(pl *plan.Plan) int {
	n := 0
	for _, f := range pl.Frames {
		if f.VideoStatus != plan.StatusCompleted {
			n++
		}
	}
	for _, t := range pl.Transitions {
		if t.Status != plan.StatusCompleted {
			n++
		}
	}
	return n
}

func (p *Production) count(o *Outcome) {
	pl := p.Store.Snapshot()
	o.Images, o.FrameClips, o.Transitions = 0, 0, 0
	for _, f := range pl.Frames {
		if f.Status == plan.StatusCompleted {
			o.Images++
		}
		if f.VideoStatus == plan.StatusCompleted {
			o.FrameClips++
		}
	}
	for _, t := range pl.Transitions {
		if t.Status == plan.StatusCompleted {
			o.Transitions++
		}
	}
}
