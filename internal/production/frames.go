package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ivlev/cineflow/internal/director"
	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

// ErrNoImages is returned when every candidate of a frame failed for reasons
// other than capacity.
var ErrNoImages = errors.New("no candidate image rendered")

type candidateResult struct {
	url string
	err error
}

// RenderFrameImages renders the frame's candidates and returns its master
// image URL. It is a no-op for a frame already generating and returns the
// existing master for a completed frame with images.
//
// Placeholders are appended first and reconciled by token once every
// candidate settled. A capacity failure of any candidate is returned after
// reconciliation; other failures only mark their own candidate.
func (p *Production) RenderFrameImages(ctx context.Context, frameIndex int) (string, error) {
	log := p.log.With("frame", frameIndex+1)

	var (
		done    bool
		busy    bool
		master  string
		frame   plan.Frame
		base    string
		aspect  plan.AspectRatio
		tokens  []string
		refsOut []string
	)
	err := p.update(func(pl *plan.Plan) error {
		if frameIndex < 0 || frameIndex >= len(pl.Frames) {
			return fmt.Errorf("%w: %d", plan.ErrNoSuchFrame, frameIndex)
		}
		f := &pl.Frames[frameIndex]
		switch {
		case f.Status == plan.StatusGenerating:
			done, busy = true, true
			return errUnchanged
		case f.Status == plan.StatusCompleted && len(f.Images) > 0:
			done = true
			if img, ok := f.Master(); ok {
				master = img.URL
			}
			return errUnchanged
		case f.Status == plan.StatusCompleted:
			f.Status = plan.StatusIdle
		}
		next, err := plan.Advance(plan.KindFrame, f.Status, plan.StatusGenerating)
		if err != nil {
			return err
		}

		n := f.CandidateCount
		if n < plan.MinCandidates || n > plan.MaxCandidates {
			n = plan.MinCandidates
		}
		tokens = make([]string, n)
		for i := range tokens {
			tokens[i] = p.newID()
			f.Images = append(f.Images, plan.Image{
				ID:       tokens[i],
				Status:   plan.StatusGenerating,
				Model:    f.ImageModel,
				Progress: seedProgress,
			})
		}
		f.Status = next

		frame = *f
		base = director.FramePrompt(pl, f)
		aspect = pl.AspectRatio
		refsOut = append(p.References(), pl.CharacterImages()...)
		return nil
	})
	if err != nil {
		return "", err
	}
	if done {
		if busy {
			log.Debug("frame already rendering")
		}
		return master, nil
	}
	log.Info("rendering candidates", "count", len(tokens), "model", frame.ImageModel)

	stop := p.startTicker(tokens)

	results := make([]candidateResult, len(tokens))
	var g errgroup.Group
	for i := range tokens {
		g.Go(func() error {
			req := provider.ImageRequest{
				Prompt:         director.CandidatePrompt(base, i, len(tokens)),
				AspectRatio:    string(aspect),
				Model:          string(frame.ImageModel),
				CandidateIndex: i,
				CandidateTotal: len(tokens),
				References:     refsOut,
			}
			err := p.remote(ctx, func(ctx context.Context) error {
				url, err := p.Images.GenerateImage(ctx, req)
				results[i] = candidateResult{url: url, err: err}
				return err
			})
			if err != nil && results[i].err == nil {
				results[i].err = err
			}
			return nil
		})
	}
	g.Wait()
	stop()

	return p.reconcile(log, tokens, results)
}

// startTicker nudges still-generating placeholders until the returned stop
// function is called. stop returns after the last tick has been applied.
func (p *Production) startTicker(tokens []string) (stop func()) {
	pending := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		pending[t] = true
	}
	quit := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		t := time.NewTicker(p.tick)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
				p.update(func(pl *plan.Plan) error {
					changed := false
					for fi := range pl.Frames {
						for ii := range pl.Frames[fi].Images {
							img := &pl.Frames[fi].Images[ii]
							if !pending[img.ID] || img.Status != plan.StatusGenerating || img.Progress >= tickCeiling {
								continue
							}
							img.Progress = min(tickCeiling, img.Progress+tickStep)
							changed = true
						}
					}
					if !changed {
						return errUnchanged
					}
					return nil
				})
			}
		}
	}()

	return func() {
		close(quit)
		<-exited
	}
}

func (p *Production) reconcile(log *slog.Logger, tokens []string, results []candidateResult) (string, error) {
	var (
		capacityErr error
		lastErr     error
		master      string
		succeeded   int
	)
	for i, r := range results {
		if r.err == nil {
			succeeded++
			continue
		}
		lastErr = r.err
		log.Warn("candidate failed", "candidate", i+1, "class", provider.Classify(r.err), "err", r.err)
		if capacityErr == nil && provider.IsCapacity(r.err) {
			capacityErr = r.err
		}
	}

	err := p.update(func(pl *plan.Plan) error {
		var f *plan.Frame
		selected := -1
		for i, id := range tokens {
			holder, ii := frameWithImage(pl, id)
			if holder == nil {
				continue
			}
			f = holder
			img := &holder.Images[ii]
			to := plan.StatusCompleted
			if results[i].err != nil {
				to = plan.StatusError
			}
			next, err := plan.Advance(plan.KindImage, img.Status, to)
			if err != nil {
				continue
			}
			img.Status = next
			img.Progress = 100
			if next == plan.StatusCompleted {
				img.URL = results[i].url
				selected = ii
			}
		}
		if f == nil {
			return errUnchanged
		}

		to := plan.StatusCompleted
		if selected >= 0 {
			f.SelectedImageIndex = selected
		} else if _, ok := f.MasterURL(); !ok {
			to = plan.StatusError
		}
		if next, err := plan.Advance(plan.KindFrame, f.Status, to); err == nil {
			f.Status = next
		}
		if url, ok := f.MasterURL(); ok {
			master = url
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Info("candidates settled", "ok", succeeded, "failed", len(tokens)-succeeded)
	if capacityErr != nil {
		return master, capacityErr
	}
	if master == "" && lastErr != nil {
		return master, fmt.Errorf("%w: %w", ErrNoImages, lastErr)
	}
	return master, nil
}
