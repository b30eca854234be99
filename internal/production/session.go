package production

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ivlev/cineflow/internal/director"
	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

// inspirationImages is how many search-grounded references Inspire renders.
const inspirationImages = 2

// Draft replaces the storyboard with a drafted one of frameCount frames and
// merges the drafted title and constraints into the plan. Character
// reference images survive when the drafted cast keeps the name.
func (p *Production) Draft(ctx context.Context, concept string, frameCount int) error {
	if strings.TrimSpace(concept) == "" {
		return ErrNoConcept
	}
	if frameCount <= 0 {
		frameCount = DefaultFrameCount
	}

	var draft *director.Draft
	err := p.remote(ctx, func(ctx context.Context) error {
		var err error
		draft, err = p.Director.Draft(ctx, director.DraftRequest{
			Concept:    concept,
			FrameCount: frameCount,
			References: p.References(),
			Plan:       p.Store.Snapshot(),
		})
		return err
	})
	if err != nil {
		return err
	}

	err = p.Store.Update(func(pl *plan.Plan) error {
		if draft.Title != "" {
			pl.Title = draft.Title
		}
		c := draft.Constraints
		if c.PaletteNotes != "" {
			pl.Constraints.PaletteNotes = c.PaletteNotes
		}
		if len(c.ContinuityRules) > 0 {
			pl.Constraints.ContinuityRules = c.ContinuityRules
		}
		if len(c.Characters) > 0 {
			images := make(map[string][]string)
			for _, ch := range pl.Constraints.Characters {
				images[strings.ToLower(ch.Name)] = ch.Images
			}
			cast := make([]plan.Character, 0, len(c.Characters))
			for _, ch := range c.Characters {
				cast = append(cast, plan.Character{
					Name:        ch.Name,
					Description: ch.Description,
					Images:      images[strings.ToLower(ch.Name)],
				})
			}
			pl.Constraints.Characters = cast
		}

		pl.Frames = make([]plan.Frame, len(draft.Frames))
		for i, df := range draft.Frames {
			f := plan.NewFrame(i + 1)
			f.Raw = df.Raw
			f.CandidateCount = p.candidates
			f.ImageModel = p.imageModel
			f.VideoModel = p.videoModel
			pl.Frames[i] = f
		}
		// a new storyboard gets fresh transitions
		pl.Transitions = nil
		return nil
	})
	if err != nil {
		return err
	}
	p.log.Info("storyboard drafted", "title", draft.Title, "frames", len(draft.Frames))
	return nil
}

// RenderBatch renders the given frames one after another, or every frame that
// is not completed when indices is empty. It stops at the first capacity error.
func (p *Production) RenderBatch(ctx context.Context, indices []int) error {
	if len(indices) == 0 {
		for i, f := range p.Store.Snapshot().Frames {
			if f.Status != plan.StatusCompleted {
				indices = append(indices, i)
			}
		}
	}
	var firstErr error
	for _, i := range indices {
		if _, err := p.RenderFrameImages(ctx, i); err != nil {
			if provider.IsCapacity(err) || ctx.Err() != nil {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// UploadImage adds a user image to a frame as its completed master and
// rewrites the frame description from it.
func (p *Production) UploadImage(ctx context.Context, frameIndex int, image string) error {
	if _, err := p.Store.Frame(frameIndex); err != nil {
		return err
	}

	var desc string
	err := p.remote(ctx, func(ctx context.Context) error {
		var err error
		desc, err = p.Director.Describe(ctx, image)
		return err
	})
	if err != nil {
		p.log.Warn("describe failed, keeping description", "frame", frameIndex+1, "err", err)
	}

	id := p.newID()
	return p.Store.UpdateFrame(frameIndex, func(f *plan.Frame) error {
		status, err := plan.Advance(plan.KindImage, plan.StatusIdle, plan.StatusCompleted)
		if err != nil {
			return err
		}
		f.Images = append(f.Images, plan.Image{
			ID:       id,
			URL:      image,
			Status:   status,
			Model:    plan.ImageModelUpload,
			Progress: 100,
		})
		f.SelectedImageIndex = len(f.Images) - 1
		if desc != "" {
			f.Raw = desc
		}
		if next, err := plan.Advance(plan.KindFrame, f.Status, plan.StatusCompleted); err == nil {
			f.Status = next
		}
		return nil
	})
}

// RefineImage edits a completed image by instruction and swaps the result in
// place. The image keeps its token, so a frame that moved meanwhile still
// receives it.
func (p *Production) RefineImage(ctx context.Context, frameIndex, imageIndex int, instruction string) (string, error) {
	f, err := p.Store.Frame(frameIndex)
	if err != nil {
		return "", err
	}
	if imageIndex < 0 || imageIndex >= len(f.Images) {
		return "", fmt.Errorf("%w: frame %d image %d", plan.ErrNoSuchImage, frameIndex, imageIndex)
	}
	img := f.Images[imageIndex]
	if img.Status != plan.StatusCompleted || img.URL == "" {
		return "", fmt.Errorf("image %d of frame %d is not completed", imageIndex+1, frameIndex+1)
	}
	aspect := p.Store.Snapshot().AspectRatio

	var url string
	err = p.remote(ctx, func(ctx context.Context) error {
		var err error
		url, err = p.Images.GenerateImage(ctx, provider.ImageRequest{
			Prompt:         director.EditPrompt(instruction),
			AspectRatio:    string(aspect),
			Model:          string(plan.ImageModelPro),
			CandidateTotal: 1,
			Source:         img.URL,
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("refine: %w", err)
	}

	err = p.Store.UpdateImage(img.ID, func(_ *plan.Frame, target *plan.Image) error {
		target.URL = url
		return nil
	})
	return url, err
}

// Inspire researches the concept, stores the briefing as palette notes and
// adds search-grounded style references up to MaxReferences.
func (p *Production) Inspire(ctx context.Context, concept string) (string, error) {
	if strings.TrimSpace(concept) == "" {
		return "", ErrNoConcept
	}
	aspect := p.Store.Snapshot().AspectRatio

	var briefing string
	refs := make([]string, inspirationImages)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.remote(gctx, func(ctx context.Context) error {
			var err error
			briefing, err = p.Director.Research(ctx, concept)
			return err
		})
	})
	for i := range refs {
		g.Go(func() error {
			err := p.remote(gctx, func(ctx context.Context) error {
				var err error
				refs[i], err = p.Images.GenerateImage(ctx, provider.ImageRequest{
					Prompt:         director.ReferencePrompt(concept, i),
					AspectRatio:    string(aspect),
					Model:          string(plan.ImageModelFlash),
					CandidateIndex: i,
					CandidateTotal: inspirationImages,
				})
				return err
			})
			if err != nil {
				// a missing reference is not worth failing the briefing
				p.log.Warn("reference render failed", "index", i+1, "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	if err := p.Store.Update(func(pl *plan.Plan) error {
		pl.Constraints.PaletteNotes = briefing
		return nil
	}); err != nil {
		return "", err
	}
	for _, r := range refs {
		if r != "" {
			p.addReferences(r)
		}
	}
	return briefing, nil
}

// ClipURLs lists the completed clips of the current plan in playback order.
func (p *Production) ClipURLs(includeFrameClips bool) []string {
	return p.Store.Snapshot().ClipURLs(includeFrameClips)
}
