package production

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ivlev/cineflow/internal/director"
	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

// motionJob is everything a synthesis needs, captured when the unit was
// marked generating.
type motionJob struct {
	prompt   string
	authored bool
	req      director.MotionRequest
	video    provider.VideoRequest
}

// motionUnit addresses one clip inside the latest plan. locate returns nil
// once the unit no longer matches what the job started from; orphan then
// returns a unit left generating at the old position to idle.
type motionUnit struct {
	log     *slog.Logger
	locate  func(pl *plan.Plan) (status *plan.Status, progress *float64)
	orphan  func(pl *plan.Plan) bool
	setURL  func(pl *plan.Plan, url string)
	setText func(pl *plan.Plan, prompt string)
}

// RenderFrameVideo synthesizes the frame's own clip from its master image.
// Without a completed master it logs and returns an empty URL.
func (p *Production) RenderFrameVideo(ctx context.Context, frameIndex int) (string, error) {
	log := p.log.With("frame", frameIndex+1)

	var (
		out      string
		skip     string
		masterID string
		job      motionJob
	)
	err := p.update(func(pl *plan.Plan) error {
		if frameIndex < 0 || frameIndex >= len(pl.Frames) {
			return fmt.Errorf("%w: %d", plan.ErrNoSuchFrame, frameIndex)
		}
		f := &pl.Frames[frameIndex]
		if f.VideoStatus == plan.StatusCompleted && f.VideoURL != "" {
			out = f.VideoURL
			return errUnchanged
		}
		if f.VideoStatus == plan.StatusGenerating {
			skip = "clip already generating"
			return errUnchanged
		}
		start, ok := f.MasterURL()
		if !ok {
			skip = "no completed master image"
			return errUnchanged
		}
		if err := startMotion(&f.VideoStatus, &f.VideoProgress); err != nil {
			return err
		}

		img, _ := f.Master()
		masterID = img.ID
		job = motionJob{
			prompt:   f.VideoPrompt,
			authored: f.HasPrompt(),
			req:      director.MotionRequest{From: frameCopy(f), Style: pl.Constraints.PaletteNotes, Type: plan.Standalone},
			video: provider.VideoRequest{
				StartImage:  start,
				AspectRatio: string(pl.AspectRatio),
				Model:       string(f.VideoModel),
			},
		}
		return nil
	})
	if err != nil || out != "" {
		return out, err
	}
	if skip != "" {
		log.Info("skipping clip", "reason", skip)
		return "", nil
	}

	locateFrame := func(pl *plan.Plan) *plan.Frame {
		f, _ := frameWithImage(pl, masterID)
		if f == nil {
			return nil
		}
		if img, ok := f.Master(); !ok || img.ID != masterID {
			return nil
		}
		return f
	}
	return p.synthesize(ctx, job, motionUnit{
		log: log,
		locate: func(pl *plan.Plan) (*plan.Status, *float64) {
			if f := locateFrame(pl); f != nil {
				return &f.VideoStatus, &f.VideoProgress
			}
			return nil, nil
		},
		orphan: func(pl *plan.Plan) bool {
			f, _ := frameWithImage(pl, masterID)
			if f == nil || f.VideoStatus != plan.StatusGenerating {
				return false
			}
			f.VideoStatus, f.VideoProgress = plan.StatusIdle, 0
			return true
		},
		setURL: func(pl *plan.Plan, url string) {
			locateFrame(pl).VideoURL = url
		},
		setText: func(pl *plan.Plan, prompt string) {
			locateFrame(pl).VideoPrompt = prompt
		},
	})
}

// RenderTransition synthesizes the motion unit between frame transitionIndex
// and the next one. A bridge needs both master images, a standalone
// transition only the first.
func (p *Production) RenderTransition(ctx context.Context, transitionIndex int) (string, error) {
	log := p.log.With("transition", transitionIndex+1)

	var (
		out          string
		skip         string
		fromID, toID string
		job          motionJob
	)
	err := p.update(func(pl *plan.Plan) error {
		if transitionIndex < 0 || transitionIndex >= len(pl.Transitions) {
			return fmt.Errorf("%w: %d", plan.ErrNoSuchTransition, transitionIndex)
		}
		t := &pl.Transitions[transitionIndex]
		if t.Status == plan.StatusCompleted && t.VideoURL != "" {
			out = t.VideoURL
			return errUnchanged
		}
		if t.Status == plan.StatusGenerating {
			skip = "transition already generating"
			return errUnchanged
		}
		from, to := &pl.Frames[transitionIndex], &pl.Frames[transitionIndex+1]
		start, ok := from.MasterURL()
		if !ok {
			skip = "no completed start image"
			return errUnchanged
		}
		bridge := t.Type != plan.Standalone
		var end string
		if bridge {
			if end, ok = to.MasterURL(); !ok {
				skip = "no completed end image"
				return errUnchanged
			}
			img, _ := to.Master()
			toID = img.ID
		}
		if err := startMotion(&t.Status, &t.Progress); err != nil {
			return err
		}

		img, _ := from.Master()
		fromID = img.ID
		typ := plan.Standalone
		if bridge {
			typ = plan.Bridge
		}
		job = motionJob{
			prompt:   t.DirectorPrompt,
			authored: t.HasPrompt(),
			req: director.MotionRequest{
				From:  frameCopy(from),
				To:    frameCopy(to),
				Style: pl.Constraints.PaletteNotes,
				Type:  typ,
			},
			video: provider.VideoRequest{
				StartImage:  start,
				EndImage:    end,
				AspectRatio: string(pl.AspectRatio),
				Model:       string(t.Model),
				Bridge:      bridge,
			},
		}
		return nil
	})
	if err != nil || out != "" {
		return out, err
	}
	if skip != "" {
		log.Info("skipping transition", "reason", skip)
		return "", nil
	}

	// The transition still belongs to the job while its start frame (and for
	// a bridge its end frame) keep the same master image.
	locateTransition := func(pl *plan.Plan) *plan.Transition {
		if transitionIndex >= len(pl.Transitions) {
			return nil
		}
		if img, ok := pl.Frames[transitionIndex].Master(); !ok || img.ID != fromID {
			return nil
		}
		if toID != "" {
			if img, ok := pl.Frames[transitionIndex+1].Master(); !ok || img.ID != toID {
				return nil
			}
		}
		return &pl.Transitions[transitionIndex]
	}
	return p.synthesize(ctx, job, motionUnit{
		log: log,
		locate: func(pl *plan.Plan) (*plan.Status, *float64) {
			if t := locateTransition(pl); t != nil {
				return &t.Status, &t.Progress
			}
			return nil, nil
		},
		orphan: func(pl *plan.Plan) bool {
			if transitionIndex >= len(pl.Transitions) || pl.Transitions[transitionIndex].Status != plan.StatusGenerating {
				return false
			}
			t := &pl.Transitions[transitionIndex]
			t.Status, t.Progress = plan.StatusIdle, 0
			return true
		},
		setURL: func(pl *plan.Plan, url string) {
			locateTransition(pl).VideoURL = url
		},
		setText: func(pl *plan.Plan, prompt string) {
			locateTransition(pl).DirectorPrompt = prompt
		},
	})
}

// synthesize writes the director prompt if none was authored, runs the video
// job and records the outcome. Writes only land while the unit is still
// generating.
func (p *Production) synthesize(ctx context.Context, job motionJob, u motionUnit) (string, error) {
	fail := func(err error) (string, error) {
		u.log.Error("motion failed", "class", provider.Classify(err), "err", err)
		p.update(func(pl *plan.Plan) error {
			status, _ := u.locate(pl)
			if status == nil {
				if u.orphan(pl) {
					return nil
				}
				return errUnchanged
			}
			if *status != plan.StatusGenerating {
				return errUnchanged
			}
			*status = plan.StatusError
			return nil
		})
		return "", err
	}

	prompt := job.prompt
	if !job.authored {
		err := p.remote(ctx, func(ctx context.Context) error {
			var err error
			prompt, err = p.Director.MotionPrompt(ctx, job.req)
			return err
		})
		if err != nil {
			return fail(err)
		}
		p.update(func(pl *plan.Plan) error {
			if status, _ := u.locate(pl); status == nil {
				return errUnchanged
			}
			u.setText(pl, prompt)
			return nil
		})
	}

	req := job.video
	req.Prompt = prompt
	var url string
	err := p.remote(ctx, func(ctx context.Context) error {
		var err error
		url, err = p.Videos.GenerateVideo(ctx, req, func(pct float64) {
			p.update(func(pl *plan.Plan) error {
				status, progress := u.locate(pl)
				if status == nil || *status != plan.StatusGenerating || pct <= *progress {
					return errUnchanged
				}
				*progress = min(pct, 99)
				return nil
			})
		})
		return err
	})
	if err != nil {
		return fail(err)
	}

	p.update(func(pl *plan.Plan) error {
		status, progress := u.locate(pl)
		if status == nil || *status != plan.StatusGenerating {
			u.log.Warn("dropping stale clip", "url", url)
			if status == nil && u.orphan(pl) {
				return nil
			}
			return errUnchanged
		}
		*status = plan.StatusCompleted
		*progress = 100
		u.setURL(pl, url)
		return nil
	})
	u.log.Info("clip ready", "url", url)
	return url, nil
}

// startMotion moves a motion unit to generating with zero progress. A
// completed unit without a URL is reset first.
func startMotion(status *plan.Status, progress *float64) error {
	if *status == plan.StatusCompleted {
		*status = plan.StatusIdle
	}
	next, err := plan.Advance(plan.KindMotion, *status, plan.StatusGenerating)
	if err != nil {
		return err
	}
	*status = next
	*progress = 0
	return nil
}

func frameCopy(f *plan.Frame) *plan.Frame {
	c := *f
	c.Images = append([]plan.Image(nil), f.Images...)
	return &c
}
