package production

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ivlev/cineflow/internal/director"
	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

type fakeImages struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int, req provider.ImageRequest) (string, error)
}

func (f *fakeImages) GenerateImage(ctx context.Context, req provider.ImageRequest) (string, error) {
	n := int(f.calls.Add(1))
	if f.fn != nil {
		return f.fn(ctx, n, req)
	}
	return fmt.Sprintf("https://img.test/%d.png", n), nil
}

type fakeVideos struct {
	mu    sync.Mutex
	calls []provider.VideoRequest
	fn    func(ctx context.Context, req provider.VideoRequest, progress provider.ProgressFunc) (string, error)
}

func (f *fakeVideos) GenerateVideo(ctx context.Context, req provider.VideoRequest, progress provider.ProgressFunc) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req, progress)
	}
	return fmt.Sprintf("https://clip.test/%d.mp4", n), nil
}

func (f *fakeVideos) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeText answers drafting calls with a fixed storyboard and everything else
// with a motion prompt.
type fakeText struct {
	drafts atomic.Int32
	frames int
	err    error
}

func (f *fakeText) GenerateText(ctx context.Context, req provider.TextRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	switch {
	case req.JSON:
		f.drafts.Add(1)
		var frames []string
		for i := 0; i < f.frames; i++ {
			frames = append(frames, fmt.Sprintf(`{"raw":"Shot %d of the chase"}`, i+1))
		}
		return "```json\n" + `{"title":"Desert Chase","globalConstraints":{"paletteNotes":"dusty amber"},"frames":[` +
			strings.Join(frames, ",") + "]}\n```", nil
	case req.Search:
		return "Teal and orange, anamorphic flares.", nil
	case strings.Contains(req.Prompt, "storyboard"):
		return "**Shot:** A rider on a dune.", nil
	default:
		return "Slow dolly forward.", nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *plan.Store
	images *fakeImages
	videos *fakeVideos
	text   *fakeText
	prod   *Production
}

func newFixture(t *testing.T, p *plan.Plan) *fixture {
	t.Helper()
	fx := &fixture{
		store:  plan.NewStore(p),
		images: &fakeImages{},
		videos: &fakeVideos{},
		text:   &fakeText{frames: len(p.Frames)},
	}
	fx.prod = New(fx.store, fx.images, fx.videos, director.NewDirector(fx.text), Options{
		Tick:   time.Hour,
		Logger: quietLogger(),
	})
	var ids atomic.Int32
	fx.prod.newID = func() string { return fmt.Sprintf("tok-%d", ids.Add(1)) }
	return fx
}

// renderedPlan returns a plan of n frames whose images are completed.
func renderedPlan(n int) *plan.Plan {
	p := plan.New(n)
	for i := range p.Frames {
		f := &p.Frames[i]
		f.Raw = fmt.Sprintf("Shot %d", i+1)
		f.Status = plan.StatusCompleted
		f.Images = []plan.Image{{
			ID:     fmt.Sprintf("frame-%d", i+1),
			URL:    fmt.Sprintf("https://img.test/frame-%d.png", i+1),
			Status: plan.StatusCompleted,
			Model:  plan.ImageModelPro,
		}}
	}
	return p
}
