package production

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ivlev/cineflow/internal/director"
	"github.com/ivlev/cineflow/internal/plan"
	"github.com/ivlev/cineflow/internal/provider"
)

func TestDraftMergesIntoPlan(t *testing.T) {
	p := renderedPlan(2)
	p.Constraints.Characters = []plan.Character{{Name: "Rider", Images: []string{"data:image/png;base64,AAAA"}}}
	p.Transitions[0].Status = plan.StatusCompleted
	p.Transitions[0].VideoURL = "https://clip.test/old.mp4"

	fx := newFixture(t, p)
	fx.text.frames = 4
	if err := fx.prod.Draft(context.Background(), "desert chase", 4); err != nil {
		t.Fatal(err)
	}
	got := fx.store.Snapshot()
	if len(got.Frames) != 4 || len(got.Transitions) != 3 {
		t.Fatalf("expected 4 frames and 3 transitions, got %d and %d", len(got.Frames), len(got.Transitions))
	}
	for i, f := range got.Frames {
		if f.Status != plan.StatusIdle || len(f.Images) != 0 || f.Index != i+1 {
			t.Errorf("frame %d not fresh: %+v", i+1, f)
		}
	}
	if got.Transitions[0].VideoURL != "" || got.Transitions[0].Status != plan.StatusIdle {
		t.Errorf("old transition survived the redraft: %+v", got.Transitions[0])
	}
	if got.Title != "Desert Chase" {
		t.Errorf("title %q", got.Title)
	}
	// the draft names no characters, so the cast and its images stay
	if len(got.Constraints.Characters) != 1 || len(got.Constraints.Characters[0].Images) != 1 {
		t.Errorf("characters lost: %+v", got.Constraints.Characters)
	}
}

func TestDraftKeepsCharacterImagesByName(t *testing.T) {
	p := plan.New(1)
	p.Constraints.Characters = []plan.Character{{Name: "Rider", Images: []string{"data:image/png;base64,AAAA"}}}
	fx := newFixture(t, p)
	fx.prod.Director = director.NewDirector(provider.TextFunc(func(ctx context.Context, req provider.TextRequest) (string, error) {
		return `{"title":"Dust","globalConstraints":{"characters":[{"name":"rider","description":"scarf, goggles"},{"name":"Hawk"}]},"frames":[{"raw":"Dawn"}]}`, nil
	}))
	if err := fx.prod.Draft(context.Background(), "desert chase", 1); err != nil {
		t.Fatal(err)
	}
	cast := fx.store.Snapshot().Constraints.Characters
	if len(cast) != 2 {
		t.Fatalf("expected 2 characters, got %+v", cast)
	}
	if cast[0].Description != "scarf, goggles" || len(cast[0].Images) != 1 {
		t.Errorf("rider lost its images: %+v", cast[0])
	}
	if len(cast[1].Images) != 0 {
		t.Errorf("new character got images: %+v", cast[1])
	}
}

func TestDraftFailureLeavesPlan(t *testing.T) {
	fx := newFixture(t, renderedPlan(2))
	fx.prod.Director = director.NewDirector(provider.TextFunc(func(ctx context.Context, req provider.TextRequest) (string, error) {
		return "I cannot do that.", nil
	}))
	before := fx.store.Version()
	err := fx.prod.Draft(context.Background(), "desert chase", 2)
	if !errors.Is(err, provider.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if fx.store.Version() != before {
		t.Error("a failed draft must not touch the plan")
	}
}

func TestUploadImage(t *testing.T) {
	fx := newFixture(t, describedPlan("dune", "canyon"))
	if err := fx.prod.UploadImage(context.Background(), 1, "data:image/png;base64,AAAA"); err != nil {
		t.Fatal(err)
	}
	f, _ := fx.store.Frame(1)
	if f.Status != plan.StatusCompleted || len(f.Images) != 1 {
		t.Fatalf("frame %s with %d images", f.Status, len(f.Images))
	}
	img := f.Images[0]
	if img.Model != plan.ImageModelUpload || img.Status != plan.StatusCompleted || img.ID == "" {
		t.Errorf("unexpected image %+v", img)
	}
	if f.Raw != "A rider on a dune." {
		t.Errorf("description not rewritten: %q", f.Raw)
	}
	if url, ok := f.MasterURL(); !ok || url != "data:image/png;base64,AAAA" {
		t.Errorf("upload is not the master: %q", url)
	}
}

func TestUploadImageKeepsDescriptionOnFailure(t *testing.T) {
	fx := newFixture(t, describedPlan("dune"))
	fx.text.err = errors.New("describe unavailable")
	if err := fx.prod.UploadImage(context.Background(), 0, "data:image/png;base64,AAAA"); err != nil {
		t.Fatal(err)
	}
	f, _ := fx.store.Frame(0)
	if f.Raw != "dune" || f.Status != plan.StatusCompleted {
		t.Errorf("got %q %s", f.Raw, f.Status)
	}
}

func TestRefineImageFollowsToken(t *testing.T) {
	fx := newFixture(t, renderedPlan(2))

	var req provider.ImageRequest
	fx.images.fn = func(ctx context.Context, n int, r provider.ImageRequest) (string, error) {
		req = r
		// frame 1 is removed while the edit runs
		if err := fx.store.RemoveFrame(0); err != nil {
			t.Error(err)
		}
		return "https://img.test/refined.png", nil
	}
	url, err := fx.prod.RefineImage(context.Background(), 1, 0, "remove the watermark")
	if err != nil {
		t.Fatal(err)
	}
	if req.Source != "https://img.test/frame-2.png" || !strings.Contains(req.Prompt, "remove the watermark") {
		t.Errorf("unexpected edit request %+v", req)
	}
	f, _ := fx.store.Frame(0)
	if url != "https://img.test/refined.png" || f.Images[0].URL != url || f.Images[0].ID != "frame-2" {
		t.Errorf("refined image not swapped in: %+v", f.Images[0])
	}
}

func TestRefineImageRejectsIncomplete(t *testing.T) {
	fx := newFixture(t, describedPlan("dune"))
	if _, err := fx.prod.RefineImage(context.Background(), 0, 0, "brighter"); !errors.Is(err, plan.ErrNoSuchImage) {
		t.Fatalf("expected ErrNoSuchImage, got %v", err)
	}
}

func TestInspire(t *testing.T) {
	fx := newFixture(t, plan.New(1))
	fx.prod.SetReferences([]string{"ref-0", "ref-1", "ref-2"})
	fx.images.fn = func(ctx context.Context, n int, req provider.ImageRequest) (string, error) {
		if req.Model != string(plan.ImageModelFlash) {
			t.Errorf("references render on %s", req.Model)
		}
		if req.CandidateIndex == 1 {
			return "", errors.New("content filtered")
		}
		return "https://img.test/inspired.png", nil
	}
	briefing, err := fx.prod.Inspire(context.Background(), "desert chase")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(briefing, "### DP BRIEFING") || !strings.Contains(briefing, "Teal and orange") {
		t.Errorf("unexpected briefing %q", briefing)
	}
	if got := fx.store.Snapshot().Constraints.PaletteNotes; got != briefing {
		t.Errorf("briefing not stored as palette notes: %q", got)
	}
	refs := fx.prod.References()
	if len(refs) != MaxReferences || refs[3] != "https://img.test/inspired.png" {
		t.Errorf("unexpected references %v", refs)
	}
}

func TestClipURLs(t *testing.T) {
	p := renderedPlan(3)
	p.Frames[0].VideoStatus, p.Frames[0].VideoURL = plan.StatusCompleted, "f1.mp4"
	p.Frames[2].VideoStatus, p.Frames[2].VideoURL = plan.StatusCompleted, "f3.mp4"
	p.Transitions[0].Status, p.Transitions[0].VideoURL = plan.StatusCompleted, "t1.mp4"
	p.Transitions[1].Status, p.Transitions[1].VideoURL = plan.StatusError, "t2.mp4"
	fx := newFixture(t, p)

	tests := []struct {
		frames bool
		want   string
	}{
		{false, "t1.mp4"},
		{true, "f1.mp4 t1.mp4 f3.mp4"},
	}
	for _, tt := range tests {
		if got := strings.Join(fx.prod.ClipURLs(tt.frames), " "); got != tt.want {
			t.Errorf("ClipURLs(%v) = %q, want %q", tt.frames, got, tt.want)
		}
	}
}

func TestMaxInFlight(t *testing.T) {
	store := plan.NewStore(renderedPlan(4))
	var inFlight, peak atomic.Int32
	videos := &fakeVideos{fn: func(ctx context.Context, req provider.VideoRequest, progress provider.ProgressFunc) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return "https://clip.test/ok.mp4", nil
	}}
	prod := New(store, &fakeImages{}, videos, director.NewDirector(&fakeText{}), Options{
		MaxInFlight: 2,
		Logger:      quietLogger(),
	})

	out := prod.RunFullProduction(context.Background(), "", nil)
	if out.Status != StatusComplete {
		t.Fatalf("expected %q, got %q (err %v)", StatusComplete, out.Status, out.Err)
	}
	if videos.count() != 7 {
		t.Errorf("expected 7 video calls, got %d", videos.count())
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency %d exceeds the limit", got)
	}
	t.Logf("peak concurrency: %d", peak.Load())
}
