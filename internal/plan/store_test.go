package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStoreUpdateRollsBackOnError(t *testing.T) {
	s := NewStore(New(2))
	boom := errors.New("boom")

	err := s.Update(func(p *Plan) error {
		p.Title = "Half written"
		p.Frames[0].Status = StatusGenerating
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	snap := s.Snapshot()
	if snap.Title != "Untitled Project" || snap.Frames[0].Status != StatusIdle {
		t.Errorf("failed update leaked into the store: %+v", snap.Frames[0])
	}
	if s.Version() != 0 {
		t.Errorf("expected version 0, got %d", s.Version())
	}
}

func TestStoreSnapshotIsolation(t *testing.T) {
	s := NewStore(New(1))
	snap := s.Snapshot()
	snap.Frames[0].Raw = "mutated outside"

	if got := s.Snapshot().Frames[0].Raw; got != "" {
		t.Errorf("snapshot mutation reached the store: %q", got)
	}
}

func TestStoreFrameCountKeepsTransitionsInSync(t *testing.T) {
	s := NewStore(New(3))
	check := func(step string) {
		t.Helper()
		p := s.Snapshot()
		want := len(p.Frames) - 1
		if want < 0 {
			want = 0
		}
		if len(p.Transitions) != want {
			t.Fatalf("%s: %d frames but %d transitions", step, len(p.Frames), len(p.Transitions))
		}
		for i, f := range p.Frames {
			if f.Index != i+1 {
				t.Fatalf("%s: frame %d has index %d", step, i, f.Index)
			}
		}
		for i, tr := range p.Transitions {
			if tr.FromIndex != i+1 || tr.ToIndex != i+2 {
				t.Fatalf("%s: transition %d spans %d->%d", step, i, tr.FromIndex, tr.ToIndex)
			}
		}
	}

	check("initial")
	if _, err := s.AddFrame("A lone rider crests the dune"); err != nil {
		t.Fatal(err)
	}
	check("add")
	if err := s.RemoveFrame(0); err != nil {
		t.Fatal(err)
	}
	check("remove first")
	if err := s.SetFrames(nil); err != nil {
		t.Fatal(err)
	}
	check("clear")
	if err := s.SetFrames([]Frame{NewFrame(9)}); err != nil {
		t.Fatal(err)
	}
	check("single")

	if err := s.RemoveFrame(4); !errors.Is(err, ErrNoSuchFrame) {
		t.Errorf("expected ErrNoSuchFrame, got %v", err)
	}
}

func TestStoreSetters(t *testing.T) {
	s := NewStore(New(2))

	if err := s.SetCandidateCount(0, 6); !errors.Is(err, ErrCandidateCount) {
		t.Errorf("expected ErrCandidateCount, got %v", err)
	}
	if err := s.SetCandidateCount(0, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTransitionType(0, Standalone); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTransitionType(0, "wipe"); err == nil {
		t.Error("unknown transition type accepted")
	}
	if err := s.SetTransitionPrompt(0, "Whip pan to the canyon"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFramePrompt(1, "Dust rises"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAspectRatio(Portrait); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAspectRatio("4:3"); err == nil {
		t.Error("unknown aspect ratio accepted")
	}
	if err := s.SelectImage(0, 0); !errors.Is(err, ErrNoSuchImage) {
		t.Errorf("expected ErrNoSuchImage on empty frame, got %v", err)
	}

	p := s.Snapshot()
	if p.Frames[0].CandidateCount != 3 {
		t.Errorf("candidate count: got %d", p.Frames[0].CandidateCount)
	}
	if p.Transitions[0].Type != Standalone || !p.Transitions[0].HasPrompt() {
		t.Errorf("transition not updated: %+v", p.Transitions[0])
	}
	if !p.Frames[1].HasPrompt() {
		t.Error("frame prompt not updated")
	}
	if p.AspectRatio != Portrait {
		t.Errorf("aspect ratio: got %s", p.AspectRatio)
	}
}

func TestStoreUpdateImageFollowsToken(t *testing.T) {
	s := NewStore(New(2))
	err := s.UpdateFrame(1, func(f *Frame) error {
		f.Images = []Image{{ID: "tok-1", Status: StatusGenerating}}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The frame holding the image moves from position 1 to 0.
	if err := s.RemoveFrame(0); err != nil {
		t.Fatal(err)
	}

	err = s.UpdateImage("tok-1", func(f *Frame, img *Image) error {
		img.Status = StatusCompleted
		img.URL = "https://cdn/1.png"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Frames[0].Images[0]; got.Status != StatusCompleted {
		t.Errorf("image not reconciled by token: %+v", got)
	}

	if err := s.UpdateImage("missing", func(*Frame, *Image) error { return nil }); !errors.Is(err, ErrNoSuchImage) {
		t.Errorf("expected ErrNoSuchImage, got %v", err)
	}
}

func TestStoreConcurrentUpdates(t *testing.T) {
	s := NewStore(New(4))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				s.UpdateFrame(i, func(f *Frame) error {
					f.VideoProgress++
					return nil
				})
			}
		}(i)
	}
	wg.Wait()

	for i, f := range s.Snapshot().Frames {
		if f.VideoProgress != 50 {
			t.Errorf("frame %d: lost updates, progress %v", i, f.VideoProgress)
		}
	}
	if s.Version() != 200 {
		t.Errorf("expected version 200, got %d", s.Version())
	}
}

func TestSnapshotWriteRead(t *testing.T) {
	p := New(3)
	p.Title = "Desert Chase"
	p.Constraints.PaletteNotes = "Amber dusk, anamorphic flares"
	p.Frames[0].Raw = "Rider on the ridge"
	p.Frames[0].Status = StatusCompleted
	p.Frames[0].Images = []Image{{ID: "a", URL: "https://cdn/a.png", Status: StatusCompleted}}
	p.Frames[1].Status = StatusGenerating
	p.Frames[1].Images = []Image{{ID: "b", Status: StatusGenerating, Progress: 41}}
	p.Frames[2].VideoStatus = StatusGenerating
	p.Transitions[0].Status = StatusGenerating
	p.Transitions[1].Status = StatusCompleted

	path := filepath.Join(t.TempDir(), "snapshots", "plan.yaml")
	if err := WriteSnapshot(p, path); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}

	if got.Title != "Desert Chase" || got.Constraints.PaletteNotes != p.Constraints.PaletteNotes {
		t.Errorf("header not preserved: %+v", got)
	}
	if got.Frames[0].Status != StatusCompleted || got.Frames[0].Images[0].URL != "https://cdn/a.png" {
		t.Errorf("completed frame not preserved: %+v", got.Frames[0])
	}
	if got.Frames[1].Status != StatusError || got.Frames[1].Images[0].Status != StatusError {
		t.Errorf("generating frame should load as error: %+v", got.Frames[1])
	}
	if got.Frames[2].VideoStatus != StatusError {
		t.Errorf("generating video should load as error, got %s", got.Frames[2].VideoStatus)
	}
	if got.Transitions[0].Status != StatusError || got.Transitions[1].Status != StatusCompleted {
		t.Errorf("transitions: %+v", got.Transitions)
	}

	t.Logf("Snapshot round trip: %d frames, %d transitions", len(got.Frames), len(got.Transitions))
}

func TestAutosaveWritesOnChange(t *testing.T) {
	s := NewStore(New(1))
	path := filepath.Join(t.TempDir(), "autosave.yaml")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Autosave(ctx, s, path, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("unchanged store should not be saved, stat err %v", err)
	}

	s.Update(func(p *Plan) error {
		p.Title = "Saved"
		return nil
	})
	cancel()
	<-done

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("autosave did not write: %v", err)
	}
	if got.Title != "Saved" {
		t.Errorf("expected saved title, got %q", got.Title)
	}
}
