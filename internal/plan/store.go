package plan

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSuchFrame      = errors.New("no such frame")
	ErrNoSuchTransition = errors.New("no such transition")
	ErrNoSuchImage      = errors.New("no such image")
	ErrCandidateCount   = fmt.Errorf("candidate count must be between %d and %d", MinCandidates, MaxCandidates)
)

// Store is the single authoritative holder of a session's plan.
//
// Every writer goes through Update (or one of the helpers built on it): the
// transform runs under the lock against the latest value, so a callback that
// started long ago cannot overwrite a change made after it started. Readers
// get deep copies and never mutate shared state.
type Store struct {
	mu      sync.Mutex
	current *Plan
	version uint64
}

// NewStore takes a copy of p as the initial authoritative value.
func NewStore(p *Plan) *Store {
	if p == nil {
		p = New(0)
	}
	c := p.Clone()
	c.renumber()
	return &Store{current: c}
}

// Snapshot returns a deep copy of the current plan.
func (s *Store) Snapshot() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Version increases by one on every successful write.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Update applies fn to a copy of the latest plan and publishes the copy when
// fn returns nil. On error the current plan is left untouched.
func (s *Store) Update(fn func(p *Plan) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.renumber()
	s.current = next
	s.version++
	return nil
}

// UpdateFrame applies fn to the frame at 0-based index i.
func (s *Store) UpdateFrame(i int, fn func(f *Frame) error) error {
	return s.Update(func(p *Plan) error {
		if i < 0 || i >= len(p.Frames) {
			return fmt.Errorf("%w: %d", ErrNoSuchFrame, i)
		}
		return fn(&p.Frames[i])
	})
}

// UpdateTransition applies fn to the transition at 0-based index i.
func (s *Store) UpdateTransition(i int, fn func(t *Transition) error) error {
	return s.Update(func(p *Plan) error {
		if i < 0 || i >= len(p.Transitions) {
			return fmt.Errorf("%w: %d", ErrNoSuchTransition, i)
		}
		return fn(&p.Transitions[i])
	})
}

// UpdateImage locates an image by identity token in whichever frame holds it
// now and applies fn to it.
func (s *Store) UpdateImage(id string, fn func(f *Frame, img *Image) error) error {
	return s.Update(func(p *Plan) error {
		fi, ii, ok := findImage(p, id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchImage, id)
		}
		return fn(&p.Frames[fi], &p.Frames[fi].Images[ii])
	})
}

// Frame returns a copy of the frame at 0-based index i.
func (s *Store) Frame(i int) (Frame, error) {
	p := s.Snapshot()
	if i < 0 || i >= len(p.Frames) {
		return Frame{}, fmt.Errorf("%w: %d", ErrNoSuchFrame, i)
	}
	return p.Frames[i], nil
}

// Transition returns a copy of the transition at 0-based index i.
func (s *Store) Transition(i int) (Transition, error) {
	p := s.Snapshot()
	if i < 0 || i >= len(p.Transitions) {
		return Transition{}, fmt.Errorf("%w: %d", ErrNoSuchTransition, i)
	}
	return p.Transitions[i], nil
}

// SetFrames replaces the frame list; transitions are resynced by position.
func (s *Store) SetFrames(frames []Frame) error {
	return s.Update(func(p *Plan) error {
		p.Frames = append([]Frame(nil), frames...)
		return nil
	})
}

// AddFrame appends an idle frame with the given description and returns its 0-based index.
func (s *Store) AddFrame(raw string) (int, error) {
	var idx int
	err := s.Update(func(p *Plan) error {
		f := NewFrame(len(p.Frames) + 1)
		f.Raw = raw
		p.Frames = append(p.Frames, f)
		idx = len(p.Frames) - 1
		return nil
	})
	return idx, err
}

// RemoveFrame deletes the frame at 0-based index i together with its images.
func (s *Store) RemoveFrame(i int) error {
	return s.Update(func(p *Plan) error {
		if i < 0 || i >= len(p.Frames) {
			return fmt.Errorf("%w: %d", ErrNoSuchFrame, i)
		}
		p.Frames = append(p.Frames[:i], p.Frames[i+1:]...)
		return nil
	})
}

func (s *Store) SetCandidateCount(i, n int) error {
	if n < MinCandidates || n > MaxCandidates {
		return fmt.Errorf("%w: got %d", ErrCandidateCount, n)
	}
	return s.UpdateFrame(i, func(f *Frame) error {
		f.CandidateCount = n
		return nil
	})
}

// SelectImage makes image ii the master of frame fi.
func (s *Store) SelectImage(fi, ii int) error {
	return s.UpdateFrame(fi, func(f *Frame) error {
		if ii < 0 || ii >= len(f.Images) {
			return fmt.Errorf("%w: frame %d image %d", ErrNoSuchImage, fi, ii)
		}
		f.SelectedImageIndex = ii
		return nil
	})
}

func (s *Store) SetFramePrompt(i int, prompt string) error {
	return s.UpdateFrame(i, func(f *Frame) error {
		f.VideoPrompt = prompt
		return nil
	})
}

func (s *Store) SetTransitionPrompt(i int, prompt string) error {
	return s.UpdateTransition(i, func(t *Transition) error {
		t.DirectorPrompt = prompt
		return nil
	})
}

func (s *Store) SetTransitionType(i int, typ TransitionType) error {
	if typ != Bridge && typ != Standalone {
		return fmt.Errorf("unknown transition type %q", typ)
	}
	return s.UpdateTransition(i, func(t *Transition) error {
		t.Type = typ
		return nil
	})
}

func (s *Store) SetAspectRatio(r AspectRatio) error {
	if r != Landscape && r != Portrait {
		return fmt.Errorf("unknown aspect ratio %q", r)
	}
	return s.Update(func(p *Plan) error {
		p.AspectRatio = r
		return nil
	})
}

func findImage(p *Plan, id string) (int, int, bool) {
	for fi := range p.Frames {
		for ii := range p.Frames[fi].Images {
			if p.Frames[fi].Images[ii].ID == id {
				return fi, ii, true
			}
		}
	}
	return 0, 0, false
}
