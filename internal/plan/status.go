package plan

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an image, a frame or a motion unit.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Kind selects the transition table a status change is checked against.
type Kind int

const (
	KindImage Kind = iota
	KindFrame
	KindMotion
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindFrame:
		return "frame"
	case KindMotion:
		return "motion"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrIllegalTransition = errors.New("illegal status transition")

// Images never leave a terminal state: a retry creates new placeholders.
// Frames and motion units may be retried from error and reset to idle. An
// uploaded image completes a frame without a render.
var transitions = map[Kind]map[Status][]Status{
	KindImage: {
		StatusIdle:       {StatusGenerating, StatusCompleted},
		StatusGenerating: {StatusCompleted, StatusError},
	},
	KindFrame: {
		StatusIdle:       {StatusGenerating, StatusCompleted},
		StatusGenerating: {StatusCompleted, StatusError},
		StatusCompleted:  {StatusIdle},
		StatusError:      {StatusGenerating, StatusIdle, StatusCompleted},
	},
	KindMotion: {
		StatusIdle:       {StatusGenerating},
		StatusGenerating: {StatusCompleted, StatusError},
		StatusCompleted:  {StatusIdle},
		StatusError:      {StatusGenerating, StatusIdle},
	},
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusGenerating, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether work on the unit has settled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanAdvance reports whether kind may move from one status to another.
func CanAdvance(kind Kind, from, to Status) bool {
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance returns to when the change is legal and ErrIllegalTransition otherwise.
// An empty from is treated as idle.
func Advance(kind Kind, from, to Status) (Status, error) {
	if from == "" {
		from = StatusIdle
	}
	if !CanAdvance(kind, from, to) {
		return from, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, kind, from, to)
	}
	return to, nil
}
