// Package provider defines the contract every generation backend implements,
// the error classifier shared by all callers, the fallback router and the
// long-running job poller.
package provider

import (
	"context"
	"encoding/json"
)

// ProgressFunc receives a progress estimate in percent.
type ProgressFunc func(percent float64)

// ImageRequest is one logical render request. Both backends accept the same
// request; each maps it to its own payload shape.
type ImageRequest struct {
	Prompt         string
	AspectRatio    string
	Model          string
	CandidateIndex int
	CandidateTotal int
	References     []string // data URIs or URLs
	Source         string   // image being edited, empty for a fresh render
}

// VideoRequest is one logical synthesis request.
type VideoRequest struct {
	Prompt      string
	StartImage  string
	EndImage    string // bridge only
	AspectRatio string
	Model       string
	Bridge      bool
}

// Attachment is an image attached to a text request, preceded by an optional label.
type Attachment struct {
	Label string
	Image string
}

type TextRequest struct {
	Prompt string
	Images []Attachment
	JSON   bool
	Search bool // ground the answer with web search where the backend supports it
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (string, error)
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req VideoRequest, progress ProgressFunc) (string, error)
}

type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (string, error)
}

// TextFunc adapts a function to TextGenerator.
type TextFunc func(ctx context.Context, req TextRequest) (string, error)

func (f TextFunc) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	return f(ctx, req)
}

// Handle identifies a submitted long-running job.
type Handle struct {
	ID          string
	StatusURL   string
	ResponseURL string
}

// JobState is the coarse state reported by a status query.
type JobState int

const (
	JobPending JobState = iota
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "pending"
	}
}

// JobStatus is the answer to one status query.
type JobStatus struct {
	State    JobState
	Progress float64 // provider hint in percent, 0 when the backend reports none
	Result   json.RawMessage
	Reason   string
}

// StatusSource is queried by the Poller until a job settles.
type StatusSource interface {
	Status(ctx context.Context, h Handle) (JobStatus, error)
}

// StatusFunc adapts a function to StatusSource.
type StatusFunc func(ctx context.Context, h Handle) (JobStatus, error)

func (f StatusFunc) Status(ctx context.Context, h Handle) (JobStatus, error) {
	return f(ctx, h)
}
