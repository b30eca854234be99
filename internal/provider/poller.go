package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Poller queries a StatusSource until the job settles.
//
// The wait before each query grows with consecutive transient errors:
// min(MaxInterval, Interval + errors*ErrorStep). The wall-clock Timeout is
// checked before every wait and a wait is never scheduled past it, so a job
// that stays pending is abandoned at most one query after the ceiling. A
// query still unanswered one interval past the ceiling is cut off.
type Poller struct {
	InitialDelay         time.Duration
	Interval             time.Duration
	MaxInterval          time.Duration
	ErrorStep            time.Duration
	Timeout              time.Duration
	MaxAttempts          int
	MaxConsecutiveErrors int

	// Seed and Step shape the progress estimate when the backend gives no hint.
	Seed float64
	Step float64

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// GeminiPolling matches the primary backend's long-running operations.
func GeminiPolling() Poller {
	return Poller{
		Interval:             6 * time.Second,
		MaxInterval:          12 * time.Second,
		ErrorStep:            time.Second,
		Timeout:              20 * time.Minute,
		MaxAttempts:          250,
		MaxConsecutiveErrors: 30,
		Seed:                 5,
		Step:                 0.4,
	}
}

// FalPolling matches the fallback backend's queue.
func FalPolling() Poller {
	return Poller{
		InitialDelay:         time.Second,
		Interval:             2 * time.Second,
		MaxInterval:          10 * time.Second,
		ErrorStep:            time.Second,
		Timeout:              20 * time.Minute,
		MaxConsecutiveErrors: 30,
		Seed:                 FallbackProgress,
		Step:                 0.4,
	}
}

// Poll blocks until h completes, fails or runs out of time. The returned
// status is always JobCompleted when err is nil. Progress never decreases and
// stays below 100; the caller reports completion.
func (p Poller) Poll(ctx context.Context, src StatusSource, h Handle, progress ProgressFunc) (JobStatus, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("job", h.ID)

	var deadline time.Time
	if p.Timeout > 0 {
		deadline = now().Add(p.Timeout)
	}

	if p.InitialDelay > 0 {
		if err := sleep(ctx, p.InitialDelay); err != nil {
			return JobStatus{}, err
		}
	}

	var (
		attempts int
		errs     int
		reported float64
	)
	for {
		if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
			return JobStatus{}, fmt.Errorf("%w after %d attempts", ErrTimeout, attempts)
		}

		wait := p.Interval + time.Duration(errs)*p.ErrorStep
		if p.MaxInterval > 0 && wait > p.MaxInterval {
			wait = p.MaxInterval
		}
		if !deadline.IsZero() {
			remaining := deadline.Sub(now())
			if remaining <= 0 {
				return JobStatus{}, fmt.Errorf("%w after %s", ErrTimeout, p.Timeout)
			}
			if wait > remaining {
				wait = remaining
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return JobStatus{}, err
		}

		attempts++
		st, err := p.query(ctx, src, h, deadline, wait, now)
		if err != nil {
			if ctx.Err() != nil {
				return JobStatus{}, ctx.Err()
			}
			if errors.Is(err, errQueryExpired) {
				return JobStatus{}, fmt.Errorf("%w after %s: status query did not answer", ErrTimeout, p.Timeout)
			}
			if !IsTransientStatus(err) {
				return JobStatus{}, err
			}
			errs++
			log.Debug("status query failed", "attempt", attempts, "consecutive", errs, "err", err)
			if p.MaxConsecutiveErrors > 0 && errs >= p.MaxConsecutiveErrors {
				return JobStatus{}, fmt.Errorf("%w: %d consecutive status errors: %v", ErrConnectionLost, errs, err)
			}
			continue
		}
		errs = 0

		switch st.State {
		case JobCompleted:
			return st, nil
		case JobFailed:
			reason := st.Reason
			if reason == "" {
				reason = "unknown error"
			}
			return JobStatus{}, fmt.Errorf("job %s failed: %s", h.ID, reason)
		}

		estimate := st.Progress
		if estimate <= 0 {
			estimate = p.Seed + float64(attempts)*p.Step
		}
		if estimate < reported {
			estimate = reported
		}
		if estimate > 99 {
			estimate = 99
		}
		reported = estimate
		if progress != nil {
			progress(estimate)
		}
	}
}

var errQueryExpired = errors.New("status query expired")

// query runs one status query, bounded by the ceiling plus one interval.
func (p Poller) query(ctx context.Context, src StatusSource, h Handle, deadline time.Time, grace time.Duration, now func() time.Time) (JobStatus, error) {
	if deadline.IsZero() {
		return src.Status(ctx, h)
	}
	qctx, cancel := context.WithTimeout(ctx, deadline.Sub(now())+grace)
	defer cancel()
	st, err := src.Status(qctx, h)
	if err != nil && ctx.Err() == nil && qctx.Err() != nil {
		return JobStatus{}, fmt.Errorf("%w: %v", errQueryExpired, err)
	}
	return st, err
}
