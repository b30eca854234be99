package provider

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetryDelay is the pause before the single retry of a transient failure.
const DefaultRetryDelay = 2 * time.Second

// FallbackProgress is reported when a video request switches to the secondary backend.
const FallbackProgress = 15

// Router holds the retry policy shared by the Fallback* wrappers.
type Router struct {
	RetryDelay time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     *slog.Logger
}

type call func(ctx context.Context) (string, error)

// route calls primary, retries it once on a transient failure and switches
// to secondary exactly once when the primary is out of capacity or still
// unreachable. Fatal and timeout errors are returned unchanged.
func (r Router) route(ctx context.Context, op string, primary, secondary call) (string, error) {
	log := r.logger().With("op", op)

	out, err := primary(ctx)
	if err == nil {
		return out, nil
	}
	class := Classify(err)

	if class == ClassTransient {
		log.Warn("primary failed, retrying", "err", err)
		if serr := r.sleep(ctx, r.retryDelay()); serr != nil {
			return "", serr
		}
		out, err = primary(ctx)
		if err == nil {
			return out, nil
		}
		class = Classify(err)
	}

	switch class {
	case ClassCapacity:
		if secondary == nil {
			return "", &FallbackError{Op: op, Primary: err}
		}
	case ClassTransient:
		if secondary == nil {
			return "", err
		}
	default:
		return "", err
	}

	log.Info("switching to fallback backend", "class", class, "err", err)
	out, serr := secondary(ctx)
	if serr != nil {
		log.Error("fallback failed", "err", serr)
		return "", &FallbackError{Op: op, Primary: err, Secondary: serr}
	}
	return out, nil
}

func (r Router) retryDelay() time.Duration {
	if r.RetryDelay > 0 {
		return r.RetryDelay
	}
	return DefaultRetryDelay
}

func (r Router) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (r Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// FallbackImages routes image requests from Primary to Secondary.
type FallbackImages struct {
	Router
	Primary   ImageGenerator
	Secondary ImageGenerator // may be nil
}

func (f *FallbackImages) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	var secondary call
	if f.Secondary != nil {
		secondary = func(ctx context.Context) (string, error) {
			return f.Secondary.GenerateImage(ctx, req)
		}
	}
	return f.route(ctx, "image", func(ctx context.Context) (string, error) {
		return f.Primary.GenerateImage(ctx, req)
	}, secondary)
}

// FallbackVideos routes synthesis requests from Primary to Secondary.
type FallbackVideos struct {
	Router
	Primary   VideoGenerator
	Secondary VideoGenerator // may be nil
}

func (f *FallbackVideos) GenerateVideo(ctx context.Context, req VideoRequest, progress ProgressFunc) (string, error) {
	var secondary call
	if f.Secondary != nil {
		secondary = func(ctx context.Context) (string, error) {
			if progress != nil {
				progress(FallbackProgress)
			}
			return f.Secondary.GenerateVideo(ctx, req, progress)
		}
	}
	return f.route(ctx, "video", func(ctx context.Context) (string, error) {
		return f.Primary.GenerateVideo(ctx, req, progress)
	}, secondary)
}

// FallbackText routes text requests from Primary to Secondary.
type FallbackText struct {
	Router
	Primary   TextGenerator
	Secondary TextGenerator // may be nil
}

func (f *FallbackText) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	var secondary call
	if f.Secondary != nil {
		secondary = func(ctx context.Context) (string, error) {
			return f.Secondary.GenerateText(ctx, req)
		}
	}
	return f.route(ctx, "text", func(ctx context.Context) (string, error) {
		return f.Primary.GenerateText(ctx, req)
	}, secondary)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
