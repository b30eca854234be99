// Package stitch joins the completed clips of a production into one movie
// with ffmpeg.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ivlev/cineflow/internal/imaging"
)

var ErrNotEnoughClips = errors.New("at least two clips are needed to stitch")

// RunFunc executes an external command and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

type Stitcher struct {
	FFmpeg     string
	Encoder    string // re-encode codec, libx264 when empty
	Quality    int
	HTTPClient *http.Client
	Run        RunFunc
	Logger     *slog.Logger
}

func New() *Stitcher {
	return &Stitcher{FFmpeg: "ffmpeg", Encoder: "libx264", Quality: 23}
}

// Stitch downloads or decodes every clip, concatenates them in order into out
// and returns the output path. Stream copy is tried first; clips with
// mismatched streams are re-encoded.
func (s *Stitcher) Stitch(ctx context.Context, urls []string, out string) (string, error) {
	if len(urls) < 2 {
		return "", fmt.Errorf("%w: got %d", ErrNotEnoughClips, len(urls))
	}

	tmpDir, err := os.MkdirTemp("", "cineflow_stitch_")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	paths, err := s.materialize(ctx, urls, tmpDir)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(out); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}

	listPath := filepath.Join(tmpDir, "inputs.txt")
	if err := writeConcatList(listPath, paths); err != nil {
		return "", err
	}

	log := s.logger()
	if output, err := s.run(ctx, s.ffmpeg(), copyArgs(listPath, out)...); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("stream copy failed, re-encoding", "err", err, "output", truncate(string(output)))
		if output, err := s.run(ctx, s.ffmpeg(), s.encodeArgs(paths, out)...); err != nil {
			return "", fmt.Errorf("ffmpeg concat error: %v, output: %s", err, truncate(string(output)))
		}
	}
	log.Info("movie stitched", "clips", len(paths), "output", out)
	return out, nil
}

// materialize turns every clip reference into a local file path.
func (s *Stitcher) materialize(ctx context.Context, urls []string, dir string) ([]string, error) {
	paths := make([]string, len(urls))
	g, ctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			dst := filepath.Join(dir, fmt.Sprintf("clip_%03d.mp4", i))
			switch {
			case strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://"):
				if err := s.download(ctx, u, dst); err != nil {
					return fmt.Errorf("clip %d: %w", i+1, err)
				}
				paths[i] = dst
			case imaging.IsDataURI(u):
				_, data, err := imaging.ParseDataURI(u)
				if err != nil {
					return fmt.Errorf("clip %d: %w", i+1, err)
				}
				if err := os.WriteFile(dst, data, 0644); err != nil {
					return err
				}
				paths[i] = dst
			default:
				p := strings.TrimPrefix(u, "file://")
				if _, err := os.Stat(p); err != nil {
					return fmt.Errorf("clip %d: %w", i+1, err)
				}
				paths[i] = p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (s *Stitcher) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeConcatList(path string, clips []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, p := range clips {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		fmt.Fprintf(f, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return f.Close()
}

func copyArgs(listPath, out string) []string {
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", out}
}

func (s *Stitcher) encodeArgs(paths []string, out string) []string {
	args := []string{"-y"}
	var inputs strings.Builder
	for i, p := range paths {
		args = append(args, "-i", p)
		fmt.Fprintf(&inputs, "[%d:v]", i)
	}
	args = append(args, "-filter_complex", fmt.Sprintf("%sconcat=n=%d:v=1:a=0[v]", inputs.String(), len(paths)), "-map", "[v]")

	encoder := s.Encoder
	if encoder == "" {
		encoder = "libx264"
	}
	quality := s.Quality
	if quality <= 0 {
		quality = 23
	}
	args = append(args, "-c:v", encoder, "-pix_fmt", "yuv420p")
	switch encoder {
	case "h264_videotoolbox":
		args = append(args, "-b:v", fmt.Sprintf("%dk", quality*100))
	case "h264_nvenc":
		args = append(args, "-cq", fmt.Sprintf("%d", quality))
	default: // libx264
		args = append(args, "-crf", fmt.Sprintf("%d", quality), "-preset", "medium")
	}
	return append(args, out)
}

func (s *Stitcher) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if s.Run != nil {
		return s.Run(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (s *Stitcher) ffmpeg() string {
	if s.FFmpeg != "" {
		return s.FFmpeg
	}
	return "ffmpeg"
}

func (s *Stitcher) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func truncate(s string) string {
	const max = 2048
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
