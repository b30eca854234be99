package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ivlev/cineflow/internal/imaging"
	"github.com/ivlev/cineflow/internal/provider"
)

func testImage(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	return imaging.DataURI("image/png", buf.Bytes())
}

func newTestClient(t *testing.T, srv *httptest.Server, mediaDir string) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		MediaDir:   mediaDir,
		HTTPClient: srv.Client(),
		Polling: provider.Poller{
			Interval:    time.Millisecond,
			MaxAttempts: 20,
			Sleep:       func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGenerateImage(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/"+ProImageModel+":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":"QUJD"}}]}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	out, err := c.GenerateImage(context.Background(), provider.ImageRequest{
		Prompt:      "Rider on the ridge",
		AspectRatio: "16:9",
		Model:       ProImageModel,
		References:  []string{testImage(t)},
	})
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if out != "data:image/png;base64,QUJD" {
		t.Errorf("unexpected data uri %q", out)
	}

	parts := got.Contents[0].Parts
	if len(parts) != 2 || parts[0].Text != "Rider on the ridge" || parts[1].InlineData == nil {
		t.Errorf("pro model should get the prompt before references: %+v", parts)
	}
	if parts[1].InlineData != nil && parts[1].InlineData.MIMEType != "image/jpeg" {
		t.Errorf("reference was not resized to jpeg: %s", parts[1].InlineData.MIMEType)
	}
	cfg := got.GenerationConfig.ImageConfig
	if cfg.AspectRatio != "16:9" || cfg.ImageSize != "1K" {
		t.Errorf("unexpected image config %+v", cfg)
	}
}

func TestGenerateImageFlashPutsReferencesFirst(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"QUJD"}}]}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	_, err := c.GenerateImage(context.Background(), provider.ImageRequest{
		Prompt:     "Dust storm",
		Model:      FlashImageModel,
		References: []string{testImage(t)},
	})
	if err != nil {
		t.Fatal(err)
	}
	parts := got.Contents[0].Parts
	if len(parts) != 2 || parts[0].InlineData == nil || parts[1].Text != "Dust storm" {
		t.Errorf("flash model should get references before the prompt: %+v", parts)
	}
	if got.GenerationConfig.ImageConfig.ImageSize != "" {
		t.Error("image size is only set for the pro model")
	}
}

func TestGenerateImageErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		capacity bool
		noResult bool
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, true, false},
		{"no image", http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"I can't draw that"}]}}]}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv, "").GenerateImage(context.Background(), provider.ImageRequest{Prompt: "x"})
			if err == nil {
				t.Fatal("expected an error")
			}
			if provider.IsCapacity(err) != tt.capacity {
				t.Errorf("IsCapacity = %v for %v", !tt.capacity, err)
			}
			if errors.Is(err, provider.ErrNoResult) != tt.noResult {
				t.Errorf("ErrNoResult mismatch for %v", err)
			}
		})
	}
}

func TestGenerateVideoBridge(t *testing.T) {
	var (
		submitted predictRequest
		polls     atomic.Int32
	)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ":predictLongRunning"):
			json.NewDecoder(r.Body).Decode(&submitted)
			w.Write([]byte(`{"name":"models/veo/operations/op1"}`))
		case r.URL.Path == "/models/veo/operations/op1":
			if polls.Add(1) < 3 {
				w.Write([]byte(`{"name":"models/veo/operations/op1","done":false}`))
				return
			}
			w.Write([]byte(`{"name":"models/veo/operations/op1","done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"` + srv.URL + `/files/clip.mp4"}}]}}}`))
		case r.URL.Path == "/files/clip.mp4":
			if r.Header.Get("x-goog-api-key") != "test-key" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Write([]byte("mp4-bytes"))
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	dir := t.TempDir()
	c := newTestClient(t, srv, dir)

	var progress []float64
	path, err := c.GenerateVideo(context.Background(), provider.VideoRequest{
		Prompt:      "Whip pan from the ridge to the canyon",
		StartImage:  testImage(t),
		EndImage:    testImage(t),
		AspectRatio: "16:9",
		Model:       FastVideoModel,
		Bridge:      true,
	}, func(p float64) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("GenerateVideo failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "mp4-bytes" {
		t.Errorf("clip not downloaded to %s: %v", path, err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Errorf("clip stored outside the media dir: %s", path)
	}
	if strings.Contains(path, "test-key") {
		t.Error("api key leaked into the stored path")
	}

	inst := submitted.Instances[0]
	if inst.Image == nil || inst.LastFrame == nil {
		t.Errorf("bridge should send start and last frame: %+v", inst)
	}
	if submitted.Parameters.Resolution != "720p" || submitted.Parameters.AspectRatio != "16:9" {
		t.Errorf("unexpected parameters %+v", submitted.Parameters)
	}
	if len(progress) == 0 || progress[0] != startProgress {
		t.Errorf("expected initial progress %d, got %v", startProgress, progress)
	}
	for _, p := range progress {
		if p >= 100 {
			t.Errorf("progress reached %v before completion", p)
		}
	}
}

func TestGenerateVideoFailedOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":predictLongRunning") {
			w.Write([]byte(`{"name":"models/veo/operations/op2"}`))
			return
		}
		w.Write([]byte(`{"name":"models/veo/operations/op2","done":true,"error":{"code":8,"message":"Resource has been exhausted (e.g. check quota)."}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, "").GenerateVideo(context.Background(), provider.VideoRequest{
		Prompt:     "Standalone",
		StartImage: testImage(t),
	}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !provider.IsCapacity(err) {
		t.Errorf("quota failure of the operation should classify as capacity: %v", err)
	}
}

func TestSearchTextAppendsSources(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Warm tungsten key light."}]},"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://example.com/dp","title":"DP notes"}}]}}]}`))
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv, "").GenerateText(context.Background(), provider.TextRequest{Prompt: "desert chase", Search: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Tools) != 1 || got.Tools[0].GoogleSearch == nil {
		t.Errorf("search tool not enabled: %+v", got.Tools)
	}
	if !strings.HasPrefix(out, "Warm tungsten key light.") || !strings.Contains(out, "[Ref: DP notes](https://example.com/dp)") {
		t.Errorf("unexpected briefing %q", out)
	}
}
