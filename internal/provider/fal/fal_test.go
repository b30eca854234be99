package fal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ivlev/cineflow/internal/provider"
)

func newTestClient(srv *httptest.Server) *Client {
	c := New("fal-key")
	c.QueueURL = srv.URL + "/queue"
	c.SyncURL = srv.URL + "/sync"
	c.HTTPClient = srv.Client()
	c.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	c.Polling.Sleep = c.Sleep
	return c
}

func TestQueued(t *testing.T) {
	for endpoint, want := range map[string]bool{
		"fal-ai/veo3.1/image-to-video":   true,
		"fal-ai/kling-video/v1/standard": true,
		"fal-ai/minimax/hailuo":          true,
		"fal-ai/imagen3":                 false,
		"fal-ai/any-llm":                 false,
	} {
		if got := Queued(endpoint); got != want {
			t.Errorf("Queued(%q) = %v, want %v", endpoint, got, want)
		}
	}
}

func TestGenerateImageSync(t *testing.T) {
	var got imagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/fal-ai/imagen3" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Key fal-key" {
			t.Errorf("missing key header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"images":[{"url":"https://fal.media/files/a.png"}]}`))
	}))
	defer srv.Close()

	url, err := newTestClient(srv).GenerateImage(context.Background(), provider.ImageRequest{Prompt: "Rider", AspectRatio: "9:16"})
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if url != "https://fal.media/files/a.png" {
		t.Errorf("unexpected url %q", url)
	}
	if got.Prompt != "Rider" || got.AspectRatio != "9:16" || got.ImageURL != "" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestGenerateImageCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"rate limited"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GenerateImage(context.Background(), provider.ImageRequest{Prompt: "x"})
	var se *provider.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		t.Fatalf("expected a 429 StatusError, got %v", err)
	}
	if !provider.IsCapacity(err) {
		t.Error("429 should classify as capacity")
	}
}

func queueServer(t *testing.T, resultStatus int) (*httptest.Server, *videoPayload) {
	t.Helper()
	var (
		payload videoPayload
		polls   atomic.Int32
	)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	mux.HandleFunc("/queue/fal-ai/veo3.1/fast/image-to-video", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.Write([]byte(`{"request_id":"req-1","status_url":"` + srv.URL + `/status/req-1","response_url":"` + srv.URL + `/result/req-1"}`))
	})
	mux.HandleFunc("/status/req-1", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNotFound)
		case 2:
			w.Write([]byte(`{"status":"IN_QUEUE"}`))
		case 3:
			w.Write([]byte(`{"status":"IN_PROGRESS"}`))
		default:
			w.Write([]byte(`{"status":"COMPLETED","response_url":"` + srv.URL + `/result/req-1","video":{"url":"https://fal.media/files/status.mp4"}}`))
		}
	})
	mux.HandleFunc("/result/req-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("result must be fetched without auth headers")
		}
		if resultStatus != http.StatusOK {
			w.WriteHeader(resultStatus)
			return
		}
		w.Write([]byte(`{"video":{"url":"https://fal.media/files/clip.mp4"}}`))
	})
	return srv, &payload
}

func TestGenerateVideoQueued(t *testing.T) {
	srv, payload := queueServer(t, http.StatusOK)
	defer srv.Close()

	var progress []float64
	url, err := newTestClient(srv).GenerateVideo(context.Background(), provider.VideoRequest{
		Prompt:     "Bridge",
		StartImage: "https://fal.media/files/start.png",
		EndImage:   "https://fal.media/files/end.png",
		Model:      "veo-3.1-fast-generate-preview",
		Bridge:     true,
	}, func(p float64) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("GenerateVideo failed: %v", err)
	}
	if url != "https://fal.media/files/clip.mp4" {
		t.Errorf("unexpected url %q", url)
	}
	if payload.ImageURL != "https://fal.media/files/start.png" || payload.EndImageURL != "https://fal.media/files/end.png" {
		t.Errorf("images not passed by reference: %+v", payload)
	}
	if len(progress) != 2 {
		t.Errorf("expected progress for the two pending ticks, got %v", progress)
	}
}

func TestGenerateVideoResultFallsBackToStatusBody(t *testing.T) {
	srv, _ := queueServer(t, http.StatusInternalServerError)
	defer srv.Close()

	url, err := newTestClient(srv).GenerateVideo(context.Background(), provider.VideoRequest{
		Prompt:     "Standalone",
		StartImage: "https://fal.media/files/start.png",
		Model:      "veo-3.1-fast-generate-preview",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://fal.media/files/status.mp4" {
		t.Errorf("expected the status body url, got %q", url)
	}
}

func TestCallFailedJob(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/queue/fal-ai/veo3.1/image-to-video", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"request_id":"req-2"}`))
	})
	mux.HandleFunc("/queue/fal-ai/veo3.1/image-to-video/requests/req-2/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"FAILED","error":"NSFW content detected"}`))
	})

	_, err := newTestClient(srv).Call(context.Background(), VideoEndpoint, videoPayload{Prompt: "x"}, nil)
	if err == nil || !strings.Contains(err.Error(), "NSFW content detected") {
		t.Fatalf("expected the provider reason, got %v", err)
	}
}

type flakyTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(r)
}

func TestSubmitRetriesOnceAfterNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output":"{\"title\":\"Desert Chase\"}"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ft := &flakyTransport{next: srv.Client().Transport}
	c.HTTPClient = &http.Client{Transport: ft}

	out, err := c.GenerateText(context.Background(), provider.TextRequest{Prompt: "draft", JSON: true})
	if err != nil {
		t.Fatalf("GenerateText failed: %v", err)
	}
	if out != `{"title":"Desert Chase"}` {
		t.Errorf("unexpected output %q", out)
	}
	if ft.calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", ft.calls.Load())
	}
}

func TestGenerateTextReadsDataField(t *testing.T) {
	var got textPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"data":"Slow push-in."}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv).GenerateText(context.Background(), provider.TextRequest{Prompt: "motion"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Slow push-in." {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(got.Prompt, "ONLY valid JSON") {
		t.Error("plain text requests should not ask for JSON")
	}
}

func TestResultUsesSubmittedURLWhenStatusUnreadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queue/requests/req-7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"video":{"url":"https://fal.media/files/clip.mp4"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	h := provider.Handle{ID: "req-7", ResponseURL: srv.URL + "/queue/requests/req-7"}
	got := c.result(context.Background(), h, json.RawMessage(`not json`))
	if !strings.Contains(string(got), "clip.mp4") {
		t.Errorf("expected the payload from the submitted url, got %s", got)
	}
}
