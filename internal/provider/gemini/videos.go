package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ivlev/cineflow/internal/provider"
)

const (
	FastVideoModel    = "veo-3.1-fast-generate-preview"
	PremiumVideoModel = "veo-3.1-generate-preview"

	startProgress = 5
)

type videoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MIMEType           string `json:"mimeType"`
}

type videoInstance struct {
	Prompt    string      `json:"prompt"`
	Image     *videoImage `json:"image,omitempty"`
	LastFrame *videoImage `json:"lastFrame,omitempty"`
}

type videoParameters struct {
	AspectRatio    string `json:"aspectRatio,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	NumberOfVideos int    `json:"numberOfVideos,omitempty"`
}

type predictRequest struct {
	Instances  []videoInstance `json:"instances"`
	Parameters videoParameters `json:"parameters"`
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

// GenerateVideo submits a Veo job, polls the operation and returns a local
// path under MediaDir or, without one, the remote URI.
func (c *Client) GenerateVideo(ctx context.Context, req provider.VideoRequest, progress provider.ProgressFunc) (string, error) {
	if progress != nil {
		progress(startProgress)
	}
	model := req.Model
	if model == "" {
		model = FastVideoModel
	}

	start, err := c.videoImage(ctx, req.StartImage)
	if err != nil {
		return "", fmt.Errorf("start image: %w", err)
	}
	inst := videoInstance{Prompt: req.Prompt, Image: start}
	if req.Bridge && req.EndImage != "" {
		end, err := c.videoImage(ctx, req.EndImage)
		if err != nil {
			return "", fmt.Errorf("end image: %w", err)
		}
		inst.LastFrame = end
	}

	body := predictRequest{
		Instances: []videoInstance{inst},
		Parameters: videoParameters{
			AspectRatio:    req.AspectRatio,
			Resolution:     "720p",
			NumberOfVideos: 1,
		},
	}

	var op operation
	if err := c.do(ctx, http.MethodPost, "models/"+url.PathEscape(model)+":predictLongRunning", body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("%w: operation without a name", provider.ErrMalformedResponse)
	}
	c.log.Info("video job submitted", "operation", op.Name, "model", model)

	st, err := c.cfg.Polling.Poll(ctx, provider.StatusFunc(c.operationStatus), provider.Handle{ID: op.Name}, progress)
	if err != nil {
		return "", err
	}

	var done operation
	if err := json.Unmarshal(st.Result, &done); err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	if done.Response == nil || len(done.Response.GenerateVideoResponse.GeneratedSamples) == 0 ||
		done.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI == "" {
		return "", fmt.Errorf("veo %s: %w", op.Name, provider.ErrNoResult)
	}
	uri := done.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI

	if c.cfg.MediaDir == "" {
		return uri, nil
	}
	path, err := c.download(ctx, uri)
	if err != nil {
		c.log.Warn("clip download failed, keeping remote uri", "operation", op.Name, "err", err)
		return uri, nil
	}
	return path, nil
}

func (c *Client) operationStatus(ctx context.Context, h provider.Handle) (provider.JobStatus, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, h.ID, nil, &raw); err != nil {
		return provider.JobStatus{}, err
	}
	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return provider.JobStatus{}, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	switch {
	case !op.Done:
		return provider.JobStatus{State: provider.JobPending}, nil
	case op.Error != nil:
		return provider.JobStatus{State: provider.JobFailed, Reason: op.Error.Message}, nil
	default:
		return provider.JobStatus{State: provider.JobCompleted, Result: raw}, nil
	}
}

func (c *Client) videoImage(ctx context.Context, ref string) (*videoImage, error) {
	if ref == "" {
		return nil, errors.New("missing image")
	}
	mime, data, err := c.inline(ctx, c.cfg.Resizer.Prepare(ref))
	if err != nil {
		return nil, err
	}
	return &videoImage{BytesBase64Encoded: base64.StdEncoding.EncodeToString(data), MIMEType: mime}, nil
}

// download stores the clip under MediaDir. The API key travels in a header
// so it never ends up in a stored path or URL.
func (c *Client) download(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &provider.StatusError{Provider: "gemini", Code: resp.StatusCode}
	}

	if err := os.MkdirAll(c.cfg.MediaDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(c.cfg.MediaDir, "veo_"+uuid.NewString()+".mp4")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
