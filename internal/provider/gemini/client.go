// Package gemini is the primary generation backend: Gemini for text and
// images, Veo for video.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/ivlev/cineflow/internal/imaging"
	"github.com/ivlev/cineflow/internal/provider"
)

const (
	DefaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	DefaultTextModel = "gemini-3-flash-preview"

	scope = "https://www.googleapis.com/auth/generative-language"
)

// Config for the primary backend.
type Config struct {
	APIKey    string
	BaseURL   string
	TextModel string
	// MediaDir receives downloaded clips. Empty keeps the remote URI.
	MediaDir string

	HTTPClient *http.Client
	Polling    provider.Poller
	Resizer    imaging.Resizer
	Logger     *slog.Logger
}

// Client talks to the Gemini API with either an API key or Application
// Default Credentials.
type Client struct {
	cfg   Config
	http  *http.Client
	genai *genai.Client
	log   *slog.Logger
}

// KeyFromEnv returns GEMINI_API_KEY, or API_KEY when the former is unset.
func KeyFromEnv() string {
	if k := os.Getenv("GEMINI_API_KEY"); k != "" {
		return k
	}
	return os.Getenv("API_KEY")
}

// New builds a client. Without an API key it falls back to Application
// Default Credentials.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TextModel == "" {
		cfg.TextModel = DefaultTextModel
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling = provider.GeminiPolling()
	}
	if cfg.Resizer.MaxDimension == 0 {
		cfg.Resizer = imaging.DefaultResizer()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{cfg: cfg, log: log.With("provider", "gemini")}
	if c.cfg.Polling.Logger == nil {
		c.cfg.Polling.Logger = c.log
	}

	var opts []option.ClientOption
	switch {
	case cfg.APIKey != "":
		c.http = cfg.HTTPClient
		if c.http == nil {
			c.http = http.DefaultClient
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	default:
		creds, err := google.FindDefaultCredentials(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("gemini: no API key and no default credentials: %w", err)
		}
		base := cfg.HTTPClient
		if base != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		}
		c.http = oauth2.NewClient(ctx, creds.TokenSource)
		opts = append(opts, option.WithTokenSource(creds.TokenSource))
	}

	g, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	c.genai = g
	return c, nil
}

func (c *Client) Close() error {
	if c.genai == nil {
		return nil
	}
	return c.genai.Close()
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("x-goog-api-key", c.cfg.APIKey)
	}
}

// do sends a JSON request to path under the base URL and decodes the answer into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+"/"+strings.TrimLeft(path, "/"), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &provider.StatusError{Provider: "gemini", Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	return nil
}

// inline returns the MIME type and bytes of an image reference, downloading
// remote URLs.
func (c *Client) inline(ctx context.Context, ref string) (string, []byte, error) {
	if imaging.IsDataURI(ref) {
		return imaging.ParseDataURI(ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, &provider.StatusError{Provider: "gemini", Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	mime := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return mime, data, nil
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}
