// Package imagegen talks to the remote image generation service and fetches
// the artifacts it produces.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

const (
	// DefaultBaseURL is the origin of the generation service. Artifact
	// references it returns are relative to this origin.
	DefaultBaseURL = "https://yousmind.com"

	// DefaultGeneratePath is the generation endpoint below the base URL.
	DefaultGeneratePath = "/api/image-generator/generate"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultRateLimit is the default outbound rate (requests per second).
	DefaultRateLimit = 20

	// DefaultMaxArtifactSize caps the bytes accepted for one artifact.
	DefaultMaxArtifactSize = 64 << 20
)

var (
	// ErrDecode is returned when a 2xx generation response is not valid JSON.
	ErrDecode = errors.New("failed to decode generation response")
	// ErrArtifactTooLarge is returned when an artifact exceeds the size cap.
	ErrArtifactTooLarge = errors.New("artifact exceeds size limit")
)

// Client calls the generation service with a bearer credential.
type Client struct {
	baseURL      string
	generatePath string
	token        string
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
	maxArtifact  int64
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithGeneratePath sets a custom generation endpoint path.
func WithGeneratePath(path string) Option {
	return func(c *Client) {
		c.generatePath = path
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit. Zero or less disables limiting.
func WithRateLimit(requestsPerSecond int) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithMaxArtifactSize caps the bytes FetchBytes accepts. Zero or less keeps
// DefaultMaxArtifactSize.
func WithMaxArtifactSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxArtifact = n
		}
	}
}

// NewClient creates a new generation client.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		generatePath: DefaultGeneratePath,
		token:        token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter:     rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:      slog.Default(),
		maxArtifact: DefaultMaxArtifactSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the origin used to absolutise artifact references.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type generateRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
	Provider    string `json:"provider"`
	N           int    `json:"n"`
}

type generateReply struct {
	Success   *bool    `json:"success"`
	ImageURLs []string `json:"image_urls"`
	Error     string   `json:"error"`
}

// Generate requests images for one prompt.
//
// Only transport failures (and undecodable 2xx bodies) are returned as an
// error. A non-2xx answer is a response with StatusCode set and Success
// false, so callers can tell "call failed" from "service said no".
func (c *Client) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (*types.GenerateResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	opts = opts.WithDefaults()
	prompt = strings.TrimSpace(prompt)

	payload, err := json.Marshal(generateRequest{
		Prompt:      prompt,
		AspectRatio: opts.AspectRatio,
		Provider:    opts.Provider,
		N:           opts.Count,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.generatePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := &types.GenerateResponse{StatusCode: resp.StatusCode, Prompt: prompt}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Generation service rejected prompt",
			"status", resp.StatusCode,
			"body", truncate(string(body), 256))
		out.Error = "Failed to generate image"
		return out, nil
	}

	var reply generateReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	out.Success = reply.Success == nil || *reply.Success
	out.Error = reply.Error
	out.ImageURLs = make([]string, 0, len(reply.ImageURLs))
	for _, ref := range reply.ImageURLs {
		out.ImageURLs = append(out.ImageURLs, c.absolute(ref))
	}
	return out, nil
}

// FetchBytes downloads one artifact.
//
// Only transport failures are returned as an error; the status code of the
// answer is carried in the response. The body is read only for 2xx answers.
func (c *Client) FetchBytes(ctx context.Context, ref string) (*types.FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.absolute(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	out := &types.FetchResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if !out.OK() {
		return out, nil
	}

	out.Body, err = io.ReadAll(io.LimitReader(resp.Body, c.maxArtifact+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if int64(len(out.Body)) > c.maxArtifact {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrArtifactTooLarge, ref, c.maxArtifact)
	}
	return out, nil
}

// absolute prefixes references relative to the service origin.
func (c *Client) absolute(ref string) string {
	if strings.HasPrefix(ref, "/") && !strings.HasPrefix(ref, "//") {
		return c.baseURL + ref
	}
	return ref
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
