// Package bridge is the HTTP client for the local desktop automation
// bridge: screen capture, input injection and a health probe. The
// executor is its only consumer.
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/astra-local/astra/pkg/config"
)

// Capture is one screen observation returned by the bridge.
type Capture struct {
	Image  []byte
	Width  int
	Height int
}

// Client abstracts the desktop bridge for the executor. Implementations
// must be safe for concurrent use.
type Client interface {
	Capture(ctx context.Context, maxWidth, quality int) (*Capture, error)
	Act(ctx context.Context, action map[string]any, imageWidth, imageHeight int) error
	Health(ctx context.Context) error
}

// HTTPClient talks JSON to the bridge process on loopback.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds the bridge client from config.
func NewHTTPClient(cfg *config.BridgeConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type captureRequest struct {
	MaxWidth int `json:"max_width"`
	Quality  int `json:"quality"`
}

type captureResponse struct {
	ImageBase64 string `json:"image_base64"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Error       string `json:"error"`
}

// Capture requests a screenshot scaled to maxWidth.
func (c *HTTPClient) Capture(ctx context.Context, maxWidth, quality int) (*Capture, error) {
	var parsed captureResponse
	if err := c.post(ctx, "/capture", captureRequest{MaxWidth: maxWidth, Quality: quality}, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("bridge capture failed: %s", parsed.Error)
	}

	var image []byte
	if parsed.ImageBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(parsed.ImageBase64)
		if err != nil {
			// Some bridge builds ship raw bytes in the field; hash those
			// as-is rather than failing the observation.
			decoded = []byte(parsed.ImageBase64)
		}
		image = decoded
	}
	return &Capture{Image: image, Width: parsed.Width, Height: parsed.Height}, nil
}

type actRequest struct {
	Action      map[string]any `json:"action"`
	ImageWidth  int            `json:"image_width"`
	ImageHeight int            `json:"image_height"`
}

type actResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Act injects one input action. Coordinates are in the capture's image
// space; the bridge rescales to the physical screen.
func (c *HTTPClient) Act(ctx context.Context, action map[string]any, imageWidth, imageHeight int) error {
	var parsed actResponse
	if err := c.post(ctx, "/act", actRequest{Action: action, ImageWidth: imageWidth, ImageHeight: imageHeight}, &parsed); err != nil {
		return err
	}
	if !parsed.OK {
		if parsed.Error == "" {
			parsed.Error = "rejected"
		}
		return fmt.Errorf("bridge act failed: %s", parsed.Error)
	}
	return nil
}

// Health probes the bridge liveness endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bridge health HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read bridge response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bridge HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("bridge returned invalid JSON: %w", err)
	}
	return nil
}
