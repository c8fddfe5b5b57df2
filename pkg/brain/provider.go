package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProviderResult is the raw outcome of one provider call.
type ProviderResult struct {
	Text    string
	Usage   map[string]any
	ModelID string
}

// Provider dispatches one chat completion against a concrete model.
type Provider interface {
	Chat(ctx context.Context, model string, req *Request, timeout time.Duration) (*ProviderResult, error)
}

// localProvider talks to an Ollama-compatible server over HTTP JSON.
type localProvider struct {
	baseURL    string
	numCtx     int
	numPredict int
	client     *http.Client
}

// NewLocalProvider creates the local model server client. The base URL
// must be loopback; the privacy policy never allows remote dispatch.
func NewLocalProvider(baseURL string, numCtx, numPredict int) Provider {
	return &localProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		numCtx:     numCtx,
		numPredict: numPredict,
		client:     &http.Client{},
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   map[string]any `json:"format,omitempty"`
	Options  map[string]any `json:"options"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalDuration   int64  `json:"total_duration"`
}

func (p *localProvider) Chat(ctx context.Context, model string, req *Request, timeout time.Duration) (*ProviderResult, error) {
	options := map[string]any{
		"temperature": req.Temperature,
		"num_ctx":     p.numCtx,
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}
	if req.RepeatPenalty > 0 {
		options["repeat_penalty"] = req.RepeatPenalty
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	} else {
		options["num_predict"] = p.numPredict
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   false,
		Format:   req.JSONSchema,
		Options:  options,
	})
	if err != nil {
		return nil, &Error{Provider: "local", Type: ErrUnhandled, Message: err.Error()}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: "local", Type: ErrUnhandled, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: "local", Type: ErrConnection, Message: fmt.Sprintf("local LLM request failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: "local", Type: ErrConnection, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		errType := ErrHTTP
		if resp.StatusCode == http.StatusNotFound && bytes.Contains(data, []byte("model")) {
			errType = ErrModelNotFound
		}
		return nil, &Error{
			Provider:   "local",
			Type:       errType,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("local LLM HTTP %d", resp.StatusCode),
		}
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &Error{Provider: "local", Type: ErrInvalidJSON, HTTPStatus: resp.StatusCode, Message: "local LLM returned invalid JSON"}
	}
	if parsed.Error != "" {
		errType := ErrHTTP
		if strings.Contains(parsed.Error, "model") && strings.Contains(parsed.Error, "not found") {
			errType = ErrModelNotFound
		}
		return nil, &Error{Provider: "local", Type: errType, Message: parsed.Error}
	}

	return &ProviderResult{
		Text: parsed.Message.Content,
		Usage: map[string]any{
			"prompt_eval_count": parsed.PromptEvalCount,
			"eval_count":        parsed.EvalCount,
			"total_duration":    parsed.TotalDuration,
		},
		ModelID: model,
	}, nil
}
