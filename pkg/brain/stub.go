package brain

import (
	"context"
	"sync"
	"time"
)

// ScriptedProvider replays canned responses in order. Used by tests and
// QA tooling in place of a live model server.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []*ProviderResult
	errs      []error
	calls     []ScriptedCall
}

// ScriptedCall records one dispatch the provider received.
type ScriptedCall struct {
	Model   string
	Request *Request
	Timeout time.Duration
}

// NewScriptedProvider builds an empty script.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{}
}

// Respond appends a successful response to the script.
func (p *ScriptedProvider) Respond(text string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, &ProviderResult{Text: text})
	p.errs = append(p.errs, nil)
	return p
}

// Fail appends a classified failure to the script.
func (p *ScriptedProvider) Fail(err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, nil)
	p.errs = append(p.errs, err)
	return p
}

// Calls returns every dispatch received so far.
func (p *ScriptedProvider) Calls() []ScriptedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ScriptedCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// Chat pops the next scripted step. Past the end of the script it echoes
// a deterministic stub so loops keep making progress.
func (p *ScriptedProvider) Chat(ctx context.Context, model string, req *Request, timeout time.Duration) (*ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Provider: "scripted", Type: ErrConnection, Message: err.Error()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.calls)
	p.calls = append(p.calls, ScriptedCall{Model: model, Request: req, Timeout: timeout})

	if idx >= len(p.responses) {
		return &ProviderResult{Text: "scripted stub", ModelID: model}, nil
	}
	if err := p.errs[idx]; err != nil {
		return nil, err
	}
	result := *p.responses[idx]
	result.ModelID = model
	return &result, nil
}
