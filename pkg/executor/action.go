package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/astra-local/astra/pkg/schema"
)

// Micro-action types the model may propose.
const (
	ActionMoveMouse   = "move_mouse"
	ActionClick       = "click"
	ActionDoubleClick = "double_click"
	ActionDrag        = "drag"
	ActionTypeText    = "type"
	ActionKey         = "key"
	ActionScroll      = "scroll"
	ActionWait        = "wait"
	ActionDone        = "done"
)

// defaultWaitMs is applied when a wait action carries no duration.
const defaultWaitMs = 500

const microActionSchemaRaw = `{
	"type": "object",
	"required": ["action_type"],
	"additionalProperties": false,
	"properties": {
		"action_type": {
			"type": "string",
			"enum": ["click", "done", "double_click", "drag", "key", "move_mouse", "scroll", "type", "wait"]
		},
		"x": {"type": "integer"},
		"y": {"type": "integer"},
		"start_x": {"type": "integer"},
		"start_y": {"type": "integer"},
		"end_x": {"type": "integer"},
		"end_y": {"type": "integer"},
		"text": {"type": "string"},
		"keys": {"type": "array", "items": {"type": "string"}},
		"dy": {"type": "integer"},
		"button": {"type": "string"},
		"ms": {"type": "integer"},
		"rationale": {"type": "string"},
		"expected_change": {"type": "string"}
	}
}`

var microActionDocMap = schema.MustDocMap(microActionSchemaRaw)

var errInvalidAction = errors.New("invalid action payload")

// actionPayload is the loosely-parsed model output. The model is told to
// use action_type; type is tolerated as an alias.
type actionPayload struct {
	ActionType string   `json:"action_type"`
	TypeAlias  string   `json:"type"`
	X          *int     `json:"x"`
	Y          *int     `json:"y"`
	StartX     *int     `json:"start_x"`
	StartY     *int     `json:"start_y"`
	EndX       *int     `json:"end_x"`
	EndY       *int     `json:"end_y"`
	Text       *string  `json:"text"`
	Keys       []string `json:"keys"`
	Key        string   `json:"key"`
	Dy         *int     `json:"dy"`
	Button     string   `json:"button"`
	Ms         *int     `json:"ms"`
}

// Action is one validated micro-action ready for the bridge.
type Action struct {
	Type   string
	X, Y   int
	Button string
	StartX int
	StartY int
	EndX   int
	EndY   int
	Text   string
	Keys   []string
	Dy     int
	Ms     int
}

// parseAction turns raw model text into a validated action. Empty output
// degrades to a short wait rather than failing the micro-step.
func parseAction(raw string) (*Action, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Action{Type: ActionWait, Ms: defaultWaitMs}, nil
	}

	object := raw
	var payload actionPayload
	if err := json.Unmarshal([]byte(object), &payload); err != nil {
		object = schema.ExtractObject(raw)
		if object == "" {
			return nil, errInvalidAction
		}
		if err := json.Unmarshal([]byte(object), &payload); err != nil {
			return nil, errInvalidAction
		}
	}
	return normalizeAction(&payload)
}

// normalizeAction checks the per-type required fields and fills defaults.
func normalizeAction(p *actionPayload) (*Action, error) {
	actionType := p.ActionType
	if actionType == "" {
		actionType = p.TypeAlias
	}

	switch actionType {
	case ActionDone:
		return &Action{Type: ActionDone}, nil

	case ActionMoveMouse, ActionClick, ActionDoubleClick:
		if p.X == nil || p.Y == nil {
			return nil, errInvalidAction
		}
		return &Action{Type: actionType, X: *p.X, Y: *p.Y, Button: p.Button}, nil

	case ActionDrag:
		if p.StartX == nil || p.StartY == nil || p.EndX == nil || p.EndY == nil {
			return nil, errInvalidAction
		}
		return &Action{
			Type:   ActionDrag,
			StartX: *p.StartX, StartY: *p.StartY,
			EndX: *p.EndX, EndY: *p.EndY,
		}, nil

	case ActionTypeText:
		if p.Text == nil {
			return nil, errInvalidAction
		}
		return &Action{Type: ActionTypeText, Text: *p.Text}, nil

	case ActionKey:
		keys := p.Keys
		if len(keys) == 0 && p.Key != "" {
			keys = []string{p.Key}
		}
		if len(keys) == 0 {
			return nil, errInvalidAction
		}
		return &Action{Type: ActionKey, Keys: keys}, nil

	case ActionScroll:
		if p.Dy == nil {
			return nil, errInvalidAction
		}
		return &Action{Type: ActionScroll, Dy: *p.Dy}, nil

	case ActionWait:
		ms := defaultWaitMs
		if p.Ms != nil && *p.Ms > 0 {
			ms = *p.Ms
		}
		return &Action{Type: ActionWait, Ms: ms}, nil
	}
	return nil, errInvalidAction
}

// Summary renders the compact action description used in events.
func (a *Action) Summary() string {
	switch a.Type {
	case ActionTypeText:
		return fmt.Sprintf("type:%d chars", len([]rune(a.Text)))
	case ActionKey:
		return "key:" + strings.Join(a.Keys, "+")
	case ActionClick, ActionDoubleClick, ActionMoveMouse:
		return fmt.Sprintf("%s(%d,%d)", a.Type, a.X, a.Y)
	case ActionDrag:
		return fmt.Sprintf("drag(%d,%d)->(%d,%d)", a.StartX, a.StartY, a.EndX, a.EndY)
	case ActionScroll:
		return fmt.Sprintf("scroll(%d)", a.Dy)
	case ActionWait:
		return fmt.Sprintf("wait(%dms)", a.Ms)
	}
	return a.Type
}

// bridgePayload renders the action in the bridge's wire shape.
func (a *Action) bridgePayload() map[string]any {
	payload := map[string]any{"type": a.Type}
	switch a.Type {
	case ActionMoveMouse, ActionClick, ActionDoubleClick:
		payload["x"] = a.X
		payload["y"] = a.Y
		if a.Button != "" {
			payload["button"] = a.Button
		}
	case ActionDrag:
		payload["start_x"] = a.StartX
		payload["start_y"] = a.StartY
		payload["end_x"] = a.EndX
		payload["end_y"] = a.EndY
	case ActionTypeText:
		payload["text"] = a.Text
	case ActionKey:
		payload["keys"] = a.Keys
	case ActionScroll:
		payload["dy"] = a.Dy
	case ActionWait:
		payload["ms"] = a.Ms
	}
	return payload
}
