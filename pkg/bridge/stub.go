package bridge

import (
	"context"
	"sync"
)

// RecordedAction is one Act call captured by the stub.
type RecordedAction struct {
	Action      map[string]any
	ImageWidth  int
	ImageHeight int
}

// Stub replays scripted screen frames and records injected actions.
// With no script it returns the same frame forever, which reads as a
// never-changing screen.
type Stub struct {
	mu      sync.Mutex
	frames  [][]byte
	cursor  int
	actions []RecordedAction
	actErr  error
	width   int
	height  int
}

// NewStub builds a stub bridge with a 1280x800 virtual screen.
func NewStub() *Stub {
	return &Stub{width: 1280, height: 800}
}

// Frame appends one scripted capture payload. The last frame repeats
// once the script runs out.
func (s *Stub) Frame(image []byte) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, image)
	return s
}

// FailActs makes every subsequent Act call return err.
func (s *Stub) FailActs(err error) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actErr = err
	return s
}

// Actions returns a copy of the recorded Act calls.
func (s *Stub) Actions() []RecordedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedAction(nil), s.actions...)
}

// Capture returns the next scripted frame.
func (s *Stub) Capture(_ context.Context, _, _ int) (*Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return &Capture{Image: []byte("blank"), Width: s.width, Height: s.height}, nil
	}
	image := s.frames[s.cursor]
	if s.cursor < len(s.frames)-1 {
		s.cursor++
	}
	return &Capture{Image: image, Width: s.width, Height: s.height}, nil
}

// Act records the action.
func (s *Stub) Act(_ context.Context, action map[string]any, imageWidth, imageHeight int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actErr != nil {
		return s.actErr
	}
	s.actions = append(s.actions, RecordedAction{Action: action, ImageWidth: imageWidth, ImageHeight: imageHeight})
	return nil
}

// Health always reports the stub as reachable.
func (s *Stub) Health(context.Context) error { return nil }
