package chat

import (
	"context"
	"strings"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/persona"
)

// chatHistoryTurns is how many (user, assistant) exchanges a chat run
// inherits from its parent chain.
const chatHistoryTurns = 20

// historyEventScan bounds how many stored events are scanned per run
// when looking for its generated answer.
const historyEventScan = 300

// History rebuilds the conversation leading up to a run by walking its
// parent chain. Each ancestor contributes its query as a user turn and
// the text of its chat_response_generated event as the assistant turn.
// The result is ordered oldest first.
func (s *Service) History(ctx context.Context, parentRunID string, limitTurns int) []persona.Turn {
	if limitTurns <= 0 {
		limitTurns = chatHistoryTurns
	}

	var exchanges []persona.Turn
	visited := make(map[string]bool)
	runID := strings.TrimSpace(parentRunID)
	for runID != "" && len(exchanges)/2 < limitTurns && !visited[runID] {
		visited[runID] = true
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			break
		}

		// Newest ancestor first while walking up; reversed below.
		if answer := s.generatedAnswer(ctx, runID); answer != "" {
			exchanges = append(exchanges, persona.Turn{Role: "assistant", Content: answer})
		}
		if query := strings.TrimSpace(run.QueryText); query != "" {
			exchanges = append(exchanges, persona.Turn{Role: "user", Content: query})
		}
		runID = strings.TrimSpace(run.ParentRunID)
	}

	history := make([]persona.Turn, 0, len(exchanges))
	for i := len(exchanges) - 1; i >= 0; i-- {
		history = append(history, exchanges[i])
	}
	return history
}

// generatedAnswer returns the text of the newest chat_response_generated
// event of a run, or "".
func (s *Service) generatedAnswer(ctx context.Context, runID string) string {
	stored, err := s.store.ListEvents(ctx, runID, historyEventScan)
	if err != nil {
		return ""
	}
	for i := len(stored) - 1; i >= 0; i-- {
		if stored[i].Type != events.TypeChatResponseDone {
			continue
		}
		if text, ok := stored[i].Payload["text"].(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return ""
}

// buildMessages assembles the system prompt, the reconstructed history
// and the current query into the model message list.
func buildMessages(systemText string, history []persona.Turn, query string) []brain.Message {
	messages := make([]brain.Message, 0, len(history)+2)
	messages = append(messages, brain.Message{Role: "system", Content: systemText})
	for _, turn := range history {
		if turn.Role != "user" && turn.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		messages = append(messages, brain.Message{Role: turn.Role, Content: turn.Content})
	}
	return append(messages, brain.Message{Role: "user", Content: strings.TrimSpace(query)})
}
