package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

// Saver persists memory save candidates off the request path through a
// bounded worker pool. A saturated queue drops the candidate with a log
// line rather than blocking a chat response.
type Saver struct {
	store store.Store
	bus   *events.Bus

	jobs chan saveJob
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type saveJob struct {
	runID string
	auto  *models.AutoMemory
}

// NewSaver builds the saver and starts its workers.
func NewSaver(st store.Store, bus *events.Bus, cfg *config.MemoryConfig) *Saver {
	if cfg == nil {
		cfg = config.DefaultMemoryConfig()
	}
	s := &Saver{
		store: st,
		bus:   bus,
		jobs:  make(chan saveJob, cfg.SaveQueueCap),
	}
	for i := 0; i < cfg.SaveWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Enqueue schedules one save candidate. A nil candidate is a no-op.
// Returns false when the candidate was dropped.
func (s *Saver) Enqueue(runID string, auto *models.AutoMemory) bool {
	if auto == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.jobs <- saveJob{runID: runID, auto: auto}:
		return true
	default:
		slog.Warn("memory save queue saturated, dropping candidate", "run_id", runID)
		return false
	}
}

// Close drains pending saves and stops the workers.
func (s *Saver) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Saver) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		s.save(job)
	}
}

func (s *Saver) save(job saveJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := job.auto.Payload
	s.emit(ctx, job.runID, events.TypeMemorySaveRequest, "Запрошено сохранение в память", map[string]any{
		"from":        job.auto.Origin,
		"preview_len": len([]rune(job.auto.Content)),
	})

	mem, err := s.store.CreateUserMemory(ctx, payload.Title, job.auto.Content, []string{"auto"}, job.auto.Origin, metaFromPayload(payload))
	if err != nil {
		slog.Error("failed to save memory candidate", "run_id", job.runID, "error", err)
		s.emit(ctx, job.runID, events.TypeLLMRequestFailed, "Memory save failed", map[string]any{
			"provider":   "local",
			"error_type": "memory_save_failed",
		}, events.WithLevel(models.EventLevelWarning))
		return
	}

	s.emit(ctx, job.runID, events.TypeMemorySaved, "Память сохранена", map[string]any{
		"memory_id":  mem.ID,
		"title":      mem.Title,
		"len":        len([]rune(mem.Content)),
		"tags_count": len(mem.Tags),
	})
}

func (s *Saver) emit(ctx context.Context, runID, eventType, message string, payload map[string]any, opts ...events.EmitOption) {
	if s.bus == nil || runID == "" {
		return
	}
	_, _ = s.bus.Emit(ctx, runID, eventType, message, payload, opts...)
}

// metaFromPayload renders the structured payload as the generic meta
// map stored on the memory row. Built from plain maps so in-memory
// readers see the same shapes a JSON round-trip produces.
func metaFromPayload(payload models.MemoryPayload) map[string]any {
	facts := make([]any, 0, len(payload.Facts))
	for _, fact := range payload.Facts {
		facts = append(facts, map[string]any{
			"key":        fact.Key,
			"value":      fact.Value,
			"confidence": fact.Confidence,
			"evidence":   fact.Evidence,
		})
	}
	preferences := make([]any, 0, len(payload.Preferences))
	for _, pref := range payload.Preferences {
		preferences = append(preferences, map[string]any{
			"key":        pref.Key,
			"value":      pref.Value,
			"confidence": pref.Confidence,
			"evidence":   pref.Evidence,
		})
	}
	possible := make([]any, 0, len(payload.PossibleFacts))
	for _, item := range payload.PossibleFacts {
		possible = append(possible, item)
	}
	return map[string]any{
		"summary":        payload.Summary,
		"confidence":     payload.Confidence,
		"facts":          facts,
		"preferences":    preferences,
		"possible_facts": possible,
	}
}
