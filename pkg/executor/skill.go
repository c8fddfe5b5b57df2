// Package executor runs computer-control plan steps as an
// observe/propose/execute/verify micro-loop against the desktop bridge.
// One model call proposes one atomic action; a screen-hash diff verifies
// that it changed anything.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/bridge"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/privacy"
	"github.com/astra-local/astra/pkg/services"
	"github.com/astra-local/astra/pkg/store"
)

// SkillName is the registry key computer-control plan steps map to.
const SkillName = "computer_use"

// Verification outcomes.
const (
	verifyPassProgress = "pass_progress"
	verifyTimeout      = "timeout"
)

const systemPrompt = `Ты управляешь компьютером и предлагаешь одно атомарное действие за шаг. ` +
	`Верни JSON строго по схеме. Доступные action_type: move_mouse, click, double_click, ` +
	`drag, type, key, scroll, wait, done. ` +
	`Используй координаты (x, y) в системе изображения (width/height). ` +
	`Для drag укажи start_x/start_y и end_x/end_y. ` +
	`Для key используй keys (например ["CMD", "L"]). ` +
	`Если нужно подождать загрузку — action_type=wait и ms. ` +
	`Если считаешь шаг завершён — action_type=done. ` +
	`Не добавляй лишних полей и не пиши пояснений вне JSON.`

// Skill drives one computer-control step at a time.
type Skill struct {
	store  store.Store
	bus    *events.Bus
	brain  *brain.Router
	bridge bridge.Client
	cfg    *config.ExecutorConfig
}

// NewSkill wires the executor.
func NewSkill(st store.Store, bus *events.Bus, b *brain.Router, br bridge.Client, cfg *config.ExecutorConfig) *Skill {
	if cfg == nil {
		cfg = config.DefaultExecutorConfig()
	}
	return &Skill{store: st, bus: bus, brain: b, bridge: br, cfg: cfg}
}

// Name implements the engine skill interface.
func (s *Skill) Name() string { return SkillName }

// observation is one hashed screen capture.
type observation struct {
	hash   string
	width  int
	height int
}

// Execute runs the micro-loop until the model declares the step done or
// a budget trips. Dangerous steps block on an approval first.
func (s *Skill) Execute(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) (*models.SkillResult, error) {
	if step.RequiresApproval || len(step.DangerFlags) > 0 || run.Mode == models.RunModeExecuteConfirm {
		approved, err := s.requestStepApproval(ctx, run, step, task)
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, errors.New("approval_rejected")
		}
	}
	if items := services.FinancialFileItems(step); len(items) > 0 {
		approved, err := s.requestCloudFinancialApproval(ctx, run, step, task, items)
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, errors.New("approval_rejected")
		}
	}

	var (
		lastObservation *observation
		lastSummary     string
		noProgress      int
		microSteps      int
	)
	start := time.Now()

	for microSteps < s.cfg.MaxMicroSteps {
		if time.Since(start) > s.cfg.MaxWallClock {
			return nil, errors.New("max_time")
		}

		obsBefore, err := s.observe(ctx, run.ID, step, task, "before", lastObservation)
		if err != nil {
			return nil, fmt.Errorf("failed to capture screen: %w", err)
		}

		action, route, proposeErr := s.proposeWithRetries(ctx, run, step, task, obsBefore, lastSummary)
		if proposeErr != nil {
			approved, helpErr := s.requestUserHelp(ctx, run, step, task, proposeErr.Error())
			if helpErr != nil {
				return nil, helpErr
			}
			if approved {
				continue
			}
			return nil, proposeErr
		}

		s.emit(ctx, run.ID, events.TypeMicroActionProposed, "Предложено действие", map[string]any{
			"action_type":    action.Type,
			"action_summary": action.Summary(),
			"provider":       route.provider,
			"reason":         route.reason,
		}, step, task)

		if action.Type == ActionDone {
			return &models.SkillResult{
				WhatIDid:   fmt.Sprintf("Выполнил шаг на компьютере: микрошагов %d.", microSteps),
				Confidence: 0.8,
			}, nil
		}

		ok := s.executeAction(ctx, action, obsBefore)
		s.emit(ctx, run.ID, events.TypeMicroActionExecuted, "Действие выполнено", map[string]any{
			"action_type": action.Type,
			"ok":          ok,
		}, step, task)
		if !ok {
			return nil, errors.New("action_failed")
		}

		pause := s.cfg.WaitAfterAct
		if action.Type == ActionWait {
			pause = time.Duration(action.Ms) * time.Millisecond
		}
		if !sleepCtx(ctx, pause) {
			return nil, ctx.Err()
		}

		obsAfter, err := s.observe(ctx, run.ID, step, task, "after", obsBefore)
		if err != nil {
			return nil, fmt.Errorf("failed to capture screen: %w", err)
		}
		result, details, finalObs := s.verifyProgress(ctx, run.ID, step, task, obsBefore, obsAfter)
		s.emit(ctx, run.ID, events.TypeVerificationResult, "Результат проверки", map[string]any{
			"result":  result,
			"details": details,
		}, step, task)

		microSteps++
		lastSummary = action.Summary()
		lastObservation = finalObs

		if result == verifyPassProgress {
			noProgress = 0
		} else {
			noProgress++
			s.emit(ctx, run.ID, events.TypeStepRetrying, "Повтор шага", map[string]any{
				"attempt": noProgress,
				"reason":  result,
			}, step, task)
		}

		if noProgress >= s.cfg.NoProgressLimit {
			approved, helpErr := s.requestUserHelp(ctx, run, step, task, "no_progress:"+result)
			if helpErr != nil {
				return nil, helpErr
			}
			if !approved {
				return nil, errors.New("no_progress")
			}
			noProgress = 0
		}
	}

	return nil, errors.New("max_micro_steps")
}

// observe captures the screen and reports the observation event.
func (s *Skill) observe(ctx context.Context, runID string, step *models.PlanStep, task *models.Task, phase string, prev *observation) (*observation, error) {
	capture, err := s.bridge.Capture(ctx, s.cfg.CaptureMaxWidth, s.cfg.CaptureQuality)
	if err != nil {
		return nil, err
	}

	var digest string
	if len(capture.Image) > 0 {
		sum := sha256.Sum256(capture.Image)
		digest = hex.EncodeToString(sum[:])
	}
	obs := &observation{hash: digest, width: capture.Width, height: capture.Height}
	changed := prev != nil && prev.hash != "" && obs.hash != "" && prev.hash != obs.hash

	s.emit(ctx, runID, events.TypeObservationCaptured, "Снимок экрана", map[string]any{
		"phase":   phase,
		"hash":    obs.hash,
		"changed": changed,
		"width":   obs.width,
		"height":  obs.height,
	}, step, task)
	return obs, nil
}

// routeInfo attributes the proposed action to the model route.
type routeInfo struct {
	provider string
	reason   string
}

// proposeWithRetries asks the model for the next action, retrying failed
// proposals within the configured budget.
func (s *Skill) proposeWithRetries(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task, obs *observation, lastSummary string) (*Action, routeInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxActionRetries; attempt++ {
		action, route, err := s.propose(ctx, run, step, task, obs, lastSummary)
		if err == nil {
			return action, route, nil
		}
		lastErr = err
		if attempt < s.cfg.MaxActionRetries {
			s.emit(ctx, run.ID, events.TypeStepRetrying, "Повтор запроса действия", map[string]any{
				"attempt": attempt + 1,
				"reason":  err.Error(),
			}, step, task)
		}
	}
	return nil, routeInfo{}, lastErr
}

// modelInput is the user-message payload for the micro-planner.
type modelInput struct {
	UserGoal    string         `json:"user_goal"`
	Step        modelStep      `json:"step"`
	Observation modelObs       `json:"observation"`
	LastAction  string         `json:"last_action,omitempty"`
	Constraints map[string]any `json:"constraints"`
}

type modelStep struct {
	Title           string         `json:"title"`
	Kind            string         `json:"kind"`
	SuccessCriteria string         `json:"success_criteria"`
	Inputs          map[string]any `json:"inputs"`
}

type modelObs struct {
	ScreenHash   string `json:"screen_hash"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
}

func (s *Skill) propose(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task, obs *observation, lastSummary string) (*Action, routeInfo, error) {
	input := modelInput{
		UserGoal: run.QueryText,
		Step: modelStep{
			Title:           step.Title,
			Kind:            string(step.Kind),
			SuccessCriteria: step.SuccessCriteria,
			Inputs:          step.Inputs,
		},
		Observation: modelObs{
			ScreenHash:   obs.hash,
			ScreenWidth:  obs.width,
			ScreenHeight: obs.height,
		},
		LastAction: lastSummary,
		Constraints: map[string]any{
			"one_action_only": true,
			"no_shell":        true,
			"no_batch":        true,
		},
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, routeInfo{}, fmt.Errorf("failed to encode model input: %w", err)
	}

	resp, err := s.brain.Call(ctx, &brain.Request{
		Purpose:            "computer_micro_plan",
		PreferredModelKind: brain.ModelKindChat,
		Messages: []brain.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(encoded)},
		},
		Temperature: 0.2,
		MaxTokens:   200,
		JSONSchema:  microActionDocMap,
		RunID:       run.ID,
		TaskID:      task.ID,
		StepID:      step.ID,
		ContextItems: []privacy.ContextItem{
			{
				Content:     run.QueryText,
				SourceType:  privacy.SourceUserPrompt,
				Sensitivity: privacy.SensitivityPersonal,
				Provenance:  "run:" + run.ID,
			},
			{
				Content:     string(encoded),
				SourceType:  privacy.SourceSystemNote,
				Sensitivity: privacy.SensitivityPersonal,
				Provenance:  "step:" + step.ID,
			},
		},
	})
	if err != nil {
		return nil, routeInfo{}, err
	}
	if !resp.OK() {
		if resp.Status == brain.StatusBudgetExceeded {
			return nil, routeInfo{}, errors.New("budget_exceeded")
		}
		if resp.ErrorType != "" {
			return nil, routeInfo{}, errors.New(resp.ErrorType)
		}
		return nil, routeInfo{}, errors.New("llm_failed")
	}

	action, err := parseAction(resp.Text)
	if err != nil {
		return nil, routeInfo{}, err
	}
	return action, routeInfo{provider: resp.Provider, reason: resp.RouteReason}, nil
}

// executeAction sends the action to the bridge. Waits and dry runs never
// touch the bridge.
func (s *Skill) executeAction(ctx context.Context, action *Action, obs *observation) bool {
	if s.cfg.DryRun || action.Type == ActionWait {
		return true
	}
	if err := s.bridge.Act(ctx, action.bridgePayload(), obs.width, obs.height); err != nil {
		slog.Warn("bridge action failed", "action", action.Type, "error", err)
		return false
	}
	return true
}

// verifyProgress compares screen hashes, polling for a late change up to
// the wait timeout.
func (s *Skill) verifyProgress(ctx context.Context, runID string, step *models.PlanStep, task *models.Task, before, after *observation) (string, map[string]any, *observation) {
	if before.hash != "" && after.hash != "" && before.hash != after.hash {
		return verifyPassProgress, map[string]any{"change": "hash_changed"}, after
	}

	waited := time.Duration(0)
	current := after
	for waited < s.cfg.WaitTimeout {
		if !sleepCtx(ctx, s.cfg.WaitPoll) {
			break
		}
		waited += s.cfg.WaitPoll

		next, err := s.observe(ctx, runID, step, task, "wait", before)
		if err != nil {
			slog.Warn("failed to capture during wait", "run_id", runID, "error", err)
			continue
		}
		current = next
		if before.hash != "" && current.hash != "" && before.hash != current.hash {
			s.emit(ctx, runID, events.TypeStepWaiting, "Ожидание загрузки", map[string]any{
				"reason":    "screen_change",
				"waited_ms": waited.Milliseconds(),
			}, step, task)
			return verifyPassProgress, map[string]any{"waited_ms": waited.Milliseconds()}, current
		}
	}

	s.emit(ctx, runID, events.TypeStepWaiting, "Ожидание без изменений", map[string]any{
		"reason":    "no_change",
		"waited_ms": waited.Milliseconds(),
	}, step, task)
	return verifyTimeout, map[string]any{"waited_ms": waited.Milliseconds()}, current
}

func (s *Skill) emit(ctx context.Context, runID, eventType, message string, payload map[string]any, step *models.PlanStep, task *models.Task) {
	opts := []events.EmitOption{events.WithStep(step.ID), events.WithTask(task.ID)}
	if _, err := s.bus.Emit(ctx, runID, eventType, message, payload, opts...); err != nil {
		slog.Warn("failed to emit executor event", "run_id", runID, "type", eventType, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
