// Astra kernel server: accepts run requests over the local HTTP API,
// routes intent, plans and executes steps through registered skills,
// and streams run events to subscribers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/astra-local/astra/pkg/api"
	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/bridge"
	"github.com/astra-local/astra/pkg/chat"
	"github.com/astra-local/astra/pkg/cleanup"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/engine"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/executor"
	"github.com/astra-local/astra/pkg/memory"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/persona"
	"github.com/astra-local/astra/pkg/planner"
	"github.com/astra-local/astra/pkg/research"
	"github.com/astra-local/astra/pkg/secrets"
	"github.com/astra-local/astra/pkg/services"
	"github.com/astra-local/astra/pkg/store"
	"github.com/astra-local/astra/pkg/version"
)

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting astra",
		"version", version.Full(),
		"http_addr", cfg.HTTPAddr,
		"auth_mode", cfg.AuthMode,
		"data_dir", cfg.DataDir(),
		"qa_mode", cfg.QAMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	st, err := store.Open(ctx, cfg.DatabasePath(), store.Options{})
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DatabasePath(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	episodic, err := memory.OpenEpisodic(ctx, filepath.Join(cfg.DataDir(), "episodic.sqlite3"), cfg.Memory)
	if err != nil {
		slog.Error("Failed to open episodic memory", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := episodic.Close(); err != nil {
			slog.Error("Error closing episodic memory", "error", err)
		}
	}()

	// 3. Event bus and brain
	bus := events.NewBus(st)

	provider := brain.NewLocalProvider(cfg.Brain.LocalBaseURL, cfg.Brain.NumCtx, cfg.Brain.NumPredict)
	router := brain.NewRouter(cfg.Brain, cfg.QAMode, provider, bus)
	router.UsePrivacyPolicy(cfg.Privacy)
	slog.Info("Brain initialized", "base_url", cfg.Brain.LocalBaseURL)

	// 4. Desktop bridge with health monitoring
	bridgeClient := bridge.NewHTTPClient(cfg.Bridge)
	monitor := bridge.NewMonitor(bridgeClient, cfg.Bridge)
	monitor.Start()
	defer monitor.Stop()

	// 5. Skills
	researchSkill := research.NewSkill(router, offlineSearcher{},
		research.NewHTTPFetcher(cfg.Research), cfg.Research, cfg.ArtifactsDir())

	builder := persona.NewBuilder(cfg.Persona)
	chatSvc := chat.NewService(st, bus, router, builder, episodic, researchSkill, cfg.Chat)

	interpreter := memory.NewInterpreter(router)
	saver := memory.NewSaver(st, bus, cfg.Memory)
	defer saver.Close()

	registry := engine.NewRegistry()
	registry.Register(executor.NewSkill(st, bus, router, bridgeClient, cfg.Executor))
	registry.Register(engine.SkillFunc{
		SkillName: research.SkillName,
		Fn: func(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) (*models.SkillResult, error) {
			return researchSkill.Research(ctx, run, step.ID, task.ID, step.Inputs)
		},
	})
	registry.Register(chatResponseSkill(chatSvc))
	registry.Register(memorySaveSkill(interpreter, saver))

	// 6. Engine and domain services
	eng := engine.New(st, bus, planner.NewPlanner(router), registry, cfg.Engine)
	defer eng.Close()
	slog.Info("Engine initialized", "skills", registry.Names())

	runs := services.NewRunService(st, bus, router, eng, chatSvc, interpreter, saver, cfg.Chat)
	approvals := services.NewApprovalService(st, bus)
	snapshots := services.NewSnapshotService(st)
	memories := services.NewMemoryService(st)

	vaultPath := cfg.Vault.Path
	if vaultPath == "" {
		vaultPath = filepath.Join(cfg.DataDir(), "vault.bin")
	}
	vault := secrets.New(vaultPath)

	// 7. Retention
	retention := cleanup.NewService(cfg.Retention, st)
	retention.Start(ctx)
	defer retention.Stop()

	// 8. HTTP API, serves until SIGINT/SIGTERM
	server := api.NewServer(cfg, api.Deps{
		Store:     st,
		Bus:       bus,
		Engine:    eng,
		Runs:      runs,
		Approvals: approvals,
		Snapshots: snapshots,
		Memories:  memories,
		Vault:     vault,
		Tokens:    api.NewTokenManager(st, cfg.TokenPath()),
	})
	slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
	if err := server.Run(ctx); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}

// chatResponseSkill adapts the chat service to the CHAT_RESPONSE plan
// step. The answer text becomes the task's result summary; the service
// emits its own chat_response_generated event.
func chatResponseSkill(svc *chat.Service) engine.Skill {
	return engine.SkillFunc{
		SkillName: "chat_response",
		Fn: func(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) (*models.SkillResult, error) {
			styleHint, _ := run.Meta["response_style_hint"].(string)
			res, err := svc.Respond(ctx, run, styleHint)
			if err != nil {
				return nil, err
			}
			return &models.SkillResult{
				WhatIDid:   res.Text,
				Confidence: res.Confidence,
			}, nil
		},
	}
}

// memorySaveSkill adapts the memory interpreter and saver to the
// MEMORY_COMMIT plan step. The interpreter decides what, if anything,
// the step's text is worth keeping.
func memorySaveSkill(interp *memory.Interpreter, saver *memory.Saver) engine.Skill {
	return engine.SkillFunc{
		SkillName: "memory_save",
		Fn: func(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) (*models.SkillResult, error) {
			text, _ := step.Inputs["content"].(string)
			if strings.TrimSpace(text) == "" {
				text = run.QueryText
			}
			in, err := interp.Interpret(ctx, text, nil, nil, run.ID)
			if err != nil {
				return nil, err
			}
			auto := in.AutoMemory()
			if auto == nil {
				return &models.SkillResult{
					WhatIDid:   "Нечего сохранять в память",
					Confidence: in.Confidence,
				}, nil
			}
			saver.Enqueue(run.ID, auto)
			return &models.SkillResult{
				WhatIDid:   "Запомнил: " + auto.Payload.Summary,
				Confidence: in.Confidence,
			}, nil
		},
	}
}

// offlineSearcher is the placeholder search backend. Real web search
// needs an external provider; until one is configured the research loop
// runs without search hits and composes from what it already has.
type offlineSearcher struct{}

func (offlineSearcher) Search(context.Context, string) ([]research.SearchResult, error) {
	return nil, nil
}
