// Package api is the HTTP surface of the kernel: a gin server exposing
// projects, runs, the live event stream, approvals, conflicts, user
// memory and the secrets vault under /api/v1.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/engine"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/secrets"
	"github.com/astra-local/astra/pkg/services"
	"github.com/astra-local/astra/pkg/store"
	"github.com/astra-local/astra/pkg/version"
)

// Server wires the service layer into HTTP handlers.
type Server struct {
	store     store.Store
	bus       *events.Bus
	engine    *engine.Engine
	runs      *services.RunService
	approvals *services.ApprovalService
	snapshots *services.SnapshotService
	memories  *services.MemoryService
	vault     *secrets.Vault
	tokens    *TokenManager

	addr     string
	authMode string
	qaMode   bool
}

// Deps collects everything the server needs. All fields are required
// except Vault, which disables the secrets endpoints when nil.
type Deps struct {
	Store     store.Store
	Bus       *events.Bus
	Engine    *engine.Engine
	Runs      *services.RunService
	Approvals *services.ApprovalService
	Snapshots *services.SnapshotService
	Memories  *services.MemoryService
	Vault     *secrets.Vault
	Tokens    *TokenManager
}

// NewServer builds the server over the loaded configuration.
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{
		store:     deps.Store,
		bus:       deps.Bus,
		engine:    deps.Engine,
		runs:      deps.Runs,
		approvals: deps.Approvals,
		snapshots: deps.Snapshots,
		memories:  deps.Memories,
		vault:     deps.Vault,
		tokens:    deps.Tokens,
		addr:      cfg.HTTPAddr,
		authMode:  cfg.AuthMode,
		qaMode:    cfg.QAMode,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(), securityHeaders())

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	v1.GET("/auth/status", s.authStatus)
	v1.POST("/auth/bootstrap", s.authBootstrap)

	authed := v1.Group("", s.authRequired())
	{
		authed.POST("/projects", s.createProject)
		authed.GET("/projects", s.listProjects)
		authed.GET("/projects/:id", s.getProject)
		authed.GET("/projects/:id/runs", s.listRuns)
		authed.POST("/projects/:id/runs", s.createRun)

		authed.GET("/runs/:id", s.getRun)
		authed.POST("/runs/:id/plan", s.planRun)
		authed.POST("/runs/:id/start", s.startRun)
		authed.POST("/runs/:id/cancel", s.cancelRun)
		authed.POST("/runs/:id/pause", s.pauseRun)
		authed.POST("/runs/:id/resume", s.resumeRun)
		authed.POST("/runs/:id/tasks/:taskID/retry", s.retryTask)
		authed.POST("/runs/:id/steps/:stepID/retry", s.retryStep)

		authed.GET("/runs/:id/plan", s.listPlan)
		authed.GET("/runs/:id/tasks", s.listTasks)
		authed.GET("/runs/:id/sources", s.listSources)
		authed.GET("/runs/:id/facts", s.listFacts)
		authed.GET("/runs/:id/conflicts", s.listConflicts)
		authed.GET("/runs/:id/artifacts", s.listArtifacts)
		authed.GET("/runs/:id/approvals", s.listApprovals)
		authed.GET("/runs/:id/snapshot", s.getSnapshot)
		authed.GET("/runs/:id/snapshot/download", s.downloadSnapshot)
		authed.GET("/runs/:id/events", s.streamEvents)

		authed.POST("/approvals/:id/approve", s.approveApproval)
		authed.POST("/approvals/:id/reject", s.rejectApproval)
		authed.POST("/runs/:id/conflicts/:conflictID/resolve", s.resolveConflict)

		authed.POST("/memory/create", s.createMemory)
		authed.GET("/memory/list", s.listMemory)
		authed.DELETE("/memory/:id", s.deleteMemory)
	}

	if s.vault != nil {
		sec := v1.Group("/secrets", loopbackOnly())
		sec.GET("/status", s.secretsStatus)
		sec.POST("/unlock", s.unlockSecrets)
		sec.POST("/openai", s.setOpenAIKey)
	}

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}
