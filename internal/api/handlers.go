// Package api is the thin HTTP surface over the orchestrator, sandbox
// manager, and session store. Handlers validate input and delegate; all
// behavior lives in the core packages.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forgeloop/internal/gateway"
	"forgeloop/internal/orchestrator"
	"forgeloop/internal/sandbox"
	"forgeloop/internal/session"
	"forgeloop/internal/websocket"
)

// Handler wires the HTTP routes to the core services.
type Handler struct {
	orch     *orchestrator.Orchestrator
	sandbox  *sandbox.Manager
	gw       *gateway.Gateway
	sessions *session.Store
	hub      *websocket.Hub
}

// NewHandler creates the HTTP handler set.
func NewHandler(orch *orchestrator.Orchestrator, sb *sandbox.Manager, gw *gateway.Gateway, sessions *session.Store, hub *websocket.Hub) *Handler {
	return &Handler{orch: orch, sandbox: sb, gw: gw, sessions: sessions, hub: hub}
}

// Register mounts all routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/execute", h.StartExecution)
		v1.GET("/executions/:session/status", h.ExecutionStatus)
		v1.GET("/executions/:session/details", h.ExecutionDetails)
		v1.POST("/executions/:session/stop", h.StopExecution)
		v1.GET("/executions/:session/events", h.StreamEvents)
		v1.POST("/sessions/:session/plan", h.ApprovePlan)
		v1.GET("/sandbox/status", h.SandboxStatus)
	}
}

type executeRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	Prompt     string `json:"prompt" binding:"required"`
	Complexity string `json:"complexity"`
}

// StartExecution launches an autonomous build for a session.
func (h *Handler) StartExecution(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	complexity := gateway.Complexity(req.Complexity)
	switch complexity {
	case gateway.ComplexitySimple, gateway.ComplexityMedium, gateway.ComplexityComplex:
	case "":
		complexity = gateway.ComplexityMedium
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "complexity must be simple, medium, or complex"})
		return
	}

	h.sessions.GetOrCreate(req.SessionID)
	h.sessions.Append(req.SessionID, session.Message{Role: "user", Content: req.Prompt})

	agents := orchestrator.NewAgents(h.gw, req.SessionID, complexity)
	exec, err := h.orch.Start(req.SessionID, req.Prompt, agents, orchestrator.Options{})
	if err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "execution already running", "error_code": "ALREADY_RUNNING"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": exec.SessionID,
		"state":      exec.State,
		"started_at": exec.StartedAt,
	})
}

// ExecutionStatus returns the small projection.
func (h *Handler) ExecutionStatus(c *gin.Context) {
	st, err := h.orch.Status(c.Param("session"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// ExecutionDetails returns the full projection.
func (h *Handler) ExecutionDetails(c *gin.Context) {
	details, err := h.orch.Details(c.Param("session"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, details)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// StopExecution cancels a running execution.
func (h *Handler) StopExecution(c *gin.Context) {
	var req stopRequest
	c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual_stop"
	}

	res, err := h.orch.Stop(c.Request.Context(), c.Param("session"), req.Reason)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, res)
}

type approvePlanRequest struct {
	Plan string `json:"plan" binding:"required"`
}

// ApprovePlan promotes a plan to drive the session's builder invocations.
func (h *Handler) ApprovePlan(c *gin.Context) {
	var req approvePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sid := c.Param("session")
	h.sessions.SetApprovedPlan(sid, req.Plan)
	c.JSON(http.StatusOK, gin.H{"session_id": sid, "approved": true})
}

// StreamEvents upgrades to a websocket carrying the session's event feed.
func (h *Handler) StreamEvents(c *gin.Context) {
	h.hub.Serve(c.Writer, c.Request, c.Param("session"))
}

// SandboxStatus reports the container pool.
func (h *Handler) SandboxStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sandbox.Status())
}

// Health reports engine reachability.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	hs := h.sandbox.HealthCheck(ctx)
	code := http.StatusOK
	if !hs.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, hs)
}
