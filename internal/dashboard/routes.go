package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/engine"
	"github.com/zulandar/consult/internal/metrics"
	"github.com/zulandar/consult/internal/stream"
	"go.uber.org/zap"
)

// commandTimeout bounds a command waiting for the orchestrator.
const commandTimeout = 10 * time.Second

type handlers struct {
	ctl       Controller
	key       string
	ic        conversation.InitContext
	heartbeat time.Duration
	logger    *zap.Logger
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers, m *metrics.Metrics) {
	api := router.Group("/api")
	api.GET("/state", h.handleState)
	api.GET("/events", h.handleEvents)
	api.POST("/messages", h.handleSend)
	api.POST("/cancel", h.command(h.ctl.Cancel))
	api.POST("/voice/start", h.command(h.ctl.StartVoiceMode))
	api.POST("/voice/stop", h.command(h.ctl.StopVoiceMode))
	api.POST("/voice/level", h.handleLevel)
	api.POST("/mute", h.handleMute)
	api.POST("/interrupt", h.command(h.ctl.Interrupt))
	api.POST("/error/ack", h.command(h.ctl.AcknowledgeError))
	api.POST("/summary", h.handleSummary)
	api.POST("/sessions/new", h.handleNewSession)

	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
}

func commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), commandTimeout)
}

func (h *handlers) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

// command adapts a no-result orchestrator command to a handler that
// answers with the snapshot taken after it ran.
func (h *handlers) command(fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := commandContext(c)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, h.ctl.Snapshot())
	}
}

type sendRequest struct {
	Content     string              `json:"content"`
	Action      string              `json:"action"`
	Attachments []stream.Attachment `json:"attachments"`
}

func (h *handlers) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON"})
		return
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	if err := h.ctl.Send(ctx, req.Content, req.Attachments, req.Action); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.ctl.Snapshot())
}

type levelRequest struct {
	RMS *float64 `json:"rms"`
}

func (h *handlers) handleLevel(c *gin.Context) {
	var req levelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RMS == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rms is required"})
		return
	}
	h.ctl.HandleAudioLevel(*req.RMS)
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleMute(c *gin.Context) {
	ctx, cancel := commandContext(c)
	defer cancel()
	muted, err := h.ctl.ToggleMute(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *handlers) handleSummary(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()
	s, err := h.ctl.RequestSummary(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type newSessionRequest struct {
	Key       string            `json:"key"`
	AgentType string            `json:"agent_type"`
	Metadata  map[string]string `json:"metadata"`
}

func (h *handlers) handleNewSession(c *gin.Context) {
	var req newSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON"})
			return
		}
	}
	key := req.Key
	if key == "" {
		key = h.key
	}
	ic := h.ic
	if req.AgentType != "" {
		ic.AgentType = req.AgentType
	}
	if req.Metadata != nil {
		ic.Metadata = req.Metadata
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	if _, err := h.ctl.StartNewConsultation(ctx, key, ic); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.ctl.Snapshot())
}

// fail maps an orchestrator error to a status and a presentable message.
// Errors that are not rejections are logged and never shown verbatim.
func (h *handlers) fail(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("command failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func statusFor(err error) (int, string) {
	var rej *engine.Rejection
	isRejection := errors.As(err, &rej)
	switch {
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable, "the consultation has ended"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "the consultation is busy, please try again"
	case !isRejection:
		return http.StatusInternalServerError, "something went wrong"
	case errors.Is(err, engine.ErrSummaryFailed):
		return http.StatusBadGateway, rej.Reason
	case errors.Is(err, engine.ErrNoSession),
		errors.Is(err, engine.ErrNeedsMoreConversation),
		errors.Is(err, engine.ErrVoiceUnavailable):
		return http.StatusConflict, rej.Reason
	}
	return http.StatusUnprocessableEntity, rej.Reason
}
