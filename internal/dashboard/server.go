// Package dashboard serves a JSON and SSE adapter over a running
// consultation so a browser or another process can drive it.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/engine"
	"github.com/zulandar/consult/internal/metrics"
	"github.com/zulandar/consult/internal/stream"
	"go.uber.org/zap"
)

// Controller is the orchestrator surface the dashboard drives.
type Controller interface {
	Snapshot() engine.Snapshot
	Subscribe() (<-chan engine.Update, func())
	Send(ctx context.Context, content string, attachments []stream.Attachment, action string) error
	Cancel(ctx context.Context) error
	StartVoiceMode(ctx context.Context) error
	StopVoiceMode(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	Interrupt(ctx context.Context) error
	HandleAudioLevel(rms float64)
	AcknowledgeError(ctx context.Context) error
	RequestSummary(ctx context.Context) (conversation.Summary, error)
	StartNewConsultation(ctx context.Context, key string, ic conversation.InitContext) (*conversation.Session, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Controller Controller
	Metrics    *metrics.Metrics
	// Key and InitContext are used when a new consultation is requested.
	Key         string
	InitContext conversation.InitContext
	Port        int
	Out         io.Writer
	Logger      *zap.Logger
	// Heartbeat is the SSE keepalive interval; defaults to 15s.
	Heartbeat time.Duration
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Controller == nil {
		return fmt.Errorf("dashboard: controller is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine without starting a listener.
func NewRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	h := &handlers{
		ctl:       opts.Controller,
		key:       opts.Key,
		ic:        opts.InitContext,
		heartbeat: opts.Heartbeat,
		logger:    logger.Named("dashboard"),
	}
	registerRoutes(router, h, opts.Metrics)
	return router
}
