// Package api is the HTTP transport over the classification core:
// ingestion endpoints per payload format, catalog administration and
// liveness probes. The transport owns content negotiation and problem
// responses; classification semantics stay in the engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/adapters"
	"github.com/amr-classifier-server/internal/catalog"
	"github.com/amr-classifier-server/internal/config"
	"github.com/amr-classifier-server/internal/domain"
	"github.com/amr-classifier-server/internal/engine"
)

// SourceHeader optionally overrides the breakpoint source preference for
// one request ("CLSI" puts CLSI first, keeping the configured fallbacks).
const SourceHeader = "X-Breakpoint-Source"

// Server is the HTTP transport.
type Server struct {
	logger        *logrus.Logger
	configManager *config.Manager
	engine        *engine.Engine
	registry      *adapters.Registry
	store         *catalog.Store
	loader        *catalog.Loader
	rulesPath     string
	version       string

	router *gin.Engine
	server *http.Server
}

// NewServer wires the transport over the classification components.
func NewServer(
	logger *logrus.Logger,
	configManager *config.Manager,
	eng *engine.Engine,
	registry *adapters.Registry,
	store *catalog.Store,
	loader *catalog.Loader,
	version string,
) *Server {
	cfg := configManager.GetConfig()
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(correlationMiddleware())

	s := &Server{
		logger:        logger,
		configManager: configManager,
		engine:        eng,
		registry:      registry,
		store:         store,
		loader:        loader,
		rulesPath:     cfg.Rules.Path,
		version:       version,
		router:        router,
	}
	s.setupRoutes()
	return s
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.WithField("addr", addr).Info("HTTP server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/version", s.handleVersion)

	s.router.POST("/classify", s.handleClassifyAuto)
	s.router.POST("/classify/fhir", s.classifyHandler(adapters.FormatFHIR))
	s.router.POST("/classify/hl7v2", s.classifyHandler(adapters.FormatHL7v2))

	s.router.POST("/rules/dry-run", s.handleDryRun)
	s.router.POST("/admin/rules/reload", s.handleReload)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   s.version,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	cat := s.store.Current()
	if cat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no catalog loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ready",
		"catalogVersion": cat.Version,
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        s.version,
		"catalogVersion": s.store.Current().Version,
	})
}

// handleClassifyAuto detects the payload format from the content type
// and the leading bytes, then classifies.
func (s *Server) handleClassifyAuto(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		problemFromParseError(c, err)
		return
	}
	format := adapters.DetectFormat(payload, c.ContentType())
	s.classify(c, format, payload)
}

func (s *Server) classifyHandler(format adapters.InputFormat) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil {
			problemFromParseError(c, err)
			return
		}
		s.classify(c, format, payload)
	}
}

func (s *Server) classify(c *gin.Context, format adapters.InputFormat, payload []byte) {
	inputs, err := s.registry.Parse(format, payload)
	if err != nil {
		problemFromParseError(c, err)
		return
	}

	opts := engine.Options{
		CorrelationID: correlationID(c),
		SourceOrder:   s.sourceOrder(c),
	}
	results, err := s.engine.Classify(c.Request.Context(), inputs, opts)
	if err != nil {
		// Only context cancellation reaches here; the client is gone.
		c.Abort()
		return
	}

	s.logger.WithFields(logrus.Fields{
		"correlation_id": opts.CorrelationID,
		"format":         format,
		"inputs":         len(inputs),
		"results":        len(results),
	}).Info("Classification request served")

	c.JSON(http.StatusOK, gin.H{"results": results})
}

// sourceOrder builds the per-request source preference: the header-named
// source first, then the configured fallbacks.
func (s *Server) sourceOrder(c *gin.Context) []domain.BreakpointSource {
	configured := s.configManager.SourceOrder()
	preferred := domain.BreakpointSource(strings.ToUpper(strings.TrimSpace(c.GetHeader(SourceHeader))))
	if !preferred.IsValid() {
		return configured
	}
	order := []domain.BreakpointSource{preferred}
	for _, src := range configured {
		if src != preferred {
			order = append(order, src)
		}
	}
	return order
}

// handleDryRun validates a catalog document without publishing it.
func (s *Server) handleDryRun(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		problemFromParseError(c, err)
		return
	}
	cat, err := s.loader.LoadBytes("dry-run", payload)
	if err != nil {
		problemFromLoadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":       true,
		"version":     cat.Version,
		"breakpoints": len(cat.Breakpoints),
		"expertRules": len(cat.ExpertRules),
	})
}

// handleReload republishes the catalog from disk. In-flight requests
// keep their snapshot; failures leave the live catalog untouched.
func (s *Server) handleReload(c *gin.Context) {
	version, err := s.store.Reload(s.rulesPath)
	if err != nil {
		problemFromLoadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}
