package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yazbekw/mon/config"
	"github.com/yazbekw/mon/internal/manager"
	"github.com/yazbekw/mon/internal/notification"
)

// Server is the HTTP control surface. Every route except /health requires
// a valid X-API-KEY header.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	manager    *manager.Manager
	notifier   *notification.Notifier
	cfg        config.ServerConfig
	apiKeys    []string
	logger     zerolog.Logger
}

// NewServer builds the router and middleware chain.
func NewServer(cfg config.ServerConfig, mgr *manager.Manager, notifier *notification.Notifier, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-API-KEY"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		manager:  mgr,
		notifier: notifier,
		cfg:      cfg,
		apiKeys:  cfg.APIKeys,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	protected := s.router.Group("/", s.requireAPIKey())
	protected.GET("/status", s.handleStatus)
	protected.GET("/positions", s.handlePositions)
	protected.POST("/sync", s.handleSync)
	protected.POST("/close/:symbol", s.handleClose)
	protected.POST("/test/notify", s.handleTestNotify)
}

// requireAPIKey rejects requests whose X-API-KEY header matches no
// configured key. Comparison is constant time per key.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-KEY")
		if provided != "" {
			for _, key := range s.apiKeys {
				if len(key) == len(provided) &&
					subtle.ConstantTimeCompare([]byte(key), []byte(provided)) == 1 {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("control API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
