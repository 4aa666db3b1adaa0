package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/strategy-lab/internal/backtest"
	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/evaluator"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/metrics"
	"github.com/camuig/strategy-lab/internal/strategy"
)

// Service is the backtest API the handlers expose.
type Service interface {
	CreateStrategy(ctx context.Context, userID uint, name, initialCode string) (*strategy.Strategy, error)
	ListStrategies(ctx context.Context, userID uint) ([]*strategy.Strategy, error)
	GetStrategy(ctx context.Context, id, userID uint) (*strategy.Strategy, error)
	AddRevision(ctx context.Context, id, userID uint, code string) (*strategy.Strategy, error)
	DeleteStrategy(ctx context.Context, id, userID uint) error
	GetActiveRevision(ctx context.Context, id, userID uint) (*strategy.Revision, error)
	SetActiveRevision(ctx context.Context, id, userID uint, index int) (*strategy.Strategy, error)
	QueueBacktest(ctx context.Context, id, userID uint, revisionIndex int, cfg strategy.RunConfig) (*strategy.Strategy, error)
	GetRevisionResults(ctx context.Context, id, userID uint, index int) (*strategy.BacktestResults, error)
	GetRevisionReport(ctx context.Context, id, userID uint, index int) (string, error)
	ValidateCode(code string) evaluator.Report
	SecurityInfo() evaluator.SecurityInfo
	QueueStats(ctx context.Context) (*backtest.QueueStatus, error)
	Available() bool
}

type Server struct {
	httpServer *http.Server
	service    Service
	metrics    *metrics.Metrics
	config     *config.Config
	logger     *logger.Logger
}

func NewServer(svc Service, m *metrics.Metrics, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		service: svc,
		metrics: m,
		config:  cfg,
		logger:  log,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	if s.config.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group(s.config.Web.BasePath, requireUser())
	{
		api.GET("/strategies", s.handleListStrategies)
		api.POST("/strategies", s.handleCreateStrategy)
		api.POST("/strategies/validate", s.handleValidateCode)
		api.GET("/strategies/security", s.handleSecurityInfo)
		api.GET("/strategies/:id", s.handleGetStrategy)
		api.DELETE("/strategies/:id", s.handleDeleteStrategy)
		api.POST("/strategies/:id/revisions", s.handleAddRevision)
		api.GET("/strategies/:id/active", s.handleGetActiveRevision)
		api.PATCH("/strategies/:id/active", s.handleSetActiveRevision)
		api.POST("/strategies/:id/revisions/:idx/run", s.handleRunBacktest)
		api.GET("/strategies/:id/revisions/:idx/results", s.handleGetResults)
		api.GET("/strategies/:id/revisions/:idx/report", s.handleGetReport)
		api.GET("/backtests/queue", s.handleQueueStats)
	}

	return r
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Web.Port, "base_path", s.config.Web.BasePath)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
