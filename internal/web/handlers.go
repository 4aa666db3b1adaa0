package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/camuig/strategy-lab/internal/strategy"
)

type createStrategyRequest struct {
	Name        string `json:"name" binding:"required"`
	InitialCode string `json:"initialCode" binding:"required"`
}

type addRevisionRequest struct {
	Code string `json:"code" binding:"required"`
}

type setActiveRevisionRequest struct {
	RevisionIndex *int `json:"revisionIndex" binding:"required"`
}

type validateCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	backtests := "available"
	if !s.service.Available() {
		backtests = "unavailable"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backtests": backtests})
}

func (s *Server) handleListStrategies(c *gin.Context) {
	strategies, err := s.service.ListStrategies(c.Request.Context(), userID(c))
	if err != nil {
		s.respondError(c, err, "Failed to fetch strategies", false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": strategies})
}

func (s *Server) handleCreateStrategy(c *gin.Context) {
	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and initialCode are required"})
		return
	}

	st, err := s.service.CreateStrategy(c.Request.Context(), userID(c), req.Name, req.InitialCode)
	if err != nil {
		s.respondError(c, err, "Failed to create strategy", false)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"strategy": st})
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	st, err := s.service.GetStrategy(c.Request.Context(), id, userID(c))
	if err != nil {
		s.respondError(c, err, "Failed to fetch strategy", false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": st})
}

func (s *Server) handleAddRevision(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	var req addRevisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Code is required"})
		return
	}

	st, err := s.service.AddRevision(c.Request.Context(), id, userID(c), req.Code)
	if err != nil {
		s.respondError(c, err, "Failed to add revision", false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": st})
}

func (s *Server) handleDeleteStrategy(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	if err := s.service.DeleteStrategy(c.Request.Context(), id, userID(c)); err != nil {
		s.respondError(c, err, "Failed to delete strategy", false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Strategy deleted successfully"})
}

func (s *Server) handleGetActiveRevision(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	rev, err := s.service.GetActiveRevision(c.Request.Context(), id, userID(c))
	if err != nil {
		s.respondError(c, err, "Failed to fetch active revision", false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revision": rev})
}

func (s *Server) handleSetActiveRevision(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	var req setActiveRevisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "revisionIndex must be an integer"})
		return
	}

	st, err := s.service.SetActiveRevision(c.Request.Context(), id, userID(c), *req.RevisionIndex)
	if err != nil {
		s.respondError(c, err, "Failed to set active revision", false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": st})
}

func (s *Server) handleRunBacktest(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	idx, ok := revisionIndex(c)
	if !ok {
		return
	}
	var cfg strategy.RunConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid backtest config: " + err.Error()})
		return
	}

	st, err := s.service.QueueBacktest(c.Request.Context(), id, userID(c), idx, cfg)
	if err != nil {
		s.respondError(c, err, "Failed to queue backtest", true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": st, "message": "Backtest queued successfully"})
}

func (s *Server) handleGetResults(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	idx, ok := revisionIndex(c)
	if !ok {
		return
	}
	results, err := s.service.GetRevisionResults(c.Request.Context(), id, userID(c), idx)
	if err != nil {
		s.respondError(c, err, "Failed to fetch revision results", true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleGetReport(c *gin.Context) {
	id, ok := strategyID(c)
	if !ok {
		return
	}
	idx, ok := revisionIndex(c)
	if !ok {
		return
	}
	report, err := s.service.GetRevisionReport(c.Request.Context(), id, userID(c), idx)
	if err != nil {
		s.respondError(c, err, "Failed to fetch revision report", true)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(report))
}

func (s *Server) handleValidateCode(c *gin.Context) {
	var req validateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Code is required"})
		return
	}
	c.JSON(http.StatusOK, s.service.ValidateCode(req.Code))
}

func (s *Server) handleSecurityInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.SecurityInfo())
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.service.QueueStats(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "Failed to fetch queue stats", false)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func strategyID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid strategy ID"})
		return 0, false
	}
	return uint(id), true
}

func revisionIndex(c *gin.Context) (int, bool) {
	idx, err := strconv.ParseUint(c.Param("idx"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid revision index"})
		return 0, false
	}
	return int(idx), true
}

// respondError maps domain errors to status codes. On routes addressing a
// revision by path, an out-of-range index is a missing resource.
func (s *Server) respondError(c *gin.Context, err error, fallback string, indexInPath bool) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, strategy.ErrInvalidIndex):
		status = http.StatusBadRequest
		if indexInPath {
			status = http.StatusNotFound
		}
	case errors.Is(err, strategy.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, strategy.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, strategy.ErrConflict), errors.Is(err, strategy.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, strategy.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(fallback, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
