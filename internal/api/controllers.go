package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"position-engine/internal/engine"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// engineError maps engine errors onto HTTP statuses.
func engineError(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrUnknownSymbol) {
		respondError(c, http.StatusNotFound, "UNKNOWN_INSTRUMENT", err.Error())
		return
	}
	respondError(c, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", err.Error())
}

func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.Engine.GetSystemStatus(c.Request.Context())
	resp := gin.H{"status": status}
	if s.Metrics != nil {
		resp["runtime"] = s.Metrics.Runtime()
	}
	if s.Bus != nil {
		resp["bus_dropped"] = s.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

// listInstruments returns a snapshot of every coordinator.
func (s *Server) listInstruments(c *gin.Context) {
	snaps, err := s.Engine.ListInstruments(c.Request.Context())
	if err != nil {
		engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruments": snaps})
}

func (s *Server) getInstrument(c *gin.Context) {
	snap, err := s.Engine.GetInstrument(c.Request.Context(), strings.ToUpper(c.Param("symbol")))
	if err != nil {
		engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// getClosedTrades returns realized outcomes, newest first. ?limit= caps the list (default 50).
func (s *Server) getClosedTrades(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			respondError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	trades, err := s.Engine.ClosedTrades(c.Request.Context(), strings.ToUpper(c.Param("symbol")), limit)
	if err != nil {
		engineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

type signalRequest struct {
	Action    engine.Action `json:"action" binding:"required"`
	Price     float64       `json:"price"`
	RangeHigh float64       `json:"range_high"`
	RangeLow  float64       `json:"range_low"`
}

// postSignal forwards an externally generated signal to the instrument.
func (s *Server) postSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	}
	switch req.Action {
	case engine.ActionEnterLong, engine.ActionEnterShort, engine.ActionExitLong,
		engine.ActionExitShort, engine.ActionCancelSetup:
	default:
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", "unknown action "+string(req.Action))
		return
	}
	if req.Price < 0 || req.RangeHigh < 0 || req.RangeLow < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", "prices must not be negative")
		return
	}

	sig := engine.Signal{
		Symbol:    strings.ToUpper(c.Param("symbol")),
		Action:    req.Action,
		Price:     req.Price,
		RangeHigh: req.RangeHigh,
		RangeLow:  req.RangeLow,
	}
	if err := s.Engine.SubmitSignal(c.Request.Context(), sig); err != nil {
		engineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// getRiskMetrics returns current risk metrics.
func (s *Server) getRiskMetrics(c *gin.Context) {
	metrics, err := s.Engine.GetRiskMetrics(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) getAlerts(c *gin.Context) {
	var alerts []string
	if s.Alerts != nil {
		alerts = s.Alerts.Recent()
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// getReconciliation returns the latest journal/venue comparison.
func (s *Server) getReconciliation(c *gin.Context) {
	if s.Recon == nil {
		respondError(c, http.StatusNotFound, "RECONCILIATION_DISABLED", "reconciliation is not running")
		return
	}
	report := s.Recon.Last()
	if report == nil {
		c.JSON(http.StatusOK, gin.H{"report": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
