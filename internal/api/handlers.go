package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yazbekw/mon/internal/manager"
	"github.com/yazbekw/mon/internal/risk"
)

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": s.manager.Running(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus reports engine state, counters and margin health.
func (s *Server) handleStatus(c *gin.Context) {
	stats := s.manager.Stats()

	resp := gin.H{
		"running":        s.manager.Running(),
		"uptime_seconds": stats.UptimeSeconds,
		"positions":      s.manager.Store().Len(),
		"stats":          stats,
	}
	if !stats.LastSync.IsZero() {
		resp["last_sync"] = stats.LastSync.UTC().Format(time.RFC3339)
	}
	if streamStats := s.manager.StreamStats(); streamStats != nil {
		resp["price_stream"] = streamStats
	}
	if margin, err := s.manager.AccountMargin(c.Request.Context()); err == nil {
		resp["margin"] = margin
	}

	c.JSON(http.StatusOK, resp)
}

// positionView is the /positions representation: the stored record plus
// the derived risk summary.
type positionView struct {
	Symbol         string        `json:"symbol"`
	Side           string        `json:"side"`
	EntryPrice     float64       `json:"entry_price"`
	Quantity       float64       `json:"quantity"`
	InitialQty     float64       `json:"initial_quantity"`
	Leverage       int           `json:"leverage"`
	CurrentPrice   float64       `json:"current_price"`
	UnrealizedPnL  float64       `json:"unrealized_pnl"`
	PnLPercent     float64       `json:"pnl_percent"`
	RealizedPnL    float64       `json:"realized_pnl"`
	FullStop       float64       `json:"full_stop"`
	PartialStop    float64       `json:"partial_stop"`
	PartialHit     bool          `json:"partial_hit"`
	TakeProfits    []tpView      `json:"take_profits"`
	ProgressToStop float64       `json:"progress_to_stop_pct"`
	ATR            float64       `json:"atr"`
	Support        float64       `json:"support"`
	Resistance     float64       `json:"resistance"`
	DetectedAt     time.Time     `json:"detected_at"`
}

type tpView struct {
	Target        float64 `json:"target"`
	CloseFraction float64 `json:"close_fraction"`
	Hit           bool    `json:"hit"`
}

// handlePositions lists every managed position with its envelope.
func (s *Server) handlePositions(c *gin.Context) {
	snapshot := s.manager.Store().Snapshot()
	views := make([]positionView, 0, len(snapshot))
	for _, pos := range snapshot {
		tps := make([]tpView, len(pos.TakeProfits))
		for i, tp := range pos.TakeProfits {
			tps[i] = tpView{Target: tp.Target, CloseFraction: tp.CloseFraction, Hit: tp.Hit}
		}
		views = append(views, positionView{
			Symbol:         pos.Symbol,
			Side:           string(pos.Side),
			EntryPrice:     pos.EntryPrice,
			Quantity:       pos.Quantity,
			InitialQty:     pos.QuantityAtDetection,
			Leverage:       pos.Leverage,
			CurrentPrice:   pos.CurrentPrice,
			UnrealizedPnL:  pos.UnrealizedPnL,
			PnLPercent:     pos.PnLPercent,
			RealizedPnL:    pos.RealizedPnL,
			FullStop:       pos.Stops.FullStop,
			PartialStop:    pos.Stops.PartialStop,
			PartialHit:     pos.Stops.PartialHit,
			TakeProfits:    tps,
			ProgressToStop: risk.ProgressToStop(pos, pos.CurrentPrice),
			ATR:            pos.Technical.ATR,
			Support:        pos.Technical.Support,
			Resistance:     pos.Technical.Resistance,
			DetectedAt:     pos.DetectedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": views, "count": len(views)})
}

// handleSync forces one detect pass.
func (s *Server) handleSync(c *gin.Context) {
	if err := s.manager.ForceSync(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": true, "positions": s.manager.Store().Len()})
}

// handleClose force-closes the full remaining quantity of one symbol.
func (s *Server) handleClose(c *gin.Context) {
	symbol := c.Param("symbol")

	result, err := s.manager.ForceClose(c.Request.Context(), symbol)
	if err != nil {
		if errors.Is(err, manager.ErrNotManaged) {
			c.JSON(http.StatusNotFound, gin.H{"error": "position not found: " + symbol})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true, "result": result})
}

// handleTestNotify pushes a test message through the notifier.
func (s *Server) handleTestNotify(c *gin.Context) {
	var body struct {
		Message string `json:"message"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Message == "" {
		body.Message = "Test notification from position manager"
	}

	s.notifier.NotifyWarning("Test notification", body.Message)
	c.JSON(http.StatusOK, gin.H{"queued": true})
}
