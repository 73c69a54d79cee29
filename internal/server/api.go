package server

import (
	"errors"
	"net/http"
	"time"

	"candlefeed/internal/gateway"
	"candlefeed/internal/model"
	"candlefeed/internal/utils"

	"github.com/gin-gonic/gin"
)

const (
	defaultCandleLimit = 500
	maxCandleLimit     = 5000
)

func (s *Server) getHealth(c *gin.Context) {
	st, err := s.gw.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	collectors := make(map[string]int)
	for _, col := range s.collectors {
		collectors[col.State().Status.String()]++
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"connections":   st.Connections,
		"series":        st.Series,
		"subscriptions": st.Subscriptions,
		"collectors":    collectors,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.registry.Snapshot())
}

type collectorView struct {
	ID       string         `json:"id"`
	Exchange model.Exchange `json:"exchange"`
	Symbols  []string       `json:"symbols"`
	model.ConnectionState
}

func (s *Server) getCollectors(c *gin.Context) {
	out := make([]collectorView, 0, len(s.collectors))
	for _, col := range s.collectors {
		out = append(out, collectorView{
			ID:              col.ID(),
			Exchange:        col.Exchange(),
			Symbols:         col.Symbols(),
			ConnectionState: col.State(),
		})
	}
	c.JSON(http.StatusOK, out)
}

type candlesQuery struct {
	Symbol    string    `form:"symbol" binding:"required"`
	Timeframe string    `form:"timeframe" binding:"required"`
	From      time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00" binding:"required"`
	To        time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit     uint64    `form:"limit" binding:"omitempty,min=1"`
}

// getCandles returns stored CLOSED candles in [from, to), oldest first.
func (s *Server) getCandles(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "candle history is not enabled"})
		return
	}

	var q candlesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol, err := utils.NormalizeSymbol(q.Symbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tf, err := model.ParseTimeframe(q.Timeframe)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !q.To.IsZero() && !q.To.After(q.From) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
		return
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = defaultCandleLimit
	case limit > maxCandleLimit:
		limit = maxCandleLimit
	}

	candles, err := s.store.Range(c.Request.Context(), symbol, tf, q.From, q.To, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Str("timeframe", tf.String()).Msg("candle query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]*gateway.CandleMessage, 0, len(candles))
	for _, cd := range candles {
		out = append(out, gateway.NewCandleMessage(cd).CandleMessage)
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timeframe": tf.String(),
		"candles":   out,
	})
}

// errStopped reports whether err means the gateway is gone.
func errStopped(err error) bool {
	return errors.Is(err, gateway.ErrStopped) || errors.Is(err, gateway.ErrNotStarted)
}
