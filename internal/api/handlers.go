package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"whalewatch/internal/storage"
	"whalewatch/internal/threshold"
)

type tradeResponse struct {
	Price            float64 `json:"price"`
	Quantity         float64 `json:"quantity"`
	IsSale           bool    `json:"isSale"`
	TimestampSeconds int64   `json:"timestampSeconds"`
}

type openInterestResponse struct {
	MinuteBucket int64   `json:"minuteBucket"`
	Value        float64 `json:"value"`
}

type thresholdRequest struct {
	Threshold json.RawMessage `json:"threshold"`
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.opts.IngesterState != nil {
		body["ingester"] = s.opts.IngesterState()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listTrades(c *gin.Context) {
	if s.trades == nil {
		s.internalError(c, "list trades", storage.ErrNotConfigured)
		return
	}
	ctx, cancel := s.queryContext(c)
	defer cancel()

	trades, err := s.trades.ListRecentTrades(ctx, s.opts.TradesLimit)
	if err != nil {
		s.internalError(c, "list trades", err)
		return
	}

	payload := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		payload = append(payload, tradeResponse{
			Price:            t.Price.InexactFloat64(),
			Quantity:         t.Quantity.InexactFloat64(),
			IsSale:           t.IsSale,
			TimestampSeconds: t.Timestamp.Unix(),
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) listOpenInterest(c *gin.Context) {
	if s.oi == nil {
		s.internalError(c, "list open interest", storage.ErrNotConfigured)
		return
	}
	ctx, cancel := s.queryContext(c)
	defer cancel()

	samples, err := s.oi.ListRecentOpenInterest(ctx, s.opts.OpenInterestLimit)
	if err != nil {
		s.internalError(c, "list open interest", err)
		return
	}

	payload := make([]openInterestResponse, 0, len(samples))
	for _, sample := range samples {
		payload = append(payload, openInterestResponse{
			MinuteBucket: sample.MinuteBucket,
			Value:        sample.Value.InexactFloat64(),
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) getThreshold(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"threshold": s.threshold.Current().InexactFloat64()})
}

func (s *Server) setThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": threshold.ErrInvalidThreshold.Error()})
		return
	}

	value, err := threshold.Parse(req.Threshold)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.threshold.Update(c.Request.Context(), value); err != nil {
		switch {
		case errors.Is(err, threshold.ErrInvalidThreshold):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, threshold.ErrPersist):
			s.logger.Error().Err(err).Str("threshold", value.String()).Msg("threshold not persisted")
			c.JSON(http.StatusInternalServerError, gin.H{"error": threshold.ErrPersist.Error()})
		default:
			s.internalError(c, "update threshold", err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "threshold": value.InexactFloat64()})
}

func (s *Server) queryContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.opts.QueryTimeout)
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Msg("query failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
