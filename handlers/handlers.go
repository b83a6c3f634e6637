package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"captrade/config"
	"captrade/models"
	"captrade/service"

	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests
type Handler struct {
	cfg     *config.Config
	service *service.Service
}

// NewHandler creates a new handler
func NewHandler(cfg *config.Config, svc *service.Service) *Handler {
	return &Handler{
		cfg:     cfg,
		service: svc,
	}
}

// GetFeed returns the follower's eligible capper trades, newest first.
func (h *Handler) GetFeed(c *gin.Context) {
	followerID := c.Param("followerId")
	if followerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower ID required"})
		return
	}

	limit := h.cfg.Feed.DefaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= h.cfg.Feed.MaxLimit {
			limit = l
		}
	}
	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	items, err := h.service.GetFeed(c.Request.Context(), followerID, limit, offset)
	if err != nil {
		h.writeError(c, err, "failed to load feed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"feed":   items,
		"count":  len(items),
		"limit":  limit,
		"offset": offset,
	})
}

// GetFollows returns the follower's active follow entitlements.
func (h *Handler) GetFollows(c *gin.Context) {
	followerID := c.Param("followerId")
	if followerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower ID required"})
		return
	}

	follows, err := h.service.GetActiveFollows(c.Request.Context(), followerID)
	if err != nil {
		h.writeError(c, err, "failed to load follows")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"follows": follows,
		"count":   len(follows),
	})
}

// RecordActionRequest is the payload for a manual follow/fade decision.
type RecordActionRequest struct {
	FollowerID string `json:"follower_id"`
	Action     string `json:"action"`
}

// RecordAction records a follower's follow or fade decision on a capper trade.
func (h *Handler) RecordAction(c *gin.Context) {
	tradeID := c.Param("id")
	if tradeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade ID required"})
		return
	}

	var req RecordActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	action, err := h.service.RecordAction(c.Request.Context(), req.FollowerID, tradeID, models.FollowAction(req.Action))
	if err != nil {
		// A repeat decision is not an error: return the prior action
		if errors.Is(err, service.ErrAlreadyActed) {
			c.JSON(http.StatusOK, gin.H{"action": action, "duplicate": true})
			return
		}
		h.writeError(c, err, "failed to record action")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"action": action})
}

// CreateTradeRequest is a capper's new trade entry.
type CreateTradeRequest struct {
	CapperID   string  `json:"capper_id"`
	Ticker     string  `json:"ticker"`
	Strike     float64 `json:"strike"`
	Expiry     string  `json:"expiry"` // YYYY-MM-DD
	OptionType string  `json:"option_type"`
	Contracts  int     `json:"contracts"`
	FillPrice  float64 `json:"fill_price"`
}

// CreateTrade opens a new capper trade and triggers automatic replication.
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	expiry, err := time.Parse("2006-01-02", req.Expiry)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expiry, expected YYYY-MM-DD"})
		return
	}

	trade, err := h.service.CreateCapperTrade(c.Request.Context(), service.CreateTradeInput{
		CapperID:   req.CapperID,
		Ticker:     req.Ticker,
		Strike:     req.Strike,
		Expiry:     expiry,
		OptionType: models.OptionType(req.OptionType),
		Contracts:  req.Contracts,
		FillPrice:  req.FillPrice,
	})
	if err != nil {
		h.writeError(c, err, "failed to create trade")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": trade})
}

// RecordFillRequest is a SELL execution against a capper trade.
type RecordFillRequest struct {
	Contracts int     `json:"contracts"`
	Price     float64 `json:"price"`
}

// RecordFill books a capper SELL fill and triggers follower settlement.
func (h *Handler) RecordFill(c *gin.Context) {
	tradeID := c.Param("id")
	if tradeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade ID required"})
		return
	}

	var req RecordFillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	trade, err := h.service.RecordCapperFill(c.Request.Context(), tradeID, req.Contracts, req.Price)
	if err != nil {
		h.writeError(c, err, "failed to record fill")
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// GetTrade returns one trade with its fills.
func (h *Handler) GetTrade(c *gin.Context) {
	tradeID := c.Param("id")
	if tradeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade ID required"})
		return
	}

	trade, fills, err := h.service.GetTrade(c.Request.Context(), tradeID)
	if err != nil {
		h.writeError(c, err, "failed to load trade")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trade": trade,
		"fills": fills,
	})
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrSelfFollow):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
