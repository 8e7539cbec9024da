package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianswap/arbiter/internal/trade"
	"github.com/meridianswap/arbiter/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up the dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/trades/:tradeId/disputes", h.ListByTrade)
	r.POST("/trades/:tradeId/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/chat", h.SendChat)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	TradeID string `json:"tradeId" binding:"required"`
	ReOpen  bool   `json:"reOpen"`
}

// ResolveRequest contains the arbitrator's resolution parameters.
type ResolveRequest struct {
	Winner          string `json:"winner" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
	Policy          string `json:"policy" binding:"required"`
	CustomAmount    uint64 `json:"customAmount"`
	SubtractFeeFrom string `json:"subtractFeeFrom"`
	SummaryNotes    string `json:"summaryNotes"`
}

// ChatRequest contains a chat message for an open dispute.
type ChatRequest struct {
	TraderID int64  `json:"traderId" binding:"required"`
	Message  string `json:"message" binding:"required"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tradeId is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidTradeID("tradeId", req.TradeID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.manager.OpenDispute(c.Request.Context(), req.TradeID, req.ReOpen)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrDisputeAlreadyOpen):
			status = http.StatusConflict
			code = "already_open"
		case errors.Is(err, ErrNotTradeParty):
			status = http.StatusForbidden
			code = "not_trade_party"
		case isNotFound(err):
			status = http.StatusNotFound
			code = "not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.manager.FindDisputeByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByTrade handles GET /v1/trades/:tradeId/disputes
func (h *Handler) ListByTrade(c *gin.Context) {
	tradeID := c.Param("tradeId")
	disputes := h.manager.FindDisputesByTrade(tradeID)
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ResolveDispute handles POST /v1/trades/:tradeId/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	tradeID := c.Param("tradeId")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner, reason and policy are required",
		})
		return
	}

	dec := Decision{
		Winner:          Winner(req.Winner),
		Reason:          Reason(req.Reason),
		Policy:          PayoutPolicy(req.Policy),
		CustomAmount:    req.CustomAmount,
		SubtractFeeFrom: SubtractFeeFrom(req.SubtractFeeFrom),
		SummaryNotes:    validation.SanitizeString(req.SummaryNotes, validation.MaxStringLength),
	}
	if dec.SubtractFeeFrom == "" {
		dec.SubtractFeeFrom = FeeFromBuyerAndSeller
	}

	if err := h.manager.ResolveDispute(c.Request.Context(), tradeID, dec); err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotArbitrator):
			status = http.StatusForbidden
			code = "not_arbitrator"
		case errors.Is(err, ErrPeerDisputeMissing):
			status = http.StatusConflict
			code = "peer_dispute_missing"
		case errors.Is(err, ErrCustomAmountRange):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case isNotFound(err):
			status = http.StatusNotFound
			code = "not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	disputes := h.manager.FindDisputesByTrade(tradeID)
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// SendChat handles POST /v1/disputes/:id/chat
func (h *Handler) SendChat(c *gin.Context) {
	d, err := h.manager.FindDisputeByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "traderId and message are required",
		})
		return
	}
	if req.TraderID != d.TraderID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "traderId does not match the dispute",
		})
		return
	}

	msg, err := h.manager.SendChatMessage(c.Request.Context(), d.TradeID, d.TraderID, req.Message)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrDisputeClosed):
			status = http.StatusConflict
			code = "dispute_closed"
		case isNotFound(err):
			status = http.StatusNotFound
			code = "not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrDisputeNotFound) || errors.Is(err, trade.ErrTradeNotFound)
}
