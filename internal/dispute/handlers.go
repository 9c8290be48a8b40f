package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
	reaper  *Reaper
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service, reaper *Reaper) *Handler {
	return &Handler{service: service, reaper: reaper}
}

// RegisterRoutes sets up public (read-only) dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:platformDisputeId", h.GetDispute)
	r.GET("/disputes/zombies/stats", h.ZombieStats)
}

// RegisterProtectedRoutes sets up mutating routes that require the
// request-authentication middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.CreateDispute)
	r.POST("/disputes/:platformDisputeId/vote", h.Vote)
	r.POST("/disputes/:platformDisputeId/finalize", h.ForceFinalize)
}

// CreateDispute handles POST /v1/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	var req CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrPlatformMismatch):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "platform_mismatch",
				"message": err.Error(),
			})
		case errors.Is(err, ErrCreationTimeout):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "creation_in_progress",
				"message": "Dispute creation is still in progress, retry later",
			})
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_platform",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "creation_failed",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	f := ListFilter{
		Status:     Status(c.Query("status")),
		PlatformID: c.Query("platformId"),
		Page:       intQuery(c, "page", 1),
		PageSize:   intQuery(c, "pageSize", 20),
	}

	disputes, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}

	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// GetDispute handles GET /v1/disputes/:platformDisputeId
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("platformDisputeId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Vote handles POST /v1/disputes/:platformDisputeId/vote
func (h *Handler) Vote(c *gin.Context) {
	var req VoteInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txHash, err := h.service.Vote(c.Request.Context(), c.Param("platformDisputeId"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
		case errors.Is(err, ErrNotVoting), errors.Is(err, ErrInvalidChoice):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_vote",
				"message": err.Error(),
			})
		case errors.Is(err, ErrAlreadyVoted):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_voted",
				"message": "Voter already voted on this dispute",
			})
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "insufficient_balance",
				"message": err.Error(),
			})
		case errors.Is(err, ErrInvalidTokenAddress):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "invalid_token_address",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "vote_failed",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"txHash": txHash})
}

// ForceFinalize handles POST /v1/disputes/:platformDisputeId/finalize
func (h *Handler) ForceFinalize(c *gin.Context) {
	outcome, err := h.service.ForceFinalize(c.Request.Context(), c.Param("platformDisputeId"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
		case errors.Is(err, ErrNotVoting):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "not_voting",
				"message": err.Error(),
			})
		case errors.Is(err, ErrFinalizeContended):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "finalize_contended",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "finalize_failed",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// ZombieStats handles GET /v1/disputes/zombies/stats
func (h *Handler) ZombieStats(c *gin.Context) {
	if h.reaper == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Reaper not running"})
		return
	}
	count, oldest, err := h.reaper.ZombieStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count, "oldestCreatedAt": oldest})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
