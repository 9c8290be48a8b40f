package platform

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/veralabs/disputed/internal/logging"
)

// Handler exposes platform management over HTTP.
type Handler struct {
	store  Store
	logger *slog.Logger
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes mounts the read endpoints on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/platforms", h.list)
	r.GET("/platforms/:id", h.get)
}

// RegisterProtectedRoutes mounts the mutating endpoints, typically behind
// signature auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/platforms", h.create)
	r.PATCH("/platforms/:id", h.update)
	r.DELETE("/platforms/:id", h.delete)
}

type createRequest struct {
	ID            string `json:"id" binding:"required"`
	Name          string `json:"name" binding:"required"`
	TokenContract string `json:"tokenContract" binding:"required"`
	MinBalance    string `json:"minBalance" binding:"required"`
	ChainID       int64  `json:"chainId"`
	WebhookURL    string `json:"webhookUrl"`
	Description   string `json:"description"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.TokenContract) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tokenContract is not a valid address"})
		return
	}
	if _, ok := new(big.Int).SetString(req.MinBalance, 10); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minBalance must be a decimal integer"})
		return
	}

	p := &Platform{
		ID:            req.ID,
		Name:          req.Name,
		TokenContract: req.TokenContract,
		MinBalance:    req.MinBalance,
		ChainID:       req.ChainID,
		WebhookURL:    req.WebhookURL,
		Description:   req.Description,
	}
	if err := h.store.Create(c.Request.Context(), p); err != nil {
		if errors.Is(err, ErrExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "platform id already exists"})
			return
		}
		logging.FromContext(c.Request.Context()).Error("failed to create platform",
			slog.String("platform_id", req.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create platform"})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) get(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "platform not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load platform"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) list(c *gin.Context) {
	platforms, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list platforms"})
		return
	}
	if platforms == nil {
		platforms = []*Platform{}
	}
	c.JSON(http.StatusOK, gin.H{"platforms": platforms})
}

func (h *Handler) update(c *gin.Context) {
	var u Update
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if u.TokenContract != nil && !common.IsHexAddress(*u.TokenContract) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tokenContract is not a valid address"})
		return
	}
	if u.MinBalance != nil {
		if _, ok := new(big.Int).SetString(*u.MinBalance, 10); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "minBalance must be a decimal integer"})
			return
		}
	}

	p, err := h.store.Update(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "platform not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update platform"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) delete(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "platform not found"})
	case errors.Is(err, ErrInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "platform has existing disputes"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete platform"})
	}
}
