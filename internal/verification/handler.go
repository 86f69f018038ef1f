package verification

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
)

type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers the public certificate lookups
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	certificates := rg.Group("/certificates")
	{
		certificates.GET("/verify/:hash", h.Verify)
		certificates.GET("/:tokenId", h.GetByTokenID)
	}
}

func (h *Handler) Verify(c *gin.Context) {
	result, err := h.service.Verify(c.Request.Context(), c.Param("hash"))
	if err != nil {
		apperrors.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetByTokenID(c *gin.Context) {
	result, err := h.service.GetByTokenID(c.Request.Context(), c.Param("tokenId"))
	if err != nil {
		apperrors.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
