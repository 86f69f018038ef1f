package issuance

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
)

type Handler struct {
	coordinator *Coordinator
	logger      *zap.Logger
}

func NewHandler(coordinator *Coordinator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers the operator routes for issuance records. Both
// are restricted by requireVerifier.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, requireVerifier gin.HandlerFunc) {
	rg.GET("/projects/:id/issuance", requireVerifier, h.ListRecords)
	rg.POST("/projects/:id/reconcile", requireVerifier, h.Reconcile)
}

func (h *Handler) ListRecords(c *gin.Context) {
	records, err := h.coordinator.Records(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to list issuance records", zap.Error(err))
		apperrors.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) Reconcile(c *gin.Context) {
	result, err := h.coordinator.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
			h.logger.Error("Reconciliation failed", zap.String("project_id", c.Param("id")), zap.Error(err))
		}
		apperrors.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
