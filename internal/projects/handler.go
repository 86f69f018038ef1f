package projects

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
)

type Handler struct {
	registry *Registry
	logger   *zap.Logger
}

func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes registers project and proposal routes. Decisions pass
// through requireVerifier.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, requireVerifier gin.HandlerFunc) {
	projects := rg.Group("/projects")
	{
		projects.POST("", h.CreateProject)
		projects.GET("/:id", h.GetProject)
		projects.PUT("/:id", h.UpdateDetails)
		projects.POST("/:id/proposals", h.Submit)
		projects.PUT("/:id/proposals", h.Edit)
	}

	proposals := rg.Group("/proposals")
	{
		proposals.POST("/:id/decision", requireVerifier, h.Decide)
		proposals.POST("/:id/resubmit", h.Resubmit)
	}
}

func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.registry.CreateProject(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.registry.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) UpdateDetails(c *gin.Context) {
	var req DetailsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.registry.UpdateDetails(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) Submit(c *gin.Context) {
	var req ProposalInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proposal, err := h.registry.Submit(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, proposal)
}

func (h *Handler) Edit(c *gin.Context) {
	var req struct {
		Proposals []ProposalInput `json:"proposals"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.registry.Edit(c.Request.Context(), c.Param("id"), req.Proposals)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

type decisionRequest struct {
	Outcome Outcome `json:"outcome" binding:"required"`
	Reason  string  `json:"reason"`
}

func (h *Handler) Decide(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := h.registry.Decide(c.Request.Context(), c.Param("id"), req.Outcome, req.Reason)
	if err != nil {
		if decision == nil {
			h.fail(c, err)
			return
		}
		// issuance did not complete; report the project as it stands
		resp := apperrors.ToResponse(err)
		h.logger.Warn("Decision failed", zap.String("proposal_id", c.Param("id")), zap.Error(err))
		c.JSON(apperrors.HTTPStatus(err), gin.H{
			"project":           decision.Project,
			"issuanceSucceeded": false,
			"error":             resp.Error,
			"code":              resp.Code,
			"reconciliation_id": resp.ReconciliationID,
		})
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) Resubmit(c *gin.Context) {
	proposal, err := h.registry.Resubmit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal)
}

func (h *Handler) fail(c *gin.Context, err error) {
	if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	apperrors.Render(c, err)
}
