package marketplace

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/internal/auth"
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

// RegisterRoutes registers marketplace routes. Purchases pass through
// requireBuyer and confirmations through requireVerifier.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, requireBuyer, requireVerifier gin.HandlerFunc) {
	rg.GET("/projects/:id/inventory", h.Inventory)

	purchases := rg.Group("/purchases")
	{
		purchases.POST("", requireBuyer, h.Purchase)
		purchases.GET("/:id", h.GetPurchase)
		purchases.POST("/:id/confirmation", requireVerifier, h.AttachConfirmation)
	}

	accounts := rg.Group("/accounts")
	{
		accounts.POST("", requireVerifier, h.CreateAccount)
		accounts.GET("/:id", h.GetAccount)
		accounts.GET("/:id/transactions", h.Transactions)
		accounts.POST("/:id/deposits", requireVerifier, h.Deposit)
	}
}

func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// an authenticated buyer can only spend from their own account
	if principal, ok := auth.PrincipalFrom(c); ok && principal.Role == auth.RoleBuyer {
		if req.BuyerID != "" && req.BuyerID != principal.Subject {
			c.JSON(http.StatusForbidden, gin.H{"error": "buyer does not match the authenticated caller"})
			return
		}
		req.BuyerID = principal.Subject
	}

	receipt, err := h.service.Purchase(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, receipt)
}

func (h *Handler) GetPurchase(c *gin.Context) {
	purchase, err := h.service.GetPurchase(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, purchase)
}

type confirmationRequest struct {
	TxHash      string `json:"txHash" binding:"required"`
	BlockNumber int64  `json:"blockNumber"`
}

func (h *Handler) AttachConfirmation(c *gin.Context) {
	var req confirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	purchase, err := h.service.AttachConfirmation(c.Request.Context(), c.Param("id"), req.TxHash, req.BlockNumber)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, purchase)
}

func (h *Handler) Inventory(c *gin.Context) {
	inventory, err := h.service.Inventory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inventory)
}

func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account, err := h.service.CreateAccount(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.service.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) Transactions(c *gin.Context) {
	entries, err := h.service.Transactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

type depositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account, err := h.service.Deposit(c.Request.Context(), c.Param("id"), req.Amount, req.Reference)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) fail(c *gin.Context, err error) {
	if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	apperrors.Render(c, err)
}
