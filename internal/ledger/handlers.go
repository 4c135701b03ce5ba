package ledger

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/darkpool-api/pkg/response"
)

// CreditRequest funds a bettor account
type CreditRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// AccountResponse is the public view of an account
type AccountResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

// RegisterRoutes mounts the bettor's own balance on an authenticated group
func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/accounts/me", h.GetOwnAccountHandler())
}

// RegisterInternalRoutes mounts the funding route. Funds arrive from outside
// the settlement core, through the same trusted role that delivers results.
func (h *GinHandlers) RegisterInternalRoutes(rg *gin.RouterGroup) {
	rg.POST("/accounts/:address/credit", h.CreditHandler())
}

func (h *GinHandlers) CreditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreditRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		acct, err := h.ledger.Fund(c.Request.Context(), c.Param("address"), req.Amount)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Handle(c, AccountResponse{Address: acct.Address, Balance: acct.Balance}, nil)
	}
}

func (h *GinHandlers) GetOwnAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.GetString("clientID")
		balance, err := h.ledger.Balance(address)
		response.Handle(c, AccountResponse{Address: address, Balance: balance}, err)
	}
}
