package market

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/darkpool-api/internal/compute"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/ksred/darkpool-api/pkg/response"
)

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// RegisterRoutes mounts the bettor and authority routes on an authenticated group
func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/markets", h.ListMarketsHandler())
	rg.POST("/markets", h.CreateMarketHandler())
	rg.GET("/markets/:market_id", h.GetMarketHandler())
	rg.POST("/markets/:market_id/open", h.OpenMarketHandler())
	rg.POST("/markets/:market_id/close", h.CloseBettingHandler())
	rg.POST("/markets/:market_id/resolve", h.ResolveMarketHandler())
	rg.POST("/markets/:market_id/cancel", h.CancelMarketHandler())
	rg.GET("/markets/:market_id/odds", h.GetOddsHandler())
	rg.POST("/markets/:market_id/bets", h.PlaceBetHandler())
	rg.GET("/markets/:market_id/positions", h.ListPositionsHandler())
	rg.GET("/markets/:market_id/positions/me", h.GetOwnPositionHandler())
	rg.GET("/markets/:market_id/positions/:position_id", h.GetPositionHandler())
	rg.POST("/markets/:market_id/positions/:position_id/payout", h.RequestPayoutHandler())
	rg.POST("/markets/:market_id/positions/:position_id/claim", h.ClaimPayoutHandler())
	rg.POST("/markets/:market_id/positions/:position_id/refund", h.ClaimRefundHandler())
}

// RegisterInternalRoutes mounts the cluster callback route
func (h *GinHandlers) RegisterInternalRoutes(rg *gin.RouterGroup) {
	rg.POST("/computations/callback", h.CallbackHandler())
}

func marketIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("market_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid market id")
		return 0, false
	}
	return id, true
}

func (h *GinHandlers) ListMarketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		markets, err := h.service.ListMarkets(Status(c.Query("status")))
		response.Handle(c, markets, err)
	}
}

func (h *GinHandlers) CreateMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateMarketRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		m, err := h.service.CreateMarket(c.Request.Context(), c.GetString("clientID"), req)
		response.Handle(c, m, err)
	}
}

func (h *GinHandlers) GetMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		m, err := h.service.GetMarket(id)
		response.Handle(c, m, err)
	}
}

func (h *GinHandlers) OpenMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		m, err := h.service.OpenMarket(c.Request.Context(), c.GetString("clientID"), id)
		response.Handle(c, m, err)
	}
}

func (h *GinHandlers) CloseBettingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		m, err := h.service.CloseBetting(c.Request.Context(), c.GetString("clientID"), id)
		response.Handle(c, m, err)
	}
}

func (h *GinHandlers) ResolveMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		var req ResolveMarketRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		m, err := h.service.ResolveMarket(c.Request.Context(), c.GetString("clientID"), id, *req.WinningOutcome)
		response.Handle(c, m, err)
	}
}

func (h *GinHandlers) CancelMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		m, err := h.service.CancelMarket(c.Request.Context(), c.GetString("clientID"), id)
		response.Handle(c, m, err)
	}
}

func (h *GinHandlers) GetOddsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		outcome, err := strconv.ParseUint(c.DefaultQuery("outcome", "1"), 10, 8)
		if err != nil {
			response.BadRequest(c, "invalid outcome")
			return
		}
		amount, err := strconv.ParseUint(c.DefaultQuery("amount", "0"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid amount")
			return
		}
		odds, err := h.service.GetOdds(c.Request.Context(), id, uint8(outcome), amount)
		response.Handle(c, odds, err)
	}
}

func (h *GinHandlers) PlaceBetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		var req PlaceBetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		pub, err := types.ParsePubKey(req.UserPubKey)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		nonce, err := types.ParseNonce(req.Nonce)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pos, err := h.service.PlaceBet(c.Request.Context(), c.GetString("clientID"), id, BetInput{
			RequestID:    req.RequestID,
			EncryptedBet: req.EncryptedBet,
			UserPubKey:   pub,
			Nonce:        nonce,
			Deposit:      req.DepositAmount,
		})
		response.Handle(c, pos, err)
	}
}

func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		positions, err := h.service.ListPositions(id)
		response.Handle(c, positions, err)
	}
}

func (h *GinHandlers) GetOwnPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		pos, err := h.service.GetOwnerPosition(c.GetString("clientID"), id)
		response.Handle(c, pos, err)
	}
}

func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		pos, err := h.service.GetPosition(c.GetString("clientID"), id, c.Param("position_id"))
		response.Handle(c, pos, err)
	}
}

func (h *GinHandlers) RequestPayoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		var req RequestPayoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		pos, err := h.service.RequestPayout(c.Request.Context(), c.GetString("clientID"), id, c.Param("position_id"), req.RequestID)
		response.Handle(c, pos, err)
	}
}

func (h *GinHandlers) ClaimPayoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		claim, err := h.service.ClaimPayout(c.Request.Context(), c.GetString("clientID"), id, c.Param("position_id"))
		response.Handle(c, claim, err)
	}
}

func (h *GinHandlers) ClaimRefundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := marketIDParam(c)
		if !ok {
			return
		}
		claim, err := h.service.ClaimRefund(c.Request.Context(), c.GetString("clientID"), id, c.Param("position_id"))
		response.Handle(c, claim, err)
	}
}

// CallbackHandler receives results from the compute cluster
func (h *GinHandlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cb compute.Callback
		if err := c.ShouldBindJSON(&cb); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.OnResult(c.Request.Context(), cb)
		response.Handle(c, gin.H{"request_id": cb.RequestID, "accepted": err == nil}, err)
	}
}
