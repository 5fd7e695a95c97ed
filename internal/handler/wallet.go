package handler

import (
	"github.com/gin-gonic/gin"

	"referral-settlement/internal/service"
)

// MySettlement returns the calling user's combined settlement view.
func (s *Server) MySettlement(c *gin.Context) {
	view, err := s.wallets.MySettlement(c.Request.Context(), callerID(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, view)
}

// WalletBalance returns the calling user's wallet balances.
func (s *Server) WalletBalance(c *gin.Context) {
	acc, err := s.wallets.Balance(c.Request.Context(), callerID(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, acc)
}

// WalletLedger returns the calling user's ledger entries, newest first.
func (s *Server) WalletLedger(c *gin.Context) {
	entries, err := s.wallets.Ledger(c.Request.Context(), callerID(c), queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, entries)
}

type withdrawRequest struct {
	AmountCoins int64   `json:"amount_coins" binding:"required"`
	Method      string  `json:"method" binding:"required"`
	AccountInfo *string `json:"account_info"`
}

// RequestWithdraw opens a withdraw request against the available balance.
func (s *Server) RequestWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}

	created, err := s.wallets.RequestWithdraw(c.Request.Context(), callerID(c), req.AmountCoins, req.Method, req.AccountInfo)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, created)
}

// ListMyWithdrawals lists the calling user's withdraw requests.
func (s *Server) ListMyWithdrawals(c *gin.Context) {
	requests, err := s.wallets.ListWithdrawsByUser(c.Request.Context(), callerID(c), queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, requests)
}

// ListWithdrawals lists withdraw requests with an optional status filter.
func (s *Server) ListWithdrawals(c *gin.Context) {
	requests, err := s.wallets.ListWithdraws(c.Request.Context(), c.Query("status"), queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, requests)
}

// ReviewWithdraw settles a pending withdraw request.
func (s *Server) ReviewWithdraw(c *gin.Context) {
	withdrawID, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}

	processed, err := s.wallets.ReviewWithdraw(c.Request.Context(), withdrawID, callerID(c), req.Approve, req.Reason)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, processed)
}
