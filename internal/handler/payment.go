package handler

import (
	"github.com/gin-gonic/gin"

	"referral-settlement/internal/service"
)

type submitPaymentRequest struct {
	PeriodID    int64   `json:"period_id"`
	AmountCoins int64   `json:"amount_coins" binding:"required"`
	Method      string  `json:"method"`
	ProofURL    *string `json:"proof_url"`
}

// SubmitPayment records a payment from the calling user for review.
func (s *Server) SubmitPayment(c *gin.Context) {
	var req submitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}

	payment, err := s.payments.Submit(c.Request.Context(), &service.SubmitPaymentInput{
		PayerUserID: callerID(c),
		PeriodID:    req.PeriodID,
		AmountCoins: req.AmountCoins,
		Method:      req.Method,
		ProofURL:    req.ProofURL,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, payment)
}

// ListMyPayments lists the calling user's payments.
func (s *Server) ListMyPayments(c *gin.Context) {
	payments, err := s.payments.ListByPayer(c.Request.Context(), callerID(c), queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, payments)
}

// ListPayments lists payments with optional period_id and status filters.
func (s *Server) ListPayments(c *gin.Context) {
	payments, err := s.payments.List(c.Request.Context(),
		queryInt64(c, "period_id"), c.Query("status"), queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, payments)
}

// ConfirmPayment accepts a submitted payment and runs the funding cascade.
func (s *Server) ConfirmPayment(c *gin.Context) {
	paymentID, valid := pathID(c, "id")
	if !valid {
		return
	}
	payable, err := s.payments.Confirm(c.Request.Context(), paymentID, callerID(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, payable)
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RejectPayment declines a submitted payment.
func (s *Server) RejectPayment(c *gin.Context) {
	paymentID, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}
	if err := s.payments.Reject(c.Request.Context(), paymentID, callerID(c), req.Reason); err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, gin.H{"payment_id": paymentID, "status": "rejected"})
}
