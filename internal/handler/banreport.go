package handler

import (
	"github.com/gin-gonic/gin"

	"referral-settlement/internal/service"
)

type submitBanReportRequest struct {
	PeriodID    int64   `json:"period_id" binding:"required"`
	UserID      int64   `json:"user_id" binding:"required"`
	EnvRef      *string `json:"env_ref"`
	BannedCoins int64   `json:"banned_coins" binding:"required"`
	ProofPath   string  `json:"proof_path" binding:"required"`
}

// SubmitBanReport records a ban report for review.
func (s *Server) SubmitBanReport(c *gin.Context) {
	var req submitBanReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}

	report, err := s.bans.Submit(c.Request.Context(), &service.SubmitBanReportInput{
		PeriodID:    req.PeriodID,
		UserID:      req.UserID,
		EnvRef:      req.EnvRef,
		BannedCoins: req.BannedCoins,
		ProofPath:   req.ProofPath,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, report)
}

// ListMyBanReports lists reports targeting the calling user.
func (s *Server) ListMyBanReports(c *gin.Context) {
	reports, err := s.bans.ListByUser(c.Request.Context(), callerID(c), queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, reports)
}

// ListBanReports lists reports with optional period_id and status filters.
func (s *Server) ListBanReports(c *gin.Context) {
	reports, err := s.bans.List(c.Request.Context(),
		queryInt64(c, "period_id"), c.Query("status"), queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, reports)
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

// ReviewBanReport approves or rejects a submitted report.
func (s *Server) ReviewBanReport(c *gin.Context) {
	reportID, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}

	report, err := s.bans.Review(c.Request.Context(), reportID, callerID(c), req.Approve, req.Reason)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, report)
}

// ApplyBanReport executes an approved report's deduction.
func (s *Server) ApplyBanReport(c *gin.Context) {
	reportID, valid := pathID(c, "id")
	if !valid {
		return
	}
	report, err := s.bans.Apply(c.Request.Context(), reportID, callerID(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, report)
}
