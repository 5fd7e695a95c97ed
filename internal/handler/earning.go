package handler

import (
	"github.com/gin-gonic/gin"

	"referral-settlement/internal/service"
)

type upsertEarningRequest struct {
	UserID     int64   `json:"user_id" binding:"required"`
	StatDate   string  `json:"stat_date" binding:"required"`
	CoinsTotal int64   `json:"coins_total"`
	Note       *string `json:"note"`
}

// UpsertEarning writes one daily earning record from the earnings source.
func (s *Server) UpsertEarning(c *gin.Context) {
	var req upsertEarningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}
	statDate, err := parseDate(req.StatDate)
	if err != nil {
		s.abortWithError(c, service.Validationf("invalid stat_date: %v", err))
		return
	}

	record, err := s.earnings.UpsertEarning(c.Request.Context(), req.UserID, statDate, req.CoinsTotal, req.Note)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, record)
}

// ListMyEarnings lists the calling user's daily earning records.
func (s *Server) ListMyEarnings(c *gin.Context) {
	records, err := s.earnings.ListEarnings(c.Request.Context(), callerID(c), queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, records)
}

// ListUserEarnings lists any user's daily earning records.
func (s *Server) ListUserEarnings(c *gin.Context) {
	userID, valid := pathID(c, "user_id")
	if !valid {
		return
	}
	records, err := s.earnings.ListEarnings(c.Request.Context(), userID, queryInt(c, "limit"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, records)
}

type setReferralRequest struct {
	InviterL1 *int64 `json:"inviter_level1"`
	InviterL2 *int64 `json:"inviter_level2"`
}

// SetReferral upserts a user's live inviter edges.
func (s *Server) SetReferral(c *gin.Context) {
	userID, valid := pathID(c, "user_id")
	if !valid {
		return
	}
	var req setReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}

	edge, err := s.earnings.SetReferral(c.Request.Context(), userID, req.InviterL1, req.InviterL2)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, edge)
}

// GetReferral retrieves a user's live inviter edges.
func (s *Server) GetReferral(c *gin.Context) {
	userID, valid := pathID(c, "user_id")
	if !valid {
		return
	}
	edge, err := s.earnings.GetReferral(c.Request.Context(), userID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, edge)
}
