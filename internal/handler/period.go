package handler

import (
	"github.com/gin-gonic/gin"

	"referral-settlement/internal/service"
)

type createPeriodRequest struct {
	StatStart  string `json:"stat_start" binding:"required"`
	StatEnd    string `json:"stat_end" binding:"required"`
	PayStart   string `json:"pay_start" binding:"required"`
	PayEnd     string `json:"pay_end" binding:"required"`
	CoinRate   int64  `json:"coin_rate" binding:"required"`
	HostBps    int32  `json:"host_bps"`
	CollectBps int32  `json:"collect_bps"`
	L1Bps      int32  `json:"l1_bps"`
	L2Bps      int32  `json:"l2_bps"`
}

// CreatePeriod creates a settlement period.
func (s *Server) CreatePeriod(c *gin.Context) {
	var req createPeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, service.Validationf("invalid request body: %v", err))
		return
	}

	in := &service.CreatePeriodInput{
		CoinRate:   req.CoinRate,
		HostBps:    req.HostBps,
		CollectBps: req.CollectBps,
		L1Bps:      req.L1Bps,
		L2Bps:      req.L2Bps,
	}
	var err error
	if in.StatStart, err = parseDate(req.StatStart); err != nil {
		s.abortWithError(c, service.Validationf("invalid stat_start: %v", err))
		return
	}
	if in.StatEnd, err = parseDate(req.StatEnd); err != nil {
		s.abortWithError(c, service.Validationf("invalid stat_end: %v", err))
		return
	}
	if in.PayStart, err = parseDate(req.PayStart); err != nil {
		s.abortWithError(c, service.Validationf("invalid pay_start: %v", err))
		return
	}
	if in.PayEnd, err = parseDate(req.PayEnd); err != nil {
		s.abortWithError(c, service.Validationf("invalid pay_end: %v", err))
		return
	}

	period, err := s.periods.Create(c.Request.Context(), in)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, period)
}

// ListPeriods lists all settlement periods, newest first.
func (s *Server) ListPeriods(c *gin.Context) {
	periods, err := s.periods.List(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, periods)
}

// GetPeriod retrieves one period.
func (s *Server) GetPeriod(c *gin.Context) {
	periodID, valid := pathID(c, "id")
	if !valid {
		return
	}
	period, err := s.periods.Get(c.Request.Context(), periodID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, period)
}

// ActivatePeriod marks a period as the active default.
func (s *Server) ActivatePeriod(c *gin.Context) {
	periodID, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := s.periods.Activate(c.Request.Context(), periodID); err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, gin.H{"period_id": periodID, "is_active": true})
}

// ClosePeriod transitions a period to closed.
func (s *Server) ClosePeriod(c *gin.Context) {
	periodID, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := s.periods.Close(c.Request.Context(), periodID); err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, gin.H{"period_id": periodID, "status": "closed"})
}

// DeletePeriod removes a period and its generated rows.
func (s *Server) DeletePeriod(c *gin.Context) {
	periodID, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := s.periods.Delete(c.Request.Context(), periodID); err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, gin.H{"period_id": periodID, "deleted": true})
}

type generateRequest struct {
	Regenerate bool `json:"regenerate"`
}

// GeneratePeriod runs settlement generation for a period.
func (s *Server) GeneratePeriod(c *gin.Context) {
	periodID, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req generateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.abortWithError(c, service.Validationf("invalid request body: %v", err))
			return
		}
	}

	result, err := s.generation.Generate(c.Request.Context(), periodID, req.Regenerate)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, result)
}

// BackfillCommissions inserts missing commission rows for a generated period.
func (s *Server) BackfillCommissions(c *gin.Context) {
	periodID, valid := pathID(c, "id")
	if !valid {
		return
	}
	inserted, err := s.generation.GenerateCommissionsOnly(c.Request.Context(), periodID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, gin.H{"period_id": periodID, "inserted": inserted})
}

// UnlockPeriod sweeps a period for unlockable commissions.
func (s *Server) UnlockPeriod(c *gin.Context) {
	periodID, valid := pathID(c, "id")
	if !valid {
		return
	}
	total, err := s.funding.UnlockPeriod(c.Request.Context(), periodID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, gin.H{"period_id": periodID, "unlocked_coins": total})
}

// UnlockBeneficiary attempts the unlock for one beneficiary in a period.
func (s *Server) UnlockBeneficiary(c *gin.Context) {
	periodID, valid := pathID(c, "id")
	if !valid {
		return
	}
	userID, valid := pathID(c, "user_id")
	if !valid {
		return
	}
	total, err := s.funding.UnlockBeneficiary(c.Request.Context(), periodID, userID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	ok(c, gin.H{"period_id": periodID, "user_id": userID, "unlocked_coins": total})
}
