// Package handler exposes the settlement engine over HTTP.
package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"referral-settlement/internal/pkg/db"
	"referral-settlement/internal/pkg/metrics"
	"referral-settlement/internal/service"
)

// Server wires the HTTP routes to the settlement services.
type Server struct {
	pool       *db.Pool
	periods    *service.PeriodService
	generation *service.GenerationService
	payments   *service.PaymentService
	funding    *service.FundingService
	bans       *service.BanReportService
	wallets    *service.WalletService
	earnings   *service.EarningService
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// New creates a new Server instance.
func New(
	pool *db.Pool,
	periods *service.PeriodService,
	generation *service.GenerationService,
	payments *service.PaymentService,
	funding *service.FundingService,
	bans *service.BanReportService,
	wallets *service.WalletService,
	earnings *service.EarningService,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		pool:       pool,
		periods:    periods,
		generation: generation,
		payments:   payments,
		funding:    funding,
		bans:       bans,
		wallets:    wallets,
		earnings:   earnings,
		metrics:    m,
		log:        log,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(s.metrics.Middleware())

	r.GET("/healthz", s.Health)
	r.GET("/metrics", s.metrics.Handler())

	api := r.Group("/api/settlement")

	user := api.Group("")
	user.Use(s.requireUser())
	{
		user.GET("/me", s.MySettlement)
		user.GET("/periods", s.ListPeriods)
		user.GET("/periods/:id", s.GetPeriod)
		user.POST("/payments", s.SubmitPayment)
		user.GET("/payments", s.ListMyPayments)
		user.GET("/wallet", s.WalletBalance)
		user.GET("/wallet/ledger", s.WalletLedger)
		user.POST("/withdrawals", s.RequestWithdraw)
		user.GET("/withdrawals", s.ListMyWithdrawals)
		user.GET("/earnings", s.ListMyEarnings)
		user.POST("/ban-reports", s.SubmitBanReport)
		user.GET("/ban-reports", s.ListMyBanReports)
	}

	admin := api.Group("/admin")
	admin.Use(s.requireAdmin())
	{
		admin.POST("/periods", s.CreatePeriod)
		admin.GET("/periods", s.ListPeriods)
		admin.POST("/periods/:id/activate", s.ActivatePeriod)
		admin.POST("/periods/:id/close", s.ClosePeriod)
		admin.DELETE("/periods/:id", s.DeletePeriod)
		admin.POST("/periods/:id/generate", s.GeneratePeriod)
		admin.POST("/periods/:id/commissions", s.BackfillCommissions)
		admin.POST("/periods/:id/unlock", s.UnlockPeriod)
		admin.POST("/periods/:id/unlock/:user_id", s.UnlockBeneficiary)

		admin.GET("/payments", s.ListPayments)
		admin.POST("/payments/:id/confirm", s.ConfirmPayment)
		admin.POST("/payments/:id/reject", s.RejectPayment)

		admin.GET("/ban-reports", s.ListBanReports)
		admin.POST("/ban-reports/:id/review", s.ReviewBanReport)
		admin.POST("/ban-reports/:id/apply", s.ApplyBanReport)

		admin.GET("/withdrawals", s.ListWithdrawals)
		admin.POST("/withdrawals/:id/review", s.ReviewWithdraw)

		admin.PUT("/earnings", s.UpsertEarning)
		admin.GET("/users/:user_id/earnings", s.ListUserEarnings)
		admin.PUT("/referrals/:user_id", s.SetReferral)
		admin.GET("/referrals/:user_id", s.GetReferral)
	}

	return r
}

// Health reports liveness and database reachability.
func (s *Server) Health(c *gin.Context) {
	if err := s.pool.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(503, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"status": "ok"})
}
