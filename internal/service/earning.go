package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"referral-settlement/internal/model"
	"referral-settlement/internal/repository"
)

// EarningService ingests the upstream data the engine settles over: daily
// earning records and the live referral graph.
type EarningService struct {
	earningRepo  *repository.EarningRepository
	referralRepo *repository.ReferralRepository
	log          zerolog.Logger
}

// NewEarningService creates a new EarningService instance.
func NewEarningService(
	earningRepo *repository.EarningRepository,
	referralRepo *repository.ReferralRepository,
	log zerolog.Logger,
) *EarningService {
	return &EarningService{
		earningRepo:  earningRepo,
		referralRepo: referralRepo,
		log:          log,
	}
}

// UpsertEarning writes one daily earning record, replacing an existing total
// for the same day.
func (s *EarningService) UpsertEarning(ctx context.Context, userID int64, statDate time.Time, coinsTotal int64, note *string) (*model.EarningRecord, error) {
	if coinsTotal < 0 {
		return nil, Validationf("coins_total must not be negative, got %d", coinsTotal)
	}
	return s.earningRepo.Upsert(ctx, &model.EarningRecord{
		UserID:     userID,
		StatDate:   statDate,
		CoinsTotal: coinsTotal,
		Note:       note,
	})
}

// ListEarnings retrieves a user's daily records, newest first.
func (s *EarningService) ListEarnings(ctx context.Context, userID int64, limit int) ([]*model.EarningRecord, error) {
	return s.earningRepo.ListByUser(ctx, userID, normalizeLimit(limit))
}

// SetReferral upserts a user's live inviter edges. Periods already generated
// keep their frozen snapshot; the change only affects future generations.
func (s *EarningService) SetReferral(ctx context.Context, userID int64, inviterL1, inviterL2 *int64) (*model.ReferralEdge, error) {
	if inviterL1 != nil && *inviterL1 == userID {
		return nil, Validationf("user %d cannot be their own inviter", userID)
	}
	if inviterL2 != nil && *inviterL2 == userID {
		return nil, Validationf("user %d cannot be their own inviter", userID)
	}
	if inviterL1 == nil && inviterL2 != nil {
		return nil, Validationf("inviter_level2 requires inviter_level1")
	}
	if inviterL1 != nil && inviterL2 != nil && *inviterL1 == *inviterL2 {
		return nil, Validationf("inviter_level1 and inviter_level2 must differ")
	}
	return s.referralRepo.Set(ctx, userID, inviterL1, inviterL2)
}

// GetReferral retrieves a user's current inviter edges, nil when none exist.
func (s *EarningService) GetReferral(ctx context.Context, userID int64) (*model.ReferralEdge, error) {
	edge, err := s.referralRepo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrReferralEdgeNotFound) {
			return nil, NotFoundf("user %d has no referral edge", userID)
		}
		return nil, err
	}
	return edge, nil
}
