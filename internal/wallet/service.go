package wallet

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/astromitra/consult/pkg/errors"
	"github.com/astromitra/consult/pkg/logger"
)

// MinimumRecharge is the smallest accepted top-up amount.
var MinimumRecharge = decimal.NewFromInt(50)

// Stats mirrors the wallet figures reported by the platform backend.
type Stats struct {
	Balance        decimal.Decimal `json:"balance"`
	TotalRecharged decimal.Decimal `json:"total_recharged"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
}

// StatsFetcher retrieves the current wallet stats from the backend.
type StatsFetcher interface {
	WalletStats(ctx context.Context) (*Stats, error)
}

// Check is the result of a pre-session balance verification.
type Check struct {
	OK             bool
	Balance        decimal.Decimal
	Required       decimal.Decimal
	Shortfall      decimal.Decimal
	ReserveMinutes int
}

// Service verifies that the wallet can cover the minimum billable reserve
// before a consultation request leaves the device.
type Service struct {
	fetcher        StatsFetcher
	reserveMinutes int
	log            *zap.Logger
}

// NewService builds a wallet service enforcing the given reserve in minutes.
func NewService(fetcher StatsFetcher, reserveMinutes int) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("wallet: fetcher is required")
	}
	if reserveMinutes <= 0 {
		return nil, errors.New("wallet: reserveMinutes must be positive")
	}

	return &Service{
		fetcher:        fetcher,
		reserveMinutes: reserveMinutes,
		log:            logger.WithModule("wallet"),
	}, nil
}

// CheckBalance fetches fresh stats and verifies the balance covers
// reserveMinutes at the given per-minute rate.
func (s *Service) CheckBalance(ctx context.Context, ratePerMinute decimal.Decimal) (*Check, error) {
	stats, err := s.fetcher.WalletStats(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "wallet: fetch stats")
	}

	required := ratePerMinute.Mul(decimal.NewFromInt(int64(s.reserveMinutes)))
	check := &Check{
		Balance:        stats.Balance,
		Required:       required,
		ReserveMinutes: s.reserveMinutes,
	}

	if stats.Balance.GreaterThanOrEqual(required) {
		check.OK = true
		return check, nil
	}

	check.Shortfall = required.Sub(stats.Balance)
	s.log.Debug("balance below reserve",
		zap.String("balance", stats.Balance.String()),
		zap.String("required", required.String()))
	return check, nil
}

// Require behaves like CheckBalance but converts a failed check into
// ErrInsufficientBalance for callers that want a single error path.
func (s *Service) Require(ctx context.Context, ratePerMinute decimal.Decimal) (*Check, error) {
	check, err := s.CheckBalance(ctx, ratePerMinute)
	if err != nil {
		return nil, err
	}
	if !check.OK {
		return check, apperrors.ErrInsufficientBalance
	}
	return check, nil
}

// Bonus describes the promotional credit attached to a recharge amount.
type Bonus struct {
	Percentage int
	Amount     decimal.Decimal
}

var bonusTiers = []struct {
	threshold  int64
	percentage int
}{
	{50000, 20},
	{20000, 15},
	{15000, 15},
	{8000, 12},
	{4000, 12},
	{1000, 10},
	{50, 100},
}

// BonusFor returns the recharge bonus earned by topping up the given amount.
// Amounts below the minimum recharge earn nothing.
func BonusFor(amount decimal.Decimal) Bonus {
	for _, tier := range bonusTiers {
		if amount.GreaterThanOrEqual(decimal.NewFromInt(tier.threshold)) {
			pct := decimal.NewFromInt(int64(tier.percentage)).Div(decimal.NewFromInt(100))
			return Bonus{
				Percentage: tier.percentage,
				Amount:     amount.Mul(pct),
			}
		}
	}
	return Bonus{Amount: decimal.Zero}
}
