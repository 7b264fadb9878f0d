// Package wheel implements the lucky wheel: a weighted-random prize draw
// funded by spending points through the ledger.
package wheel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/audit"
	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/observability"
)

// ErrWheelNotFound indicates the wheel id was unknown or inactive.
var ErrWheelNotFound = errors.New("wheel: wheel not found")

// Config captures the dependencies required to construct the engine.
type Config struct {
	DB     *gorm.DB
	Ledger *ledger.Ledger
	Audit  *audit.Sink
	Logger *slog.Logger
	Rand   *rand.Rand
	Now    func() time.Time
}

// Engine draws prizes and records spins.
type Engine struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	audit   *audit.Sink
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	rng     *rand.Rand
	now     func() time.Time
}

// New constructs a wheel engine. Tests pass a seeded Rand for reproducible
// draws; production uses a time-seeded source.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		db:      cfg.DB,
		ledger:  cfg.Ledger,
		audit:   cfg.Audit,
		logger:  cfg.Logger,
		metrics: observability.Ledger(),
		rng:     cfg.Rand,
		now:     cfg.Now,
	}
}

// Draw performs the weighted selection over the prize list in its given
// order: a uniform roll in [1, total weight], then a cumulative walk to the
// first prize covering the roll. Returns nil when no prize carries weight.
// Deterministic for a fixed ordering and a seeded Rand.
func Draw(prizes []models.LuckyWheelPrize, rng *rand.Rand) *models.LuckyWheelPrize {
	var total int
	for _, prize := range prizes {
		if prize.Probability > 0 {
			total += prize.Probability
		}
	}
	if total <= 0 {
		return nil
	}
	roll := rng.Intn(total) + 1
	var cumulative int
	for i := range prizes {
		if prizes[i].Probability <= 0 {
			continue
		}
		cumulative += prizes[i].Probability
		if cumulative >= roll {
			return &prizes[i]
		}
	}
	return nil
}

// SpinForUser runs one paid spin: the cost is debited first so an
// insufficient balance blocks the attempt before any prize is drawn, then a
// prize is selected, the spin is recorded, finite stock is decremented, and
// point prizes are credited. Retry prizes refund the spin cost.
func (e *Engine) SpinForUser(ctx context.Context, wheelID, userID uuid.UUID) (*models.LuckyWheelSpin, error) {
	var wheel models.LuckyWheel
	err := e.db.WithContext(ctx).First(&wheel, "id = ? AND is_active = ?", wheelID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWheelNotFound
		}
		return nil, err
	}

	prizes, err := e.eligiblePrizes(ctx, wheel.ID)
	if err != nil {
		return nil, err
	}
	if len(prizes) == 0 {
		// Not an error: the wheel simply cannot be spun right now.
		e.logger.Warn("wheel has no eligible prizes", slog.String("wheel", wheel.Name))
		e.metrics.WheelSpins.WithLabelValues("no_prizes").Inc()
		return nil, nil
	}

	if wheel.CostPerSpin > 0 {
		ref := ledger.Reference{Kind: models.ReferenceManual, ID: wheel.ID}
		desc := fmt.Sprintf("lucky wheel %s spin", wheel.Name)
		if _, err := e.ledger.DeductPoints(ctx, userID, wheel.CostPerSpin, nil, desc, &ref); err != nil {
			return nil, err
		}
	}

	prize := Draw(prizes, e.rng)
	spin := models.LuckyWheelSpin{
		ID:        uuid.New(),
		WheelID:   wheel.ID,
		UserID:    userID,
		CostPaid:  wheel.CostPerSpin,
		CreatedAt: e.now(),
	}
	if prize != nil {
		prizeID := prize.ID
		spin.PrizeID = &prizeID
		spin.IsWin = prize.Type != models.PrizeEmpty
	}
	if err := e.db.WithContext(ctx).Create(&spin).Error; err != nil {
		return nil, err
	}

	if prize != nil {
		if err := e.settlePrize(ctx, &wheel, prize, userID, spin.ID); err != nil {
			return nil, err
		}
	}

	outcome := "lose"
	if spin.IsWin {
		outcome = "win"
	}
	e.metrics.WheelSpins.WithLabelValues(outcome).Inc()
	e.audit.Log(ctx, nil, "wheel.spun",
		fmt.Sprintf("wheel=%s user=%s win=%t", wheel.Name, userID, spin.IsWin),
		fmt.Sprintf("spin=%s", spin.ID))
	return &spin, nil
}

// eligiblePrizes loads the active prize list for the wheel, in stored order,
// keeping only prizes whose stock is unlimited or positive.
func (e *Engine) eligiblePrizes(ctx context.Context, wheelID uuid.UUID) ([]models.LuckyWheelPrize, error) {
	var prizes []models.LuckyWheelPrize
	err := e.db.WithContext(ctx).
		Where("wheel_id = ? AND is_active = ? AND (stock IS NULL OR stock > 0)", wheelID, true).
		Order("position").
		Find(&prizes).Error
	if err != nil {
		return nil, err
	}
	return prizes, nil
}

func (e *Engine) settlePrize(ctx context.Context, wheel *models.LuckyWheel, prize *models.LuckyWheelPrize, userID, spinID uuid.UUID) error {
	if prize.Stock != nil {
		if err := e.db.WithContext(ctx).
			Model(&models.LuckyWheelPrize{}).
			Where("id = ? AND stock > 0", prize.ID).
			Update("stock", gorm.Expr("stock - 1")).Error; err != nil {
			return err
		}
	}

	switch prize.Type {
	case models.PrizePoints:
		if prize.Points > 0 {
			ref := ledger.Reference{Kind: models.ReferenceManual, ID: spinID}
			desc := fmt.Sprintf("lucky wheel prize %s", prize.Label)
			if _, err := e.ledger.AwardPoints(ctx, userID, prize.Points, nil, desc, &ref); err != nil {
				return err
			}
		}
	case models.PrizeRetry:
		// The refund returns points the user already held, so it is posted
		// as an adjustment: no daily earn cap, no expiry stamp.
		if wheel.CostPerSpin > 0 {
			ref := ledger.Reference{Kind: models.ReferenceManual, ID: spinID}
			if _, err := e.ledger.PostTransaction(ctx, ledger.PostInput{
				UserID:      userID,
				Type:        models.TransactionAdjust,
				Amount:      wheel.CostPerSpin,
				Reference:   &ref,
				Description: fmt.Sprintf("lucky wheel %s retry refund", wheel.Name),
			}); err != nil {
				return err
			}
		}
	case models.PrizeItem, models.PrizeEmpty:
		// Item fulfilment happens outside the points economy; empty prizes
		// settle nothing.
	}
	return nil
}
