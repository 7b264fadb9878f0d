package wheel

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/settings"
)

func setupWheelTest(t *testing.T, rng *rand.Rand) (*gorm.DB, *Engine) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	led := ledger.New(ledger.Config{DB: db, Settings: settings.NewStore(db)})
	return db, New(Config{DB: db, Ledger: led, Rand: rng})
}

func createSpinner(t *testing.T, db *gorm.DB, points int64) uuid.UUID {
	t.Helper()
	user := models.User{
		ID:            uuid.New(),
		Email:         uuid.NewString() + "@example.com",
		CurrentPoints: points,
		IsActive:      true,
	}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func createWheel(t *testing.T, db *gorm.DB, cost int64, prizes []models.LuckyWheelPrize) uuid.UUID {
	t.Helper()
	wheel := models.LuckyWheel{
		ID:          uuid.New(),
		Name:        "wheel-" + uuid.NewString(),
		CostPerSpin: cost,
		IsActive:    true,
	}
	require.NoError(t, db.Create(&wheel).Error)
	for i := range prizes {
		prizes[i].ID = uuid.New()
		prizes[i].WheelID = wheel.ID
		prizes[i].Position = i
		prizes[i].IsActive = true
		require.NoError(t, db.Create(&prizes[i]).Error)
	}
	return wheel.ID
}

func TestDrawFrequenciesMatchWeights(t *testing.T) {
	prizes := []models.LuckyWheelPrize{
		{ID: uuid.New(), Label: "jackpot", Probability: 10},
		{ID: uuid.New(), Label: "small", Probability: 20},
		{ID: uuid.New(), Label: "nothing", Probability: 70},
	}
	rng := rand.New(rand.NewSource(1))

	const draws = 100000
	counts := make(map[uuid.UUID]int, len(prizes))
	for i := 0; i < draws; i++ {
		prize := Draw(prizes, rng)
		require.NotNil(t, prize)
		counts[prize.ID]++
	}

	for _, prize := range prizes {
		got := float64(counts[prize.ID]) / draws
		want := float64(prize.Probability) / 100
		require.LessOrEqual(t, math.Abs(got-want), 0.01,
			"prize %s: frequency %.4f too far from weight %.2f", prize.Label, got, want)
	}
}

func TestDrawSkipsZeroWeight(t *testing.T) {
	prizes := []models.LuckyWheelPrize{
		{ID: uuid.New(), Label: "disabled", Probability: 0},
		{ID: uuid.New(), Label: "only", Probability: 5},
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		prize := Draw(prizes, rng)
		require.NotNil(t, prize)
		require.Equal(t, "only", prize.Label)
	}
}

func TestDrawNoWeightedPrizes(t *testing.T) {
	prizes := []models.LuckyWheelPrize{{ID: uuid.New(), Probability: 0}}
	require.Nil(t, Draw(prizes, rand.New(rand.NewSource(7))))
	require.Nil(t, Draw(nil, rand.New(rand.NewSource(7))))
}

func TestSpinDebitsCostAndRecords(t *testing.T) {
	db, engine := setupWheelTest(t, rand.New(rand.NewSource(3)))
	ctx := context.Background()

	userID := createSpinner(t, db, 100)
	wheelID := createWheel(t, db, 50, []models.LuckyWheelPrize{
		{Label: "consolation", Type: models.PrizeEmpty, Probability: 100},
	})

	spin, err := engine.SpinForUser(ctx, wheelID, userID)
	require.NoError(t, err)
	require.NotNil(t, spin)
	require.Equal(t, int64(50), spin.CostPaid)
	require.False(t, spin.IsWin)

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", userID).Error)
	require.Equal(t, int64(50), user.CurrentPoints)
}

func TestSpinBlockedOnInsufficientBalance(t *testing.T) {
	db, engine := setupWheelTest(t, rand.New(rand.NewSource(3)))
	ctx := context.Background()

	userID := createSpinner(t, db, 10)
	wheelID := createWheel(t, db, 50, []models.LuckyWheelPrize{
		{Label: "points", Type: models.PrizePoints, Points: 500, Probability: 100},
	})

	_, err := engine.SpinForUser(ctx, wheelID, userID)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var spins int64
	require.NoError(t, db.Model(&models.LuckyWheelSpin{}).Count(&spins).Error)
	require.Zero(t, spins)

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", userID).Error)
	require.Equal(t, int64(10), user.CurrentPoints)
}

func TestSpinCreditsPointPrize(t *testing.T) {
	db, engine := setupWheelTest(t, rand.New(rand.NewSource(3)))
	ctx := context.Background()

	userID := createSpinner(t, db, 100)
	wheelID := createWheel(t, db, 20, []models.LuckyWheelPrize{
		{Label: "bonus", Type: models.PrizePoints, Points: 75, Probability: 100},
	})

	spin, err := engine.SpinForUser(ctx, wheelID, userID)
	require.NoError(t, err)
	require.NotNil(t, spin)
	require.True(t, spin.IsWin)

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", userID).Error)
	// 100 - 20 cost + 75 prize.
	require.Equal(t, int64(155), user.CurrentPoints)
}

func TestSpinDecrementsStockUntilExhausted(t *testing.T) {
	db, engine := setupWheelTest(t, rand.New(rand.NewSource(3)))
	ctx := context.Background()

	userID := createSpinner(t, db, 1000)
	stock := 1
	wheelID := createWheel(t, db, 10, []models.LuckyWheelPrize{
		{Label: "limited", Type: models.PrizePoints, Points: 5, Probability: 100, Stock: &stock},
	})

	spin, err := engine.SpinForUser(ctx, wheelID, userID)
	require.NoError(t, err)
	require.NotNil(t, spin)

	var prize models.LuckyWheelPrize
	require.NoError(t, db.First(&prize, "wheel_id = ?", wheelID).Error)
	require.NotNil(t, prize.Stock)
	require.Zero(t, *prize.Stock)

	// Out of stock means out of prizes, so the next attempt is a no-op.
	second, err := engine.SpinForUser(ctx, wheelID, userID)
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestRetryPrizeRefundsCost(t *testing.T) {
	db, engine := setupWheelTest(t, rand.New(rand.NewSource(3)))
	ctx := context.Background()

	userID := createSpinner(t, db, 100)
	wheelID := createWheel(t, db, 30, []models.LuckyWheelPrize{
		{Label: "spin again", Type: models.PrizeRetry, Probability: 100},
	})

	spin, err := engine.SpinForUser(ctx, wheelID, userID)
	require.NoError(t, err)
	require.NotNil(t, spin)
	require.True(t, spin.IsWin)

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", userID).Error)
	require.Equal(t, int64(100), user.CurrentPoints)
}

func TestRetryRefundBypassesDailyCap(t *testing.T) {
	db, engine := setupWheelTest(t, rand.New(rand.NewSource(3)))
	ctx := context.Background()

	// A cap below the spin cost must not swallow the refund.
	store := settings.NewStore(db)
	require.NoError(t, store.Put(ctx, settings.GroupPoints, settings.KeyDailyPointLimit, "10"))

	userID := createSpinner(t, db, 100)
	wheelID := createWheel(t, db, 30, []models.LuckyWheelPrize{
		{Label: "spin again", Type: models.PrizeRetry, Probability: 100},
	})

	spin, err := engine.SpinForUser(ctx, wheelID, userID)
	require.NoError(t, err)
	require.NotNil(t, spin)

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", userID).Error)
	require.Equal(t, int64(100), user.CurrentPoints)

	var refund models.PointTransaction
	require.NoError(t, db.First(&refund, "user_id = ? AND type = ?", userID, models.TransactionAdjust).Error)
	require.Equal(t, int64(30), refund.Amount)
}

func TestSpinUnknownWheel(t *testing.T) {
	db, engine := setupWheelTest(t, rand.New(rand.NewSource(3)))
	userID := createSpinner(t, db, 100)

	_, err := engine.SpinForUser(context.Background(), uuid.New(), userID)
	require.ErrorIs(t, err, ErrWheelNotFound)
}
