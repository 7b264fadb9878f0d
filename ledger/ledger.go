// Package ledger owns the append-only point transaction log and the derived
// balance on the user record. Every balance mutation in the platform passes
// through PostTransaction, which serializes concurrent writers per user with
// a row lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loyaltyd/audit"
	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/settings"
)

var (
	// ErrUserNotFound indicates the supplied user identifier was unknown.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrInsufficientBalance indicates a spend or expire would drive the
	// balance negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvalidType indicates an unsupported transaction type.
	ErrInvalidType = errors.New("ledger: invalid transaction type")
)

// Reference ties a transaction to the entity that triggered it.
type Reference struct {
	Kind models.ReferenceKind
	ID   uuid.UUID
}

// PostInput describes one ledger mutation.
type PostInput struct {
	UserID      uuid.UUID
	Type        models.TransactionType
	Amount      int64
	RuleID      *uuid.UUID
	Reference   *Reference
	Description string
	ExpiresAt   *time.Time
}

// Config captures the dependencies required to construct the ledger.
type Config struct {
	DB       *gorm.DB
	Settings *settings.Store
	Audit    *audit.Sink
	Logger   *slog.Logger
	Now      func() time.Time
}

// Ledger posts transactions and maintains user balances.
type Ledger struct {
	db       *gorm.DB
	settings *settings.Store
	audit    *audit.Sink
	logger   *slog.Logger
	metrics  *observability.LedgerMetrics
	now      func() time.Time
}

// New constructs a ledger backed by the provided database.
func New(cfg Config) *Ledger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		db:       cfg.DB,
		settings: cfg.Settings,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		metrics:  observability.Ledger(),
		now:      cfg.Now,
	}
}

// withUserLock runs fn against the exclusively locked user row inside one
// database transaction. All concurrent balance mutations for the same user
// serialize here; users lock independently of each other.
func (l *Ledger) withUserLock(ctx context.Context, userID uuid.UUID, fn func(tx *gorm.DB, user *models.User) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		return fn(tx, &user)
	})
}

// PostTransaction atomically appends a ledger entry and updates the user's
// balance. Spend and expire entries fail with ErrInsufficientBalance when
// they would drive the balance negative; adjust entries are exempt so that
// administrative corrections can go negative.
func (l *Ledger) PostTransaction(ctx context.Context, input PostInput) (*models.PointTransaction, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger: not configured")
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}

	var posted models.PointTransaction
	err := l.withUserLock(ctx, input.UserID, func(tx *gorm.DB, user *models.User) error {
		entry, err := l.appendEntry(tx, user, input)
		if err != nil {
			return err
		}
		posted = *entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.recordPost(ctx, input, &posted)
	return &posted, nil
}

// PostTransactionIn appends a ledger entry inside the caller's open database
// transaction. The user row is locked in that same transaction, so the entry
// commits or rolls back together with the caller's other writes.
func (l *Ledger) PostTransactionIn(ctx context.Context, tx *gorm.DB, input PostInput) (*models.PointTransaction, error) {
	if l == nil || tx == nil {
		return nil, fmt.Errorf("ledger: not configured")
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}

	var user models.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", input.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	posted, err := l.appendEntry(tx, &user, input)
	if err != nil {
		return nil, err
	}

	l.recordPost(ctx, input, posted)
	return posted, nil
}

func validateInput(input PostInput) error {
	if input.UserID == uuid.Nil {
		return fmt.Errorf("ledger: user id is required")
	}
	switch input.Type {
	case models.TransactionEarn, models.TransactionSpend, models.TransactionExpire, models.TransactionAdjust:
		return nil
	default:
		return ErrInvalidType
	}
}

// appendEntry writes the transaction row and the updated balance. The caller
// must hold the user row lock in tx.
func (l *Ledger) appendEntry(tx *gorm.DB, user *models.User, input PostInput) (*models.PointTransaction, error) {
	newBalance := user.CurrentPoints + input.Amount
	if input.Amount < 0 && newBalance < 0 && input.Type != models.TransactionAdjust {
		return nil, ErrInsufficientBalance
	}

	now := l.now()
	entry := models.PointTransaction{
		ID:           uuid.New(),
		UserID:       user.ID,
		Type:         input.Type,
		Amount:       input.Amount,
		RuleID:       input.RuleID,
		Description:  input.Description,
		BalanceAfter: newBalance,
		ExpiresAt:    input.ExpiresAt,
		CreatedAt:    now,
	}
	if input.Reference != nil {
		entry.ReferenceKind = input.Reference.Kind
		refID := input.Reference.ID
		entry.ReferenceID = &refID
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}

	user.CurrentPoints = newBalance
	user.UpdatedAt = now
	if err := tx.Save(user).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (l *Ledger) recordPost(ctx context.Context, input PostInput, posted *models.PointTransaction) {
	l.metrics.Transactions.WithLabelValues(string(input.Type)).Inc()
	l.audit.Log(ctx, nil, "ledger.transaction_posted",
		fmt.Sprintf("type=%s amount=%d balance_after=%d", input.Type, posted.Amount, posted.BalanceAfter),
		fmt.Sprintf("user=%s tx=%s", input.UserID, posted.ID))
}

// AwardPoints credits earn points to a user. Zero or negative amounts are a
// no-op. A configured daily earn cap is checked best-effort before posting;
// product serial redemptions are exempt from the cap. A capped award is
// skipped silently with a warning, not surfaced as an error.
func (l *Ledger) AwardPoints(ctx context.Context, userID uuid.UUID, points int64, ruleID *uuid.UUID, description string, reference *Reference) (*models.PointTransaction, error) {
	if points <= 0 {
		return nil, nil
	}
	skip, err := l.capSkips(ctx, userID, points, reference)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}
	return l.PostTransaction(ctx, l.earnInput(ctx, userID, points, ruleID, description, reference))
}

// AwardPointsIn is AwardPoints inside the caller's transaction. The cap check
// reads committed state outside tx and stays advisory.
func (l *Ledger) AwardPointsIn(ctx context.Context, tx *gorm.DB, userID uuid.UUID, points int64, ruleID *uuid.UUID, description string, reference *Reference) (*models.PointTransaction, error) {
	if points <= 0 {
		return nil, nil
	}
	skip, err := l.capSkips(ctx, userID, points, reference)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}
	return l.PostTransactionIn(ctx, tx, l.earnInput(ctx, userID, points, ruleID, description, reference))
}

func (l *Ledger) earnInput(ctx context.Context, userID uuid.UUID, points int64, ruleID *uuid.UUID, description string, reference *Reference) PostInput {
	return PostInput{
		UserID:      userID,
		Type:        models.TransactionEarn,
		Amount:      points,
		RuleID:      ruleID,
		Reference:   reference,
		Description: description,
		ExpiresAt:   l.expiryFor(ctx),
	}
}

// capSkips reports whether the daily earn cap swallows this award. Product
// serial redemptions are exempt.
func (l *Ledger) capSkips(ctx context.Context, userID uuid.UUID, points int64, reference *Reference) (bool, error) {
	if reference != nil && reference.Kind == models.ReferenceProductSerial {
		return false, nil
	}
	limit := l.dailyLimit(ctx)
	if limit <= 0 {
		return false, nil
	}
	earnedToday, err := l.earnedToday(ctx, userID)
	if err != nil {
		return false, err
	}
	if earnedToday+points > limit {
		l.logger.Warn("daily point limit reached, award skipped",
			slog.String("user", userID.String()),
			slog.Int64("points", points),
			slog.Int64("earned_today", earnedToday),
			slog.Int64("limit", limit))
		l.metrics.Rejections.WithLabelValues("ledger", "daily_cap").Inc()
		return true, nil
	}
	return false, nil
}

// DeductPoints debits spend points from a user. Zero or negative amounts are
// a no-op. Balance sufficiency is checked inside the locked PostTransaction
// call, not here, so there is no window between check and debit.
func (l *Ledger) DeductPoints(ctx context.Context, userID uuid.UUID, points int64, ruleID *uuid.UUID, description string, reference *Reference) (*models.PointTransaction, error) {
	if points <= 0 {
		return nil, nil
	}
	return l.PostTransaction(ctx, PostInput{
		UserID:      userID,
		Type:        models.TransactionSpend,
		Amount:      -points,
		RuleID:      ruleID,
		Reference:   reference,
		Description: description,
	})
}

// GetBalance returns the user's live balance.
func (l *Ledger) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var user models.User
	if err := l.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return user.CurrentPoints, nil
}

// History returns the user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.PointTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.PointTransaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// UsageCount returns how many transactions reference the given rule for the
// user. The rule engine uses it to enforce per-user caps.
func (l *Ledger) UsageCount(ctx context.Context, userID, ruleID uuid.UUID) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.PointTransaction{}).
		Where("user_id = ? AND rule_id = ?", userID, ruleID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ExpireTransaction consumes an earn entry whose expiry has passed. The
// posted expire amount is clamped to the live balance so the operation never
// drives the balance negative; the source entry is marked expired either way.
func (l *Ledger) ExpireTransaction(ctx context.Context, entry *models.PointTransaction) (*models.PointTransaction, error) {
	if entry == nil || entry.Type != models.TransactionEarn {
		return nil, fmt.Errorf("ledger: only earn entries expire")
	}
	if entry.ExpiredAt != nil {
		return nil, nil
	}

	var posted *models.PointTransaction
	err := l.withUserLock(ctx, entry.UserID, func(tx *gorm.DB, user *models.User) error {
		now := l.now()

		// Re-read under the lock so a concurrent sweep cannot expire twice.
		var current models.PointTransaction
		if err := tx.First(&current, "id = ?", entry.ID).Error; err != nil {
			return err
		}
		if current.ExpiredAt != nil {
			return nil
		}

		amount := current.Amount
		if amount > user.CurrentPoints {
			amount = user.CurrentPoints
		}
		if amount > 0 {
			expireEntry := models.PointTransaction{
				ID:           uuid.New(),
				UserID:       user.ID,
				Type:         models.TransactionExpire,
				Amount:       -amount,
				RuleID:       current.RuleID,
				Description:  fmt.Sprintf("points expired from %s", current.ID),
				BalanceAfter: user.CurrentPoints - amount,
				CreatedAt:    now,
			}
			if err := tx.Create(&expireEntry).Error; err != nil {
				return err
			}
			user.CurrentPoints -= amount
			user.UpdatedAt = now
			if err := tx.Save(user).Error; err != nil {
				return err
			}
			posted = &expireEntry
		}

		return tx.Model(&models.PointTransaction{}).
			Where("id = ?", current.ID).
			Update("expired_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	if posted != nil {
		l.metrics.Transactions.WithLabelValues(string(models.TransactionExpire)).Inc()
	}
	return posted, nil
}

// DueForExpiry lists earn entries whose expiry window has closed but that
// have not been consumed yet.
func (l *Ledger) DueForExpiry(ctx context.Context, asOf time.Time, limit int) ([]models.PointTransaction, error) {
	if limit <= 0 {
		limit = 500
	}
	var entries []models.PointTransaction
	err := l.db.WithContext(ctx).
		Where("type = ? AND expires_at IS NOT NULL AND expires_at <= ? AND expired_at IS NULL", models.TransactionEarn, asOf).
		Order("expires_at").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Ledger) dailyLimit(ctx context.Context) int64 {
	if l.settings == nil {
		return 0
	}
	return l.settings.GetInt64(ctx, settings.GroupPoints, settings.KeyDailyPointLimit, 0)
}

// earnedToday sums earn transactions posted since the start of the current
// UTC day. The check runs before the row lock is taken; the cap is advisory
// under concurrent awards, by contract.
func (l *Ledger) earnedToday(ctx context.Context, userID uuid.UUID) (int64, error) {
	dayStart := l.now().UTC().Truncate(24 * time.Hour)
	var total int64
	err := l.db.WithContext(ctx).
		Model(&models.PointTransaction{}).
		Where("user_id = ? AND type = ? AND created_at >= ?", userID, models.TransactionEarn, dayStart).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// expiryFor resolves the expiry timestamp for newly earned points from the
// point_expiry_days setting. Zero disables expiry.
func (l *Ledger) expiryFor(ctx context.Context) *time.Time {
	if l.settings == nil {
		return nil
	}
	days := l.settings.GetInt(ctx, settings.GroupPoints, settings.KeyPointExpiryDays, 0)
	if days <= 0 {
		return nil
	}
	expires := l.now().AddDate(0, 0, days)
	return &expires
}
