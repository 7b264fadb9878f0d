// Package club resolves club tier transitions: approving or rejecting
// join/upgrade registrations and awarding the membership bonus through the
// ledger.
package club

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/audit"
	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/rules"
)

// RuleClubRegistration is the action code awarded on approved registrations.
const RuleClubRegistration = "club_registration"

var (
	// ErrRegistrationNotFound indicates the registration id was unknown.
	ErrRegistrationNotFound = errors.New("club: registration not found")
	// ErrNotPending indicates the registration already left the pending state.
	ErrNotPending = errors.New("club: registration not pending")
	// ErrReasonRequired indicates a rejection without a reason.
	ErrReasonRequired = errors.New("club: rejection reason required")
)

// Config captures the dependencies required to construct the resolver.
type Config struct {
	DB     *gorm.DB
	Ledger *ledger.Ledger
	Rules  *rules.Engine
	Audit  *audit.Sink
	Logger *slog.Logger
	Now    func() time.Time
}

// Resolver handles club registrations and tier lookups.
type Resolver struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	rules  *rules.Engine
	audit  *audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a club resolver.
func New(cfg Config) *Resolver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		db:     cfg.DB,
		ledger: cfg.Ledger,
		rules:  cfg.Rules,
		audit:  cfg.Audit,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Approve finalises a pending registration: marks it approved, moves the
// user into the club, and awards the club_registration rule when one is
// defined. Registration, membership, and award commit as one unit; an award
// failure rolls the approval back. A cap-skipped award does not block the
// approval.
func (r *Resolver) Approve(ctx context.Context, registrationID, adminID uuid.UUID, notes string) error {
	rule, ruleErr := r.rules.ByCode(ctx, RuleClubRegistration)
	if ruleErr != nil && !errors.Is(ruleErr, rules.ErrRuleNotFound) {
		return ruleErr
	}

	var approved models.ClubRegistration
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reg models.ClubRegistration
		if err := tx.First(&reg, "id = ?", registrationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRegistrationNotFound
			}
			return err
		}
		if reg.Status != models.RegistrationPending {
			return ErrNotPending
		}

		now := r.now()
		reg.Status = models.RegistrationApproved
		if notes != "" {
			reg.Notes = notes
		}
		reg.ReviewedBy = &adminID
		reg.ReviewedAt = &now
		reg.UpdatedAt = now
		if err := tx.Save(&reg).Error; err != nil {
			return err
		}

		clubID := reg.ClubID
		if err := tx.Model(&models.User{}).
			Where("id = ?", reg.UserID).
			Updates(map[string]interface{}{"club_id": clubID, "updated_at": now}).Error; err != nil {
			return err
		}

		if ruleErr == nil && rule.Points > 0 {
			ruleID := rule.ID
			ref := ledger.Reference{Kind: models.ReferenceClubRegistration, ID: reg.ID}
			desc := fmt.Sprintf("club registration %s approved", reg.ID)
			awarded, err := r.ledger.AwardPointsIn(ctx, tx, reg.UserID, rule.Points, &ruleID, desc, &ref)
			if err != nil {
				return err
			}
			if awarded == nil {
				r.logger.Warn("club registration award skipped",
					slog.String("registration", reg.ID.String()),
					slog.String("user", reg.UserID.String()))
			}
		}

		approved = reg
		return nil
	})
	if err != nil {
		return err
	}

	r.audit.Log(ctx, &adminID, "club.registration_approved",
		fmt.Sprintf("user=%s club=%s", approved.UserID, approved.ClubID),
		fmt.Sprintf("registration=%s", approved.ID))
	return nil
}

// Reject declines a pending registration. A reason is required; the ledger
// is untouched.
func (r *Resolver) Reject(ctx context.Context, registrationID, adminID uuid.UUID, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	var reg models.ClubRegistration
	if err := r.db.WithContext(ctx).First(&reg, "id = ?", registrationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRegistrationNotFound
		}
		return err
	}
	if reg.Status != models.RegistrationPending {
		return ErrNotPending
	}

	now := r.now()
	reg.Status = models.RegistrationRejected
	reg.Notes = reason
	reg.ReviewedBy = &adminID
	reg.ReviewedAt = &now
	reg.UpdatedAt = now
	if err := r.db.WithContext(ctx).Save(&reg).Error; err != nil {
		return err
	}

	r.audit.Log(ctx, &adminID, "club.registration_rejected",
		fmt.Sprintf("user=%s club=%s reason=%s", reg.UserID, reg.ClubID, reason),
		fmt.Sprintf("registration=%s", reg.ID))
	return nil
}

// CanAutoApprove reports whether the registration may skip manual review:
// the target club does not require approval and the user's balance already
// meets its minimum.
func (r *Resolver) CanAutoApprove(ctx context.Context, reg *models.ClubRegistration) (bool, error) {
	if reg == nil {
		return false, fmt.Errorf("club: registration is required")
	}
	var target models.Club
	if err := r.db.WithContext(ctx).First(&target, "id = ?", reg.ClubID).Error; err != nil {
		return false, err
	}
	if target.UpgradeRequired {
		return false, nil
	}
	balance, err := r.ledger.GetBalance(ctx, reg.UserID)
	if err != nil {
		return false, err
	}
	return balance >= target.MinPoints, nil
}

// TierFor resolves the ranked tier whose point range covers the balance.
// Returns nil when no tier matches.
func (r *Resolver) TierFor(ctx context.Context, balance int64) (*models.Club, error) {
	var tiers []models.Club
	err := r.db.WithContext(ctx).
		Where("is_tier = ? AND is_active = ?", true, true).
		Order("min_points DESC").
		Find(&tiers).Error
	if err != nil {
		return nil, err
	}
	for i := range tiers {
		tier := &tiers[i]
		if balance < tier.MinPoints {
			continue
		}
		if tier.MaxPoints != nil && balance > *tier.MaxPoints {
			continue
		}
		return tier, nil
	}
	return nil, nil
}
