// Package settings provides grouped key-value system configuration backed by
// the settings table. Missing keys fall back to caller-supplied defaults so
// the engines stay usable on an empty database.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
)

// Setting groups used by the gamification engines.
const (
	GroupPoints   = "points"
	GroupReferral = "referral"
)

// Well-known setting keys.
const (
	KeyPointExpiryDays     = "point_expiry_days"
	KeyDailyPointLimit     = "daily_point_limit"
	KeyReferralLevels      = "referral_levels"
	KeyMinCommissionPayout = "min_commission_payout"
	KeyMaxDailyReferrals   = "max_daily_referrals"
)

// Store reads system settings.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a settings store backed by the provided database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetValue returns the raw value for group/key, or def when the key is absent.
func (s *Store) GetValue(ctx context.Context, group, key, def string) string {
	if s == nil || s.db == nil {
		return def
	}
	var setting models.Setting
	err := s.db.WithContext(ctx).
		First(&setting, "setting_group = ? AND setting_key = ?", group, key).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			// Lookup failures degrade to the default rather than blocking
			// the calling engine.
			return def
		}
		return def
	}
	value := strings.TrimSpace(setting.Value)
	if value == "" {
		return def
	}
	return value
}

// GetInt returns the integer value for group/key, or def when absent or
// malformed.
func (s *Store) GetInt(ctx context.Context, group, key string, def int) int {
	raw := s.GetValue(ctx, group, key, "")
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}

// GetInt64 returns the 64-bit integer value for group/key, or def.
func (s *Store) GetInt64(ctx context.Context, group, key string, def int64) int64 {
	raw := s.GetValue(ctx, group, key, "")
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// CommissionRates returns the per-level referral commission points keyed by
// cascade depth. Levels without a configured rate are omitted.
func (s *Store) CommissionRates(ctx context.Context, maxLevels int) map[int]int64 {
	rates := make(map[int]int64, maxLevels)
	for level := 1; level <= maxLevels; level++ {
		key := fmt.Sprintf("level_%d", level)
		raw := s.GetValue(ctx, GroupReferral, key, "")
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		rates[level] = parsed
	}
	return rates
}

// Put upserts a setting value. Intended for administration and tests.
func (s *Store) Put(ctx context.Context, group, key, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settings: store not configured")
	}
	var existing models.Setting
	err := s.db.WithContext(ctx).
		First(&existing, "setting_group = ? AND setting_key = ?", group, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&models.Setting{
			ID:    uuid.New(),
			Group: group,
			Key:   key,
			Value: value,
		}).Error
	}
	if err != nil {
		return err
	}
	existing.Value = value
	return s.db.WithContext(ctx).Save(&existing).Error
}
