// Package referral maintains the referrer->referred edge graph, cascades new
// referrals to ancestor referrers, and pays commissions through the ledger
// when edges activate.
package referral

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
	"loyaltyd/observability"
	"loyaltyd/settings"
)

// DefaultLevels caps the ancestor cascade when referral_levels is unset.
const DefaultLevels = 3

var (
	// ErrEdgeNotFound indicates the referral edge was unknown.
	ErrEdgeNotFound = errors.New("referral: edge not found")
	// ErrProfileIncomplete indicates the referred user cannot activate yet.
	ErrProfileIncomplete = errors.New("referral: referred profile incomplete")
	// ErrNotPending indicates the edge already left the pending state.
	ErrNotPending = errors.New("referral: edge not pending")
)

// Config captures the dependencies required to construct the graph.
type Config struct {
	DB       *gorm.DB
	Ledger   *ledger.Ledger
	Settings *settings.Store
	Audit    *audit.Sink
	Logger   *slog.Logger
	Now      func() time.Time
}

// Graph manages referral edges and commissions.
type Graph struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	settings *settings.Store
	audit    *audit.Sink
	logger   *slog.Logger
	metrics  *observability.LedgerMetrics
	now      func() time.Time
}

// New constructs a referral graph.
func New(cfg Config) *Graph {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Graph{
		db:       cfg.DB,
		ledger:   cfg.Ledger,
		settings: cfg.Settings,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		metrics:  observability.Ledger(),
		now:      cfg.Now,
	}
}

// CreateReferral records that referrer referred the new user and cascades
// edges up the referrer's own ancestor chain, bounded by referral_levels.
// Self-referrals and users that already have a parent return nil without
// error; a duplicate-edge race collapses to the same no-op via the
// (referred, level) uniqueness constraint.
func (g *Graph) CreateReferral(ctx context.Context, referrerID, referredID uuid.UUID) (*models.ReferralNetwork, error) {
	if referrerID == uuid.Nil || referredID == uuid.Nil {
		return nil, fmt.Errorf("referral: referrer and referred ids are required")
	}
	if referrerID == referredID {
		g.logger.Warn("self referral rejected", slog.String("user", referrerID.String()))
		g.metrics.Rejections.WithLabelValues("referral", "self_referral").Inc()
		return nil, nil
	}

	var existing models.ReferralNetwork
	err := g.db.WithContext(ctx).First(&existing, "referred_id = ? AND level = 1", referredID).Error
	if err == nil {
		g.metrics.Rejections.WithLabelValues("referral", "already_referred").Inc()
		return nil, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if limit := g.maxDailyReferrals(ctx); limit > 0 {
		createdToday, err := g.referralsToday(ctx, referrerID)
		if err != nil {
			return nil, err
		}
		if createdToday >= limit {
			g.logger.Warn("daily referral limit reached",
				slog.String("referrer", referrerID.String()),
				slog.Int64("limit", limit))
			g.metrics.Rejections.WithLabelValues("referral", "daily_limit").Inc()
			return nil, nil
		}
	}

	now := g.now()
	edge := models.ReferralNetwork{
		ID:         uuid.New(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Level:      1,
		Status:     models.ReferralPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.db.WithContext(ctx).Create(&edge).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race to another writer; the first edge stands.
			return nil, nil
		}
		return nil, err
	}

	g.cascadeAncestors(ctx, referrerID, referredID)

	g.audit.Log(ctx, nil, "referral.created",
		fmt.Sprintf("referrer=%s referred=%s", referrerID, referredID),
		fmt.Sprintf("edge=%s", edge.ID))
	return &edge, nil
}

// cascadeAncestors creates the level-2..N edges mirroring the referrer's own
// ancestor chain. The walk is iterative and terminates at the configured
// depth or at the first ancestor without a parent. Cascade failures are
// logged but do not undo the level-1 edge.
func (g *Graph) cascadeAncestors(ctx context.Context, referrerID, referredID uuid.UUID) {
	maxLevels := g.levels(ctx)
	current := referrerID
	now := g.now()
	for level := 2; level <= maxLevels; level++ {
		var parent models.ReferralNetwork
		err := g.db.WithContext(ctx).First(&parent, "referred_id = ? AND level = 1", current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return
		}
		if err != nil {
			g.logger.Warn("referral cascade aborted",
				slog.Int("level", level),
				slog.String("error", err.Error()))
			return
		}

		edge := models.ReferralNetwork{
			ID:         uuid.New(),
			ReferrerID: parent.ReferrerID,
			ReferredID: referredID,
			Level:      level,
			Status:     models.ReferralPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := g.db.WithContext(ctx).Create(&edge).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			g.logger.Warn("referral cascade edge not created",
				slog.Int("level", level),
				slog.String("error", err.Error()))
			return
		}
		current = parent.ReferrerID
	}
}

// Activate marks a pending edge active and pays its commission. Activation
// requires the referred user's profile to be complete. Commission creation is
// idempotent per (edge, level); a zero or negative configured rate creates
// nothing.
func (g *Graph) Activate(ctx context.Context, edgeID uuid.UUID) error {
	var edge models.ReferralNetwork
	if err := g.db.WithContext(ctx).First(&edge, "id = ?", edgeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEdgeNotFound
		}
		return err
	}
	if edge.Status != models.ReferralPending {
		return ErrNotPending
	}

	var referred models.User
	if err := g.db.WithContext(ctx).First(&referred, "id = ?", edge.ReferredID).Error; err != nil {
		return err
	}
	if !referred.ProfileComplete {
		return ErrProfileIncomplete
	}

	now := g.now()
	edge.Status = models.ReferralActive
	edge.ActivatedAt = &now
	edge.UpdatedAt = now
	if err := g.db.WithContext(ctx).Save(&edge).Error; err != nil {
		return err
	}

	commission, err := g.createCommission(ctx, &edge)
	if err != nil {
		return err
	}
	if commission != nil {
		ref := ledger.Reference{Kind: models.ReferenceReferralCommission, ID: commission.ID}
		desc := fmt.Sprintf("referral commission level %d", edge.Level)
		if _, err := g.ledger.AwardPoints(ctx, edge.ReferrerID, commission.EarnedPoints, nil, desc, &ref); err != nil {
			return err
		}
		g.metrics.Commissions.Inc()
	}

	g.audit.Log(ctx, nil, "referral.activated",
		fmt.Sprintf("referrer=%s referred=%s level=%d", edge.ReferrerID, edge.ReferredID, edge.Level),
		fmt.Sprintf("edge=%s", edge.ID))
	return nil
}

// createCommission records the payout row for the edge at its level. The
// (network, level) uniqueness constraint guards double activation.
func (g *Graph) createCommission(ctx context.Context, edge *models.ReferralNetwork) (*models.ReferralCommission, error) {
	rates := g.settings.CommissionRates(ctx, g.levels(ctx))
	rate := rates[edge.Level]
	if rate <= 0 {
		return nil, nil
	}

	var existing models.ReferralCommission
	err := g.db.WithContext(ctx).First(&existing, "network_id = ? AND level = ?", edge.ID, edge.Level).Error
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	commission := models.ReferralCommission{
		ID:              uuid.New(),
		NetworkID:       edge.ID,
		Level:           edge.Level,
		CommissionType:  models.CommissionFixed,
		CommissionValue: rate,
		EarnedPoints:    rate,
		CreatedAt:       g.now(),
	}
	if err := g.db.WithContext(ctx).Create(&commission).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil
		}
		return nil, err
	}
	return &commission, nil
}

// Reject marks a pending edge rejected. No ledger effect.
func (g *Graph) Reject(ctx context.Context, edgeID uuid.UUID, reason string) error {
	var edge models.ReferralNetwork
	if err := g.db.WithContext(ctx).First(&edge, "id = ?", edgeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEdgeNotFound
		}
		return err
	}
	if edge.Status != models.ReferralPending {
		return ErrNotPending
	}
	edge.Status = models.ReferralRejected
	edge.UpdatedAt = g.now()
	if err := g.db.WithContext(ctx).Save(&edge).Error; err != nil {
		return err
	}
	g.audit.Log(ctx, nil, "referral.rejected",
		fmt.Sprintf("referrer=%s referred=%s reason=%s", edge.ReferrerID, edge.ReferredID, reason),
		fmt.Sprintf("edge=%s", edge.ID))
	return nil
}

// IsPayable reports whether a commission qualifies for payout: the edge is
// active, the referrer is active, and the amount meets the configured
// minimum.
func (g *Graph) IsPayable(ctx context.Context, commission *models.ReferralCommission) bool {
	if commission == nil {
		return false
	}
	var edge models.ReferralNetwork
	if err := g.db.WithContext(ctx).First(&edge, "id = ?", commission.NetworkID).Error; err != nil {
		return false
	}
	if edge.Status != models.ReferralActive {
		return false
	}
	var referrer models.User
	if err := g.db.WithContext(ctx).First(&referrer, "id = ?", edge.ReferrerID).Error; err != nil {
		return false
	}
	if !referrer.IsActive {
		return false
	}
	minPayout := g.settings.GetInt64(ctx, settings.GroupReferral, settings.KeyMinCommissionPayout, 0)
	return commission.EarnedPoints >= minPayout
}

// Network returns the edges where the user is the referrer, direct first.
func (g *Graph) Network(ctx context.Context, userID uuid.UUID) ([]models.ReferralNetwork, error) {
	var edges []models.ReferralNetwork
	err := g.db.WithContext(ctx).
		Where("referrer_id = ?", userID).
		Order("level, created_at").
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// Stats summarises a referrer's network.
type Stats struct {
	TotalReferrals  int64
	ActiveReferrals int64
	ByLevel         map[int]int64
	EarnedPoints    int64
}

// StatsFor aggregates referral counts and commission earnings for a user.
func (g *Graph) StatsFor(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	edges, err := g.Network(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByLevel: make(map[int]int64)}
	for _, edge := range edges {
		stats.TotalReferrals++
		stats.ByLevel[edge.Level]++
		if edge.Status == models.ReferralActive {
			stats.ActiveReferrals++
		}
	}

	var earned int64
	err = g.db.WithContext(ctx).
		Model(&models.ReferralCommission{}).
		Joins("JOIN referral_networks ON referral_networks.id = referral_commissions.network_id").
		Where("referral_networks.referrer_id = ?", userID).
		Select("COALESCE(SUM(referral_commissions.earned_points), 0)").
		Scan(&earned).Error
	if err != nil {
		return nil, err
	}
	stats.EarnedPoints = earned
	return stats, nil
}

func (g *Graph) levels(ctx context.Context) int {
	levels := g.settings.GetInt(ctx, settings.GroupReferral, settings.KeyReferralLevels, DefaultLevels)
	if levels < 1 {
		return 1
	}
	return levels
}

func (g *Graph) maxDailyReferrals(ctx context.Context) int64 {
	return g.settings.GetInt64(ctx, settings.GroupReferral, settings.KeyMaxDailyReferrals, 0)
}

func (g *Graph) referralsToday(ctx context.Context, referrerID uuid.UUID) (int64, error) {
	dayStart := g.now().UTC().Truncate(24 * time.Hour)
	var count int64
	err := g.db.WithContext(ctx).
		Model(&models.ReferralNetwork{}).
		Where("referrer_id = ? AND level = 1 AND created_at >= ?", referrerID, dayStart).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
