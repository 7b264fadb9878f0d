// Package rules evaluates point rule eligibility and applies rules to users
// through the ledger. Rejections are normal business outcomes carried as
// reason strings, not errors.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/observability"
)

// ErrRuleNotFound indicates the supplied action code was unknown.
var ErrRuleNotFound = errors.New("rules: rule not found")

// Context carries the event data a conditional rule is evaluated against.
type Context struct {
	Score    *float64
	Duration *float64
	Event    string
}

// Config captures the dependencies required to construct the engine.
type Config struct {
	DB     *gorm.DB
	Ledger *ledger.Ledger
	Logger *slog.Logger
	Now    func() time.Time
}

// Engine decides whether rules apply and posts the resulting transactions.
type Engine struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	now     func() time.Time
}

// New constructs a rule engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		db:      cfg.DB,
		ledger:  cfg.Ledger,
		logger:  cfg.Logger,
		metrics: observability.Ledger(),
		now:     cfg.Now,
	}
}

// rejection pairs a bounded code used for metric labels with the verbose
// detail surfaced to callers and logs.
type rejection struct {
	code   string
	detail string
}

func (e *Engine) evaluate(ctx context.Context, rule *models.PointRule, userID uuid.UUID, evalCtx Context) *rejection {
	if rule == nil {
		return &rejection{"rule_missing", "rule missing"}
	}
	if !rule.IsActive {
		return &rejection{"inactive", "rule inactive"}
	}
	now := e.now()
	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return &rejection{"not_yet_valid", "rule not yet valid"}
	}
	if rule.ValidTo != nil && now.After(*rule.ValidTo) {
		return &rejection{"window_expired", "rule validity expired"}
	}

	if rule.MaxPerUser != nil {
		used, err := e.ledger.UsageCount(ctx, userID, rule.ID)
		if err != nil {
			return &rejection{"usage_lookup_failed", fmt.Sprintf("usage lookup failed: %v", err)}
		}
		if used >= int64(*rule.MaxPerUser) {
			return &rejection{"usage_cap", "usage cap reached"}
		}
	}

	if rule.Type == models.RuleConditional {
		if detail := evaluateConditions(rule.Conditions, evalCtx); detail != "" {
			return &rejection{"conditions_unmet", detail}
		}
	}
	return nil
}

// CanApply reports whether the rule may be applied to the user right now.
// The second return value is the rejection reason, empty on success.
func (e *Engine) CanApply(ctx context.Context, rule *models.PointRule, userID uuid.UUID, evalCtx Context) (bool, string) {
	if rej := e.evaluate(ctx, rule, userID, evalCtx); rej != nil {
		return false, rej.detail
	}
	return true, ""
}

// ApplyToUser applies the rule to the user, posting an earn for positive
// point values and a spend for penalties. A rejected application logs a
// warning and returns nil without error.
func (e *Engine) ApplyToUser(ctx context.Context, rule *models.PointRule, userID uuid.UUID, evalCtx Context, description string) (*models.PointTransaction, error) {
	if rej := e.evaluate(ctx, rule, userID, evalCtx); rej != nil {
		actionCode := ""
		if rule != nil {
			actionCode = rule.ActionCode
		}
		e.logger.Warn("rule application rejected",
			slog.String("rule", actionCode),
			slog.String("user", userID.String()),
			slog.String("reason", rej.detail))
		e.metrics.Rejections.WithLabelValues("rules", rej.code).Inc()
		return nil, nil
	}

	if description == "" {
		description = fmt.Sprintf("rule %s applied", rule.ActionCode)
	}
	ruleID := rule.ID
	if rule.Points > 0 {
		return e.ledger.AwardPoints(ctx, userID, rule.Points, &ruleID, description, nil)
	}
	// Penalties keep the rule's sign exactly and never expire.
	return e.ledger.DeductPoints(ctx, userID, -rule.Points, &ruleID, description, nil)
}

// ApplyByCode resolves a rule by action code and applies it.
func (e *Engine) ApplyByCode(ctx context.Context, actionCode string, userID uuid.UUID, evalCtx Context, description string) (*models.PointTransaction, error) {
	rule, err := e.ByCode(ctx, actionCode)
	if err != nil {
		return nil, err
	}
	return e.ApplyToUser(ctx, rule, userID, evalCtx, description)
}

// ByCode loads a rule by its unique action code.
func (e *Engine) ByCode(ctx context.Context, actionCode string) (*models.PointRule, error) {
	var rule models.PointRule
	if err := e.db.WithContext(ctx).First(&rule, "action_code = ?", actionCode).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// Save validates and persists a rule definition. Conditions are checked at
// save time so malformed constraint sets never reach evaluation.
func (e *Engine) Save(ctx context.Context, rule *models.PointRule) error {
	if rule == nil {
		return fmt.Errorf("rules: rule is required")
	}
	if rule.ActionCode == "" {
		return fmt.Errorf("rules: action_code is required")
	}
	if err := rule.Conditions.Validate(); err != nil {
		return fmt.Errorf("rules: invalid conditions: %w", err)
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	return e.db.WithContext(ctx).Save(rule).Error
}

func evaluateConditions(c models.RuleConditions, evalCtx Context) string {
	if c.MinScore != nil {
		if evalCtx.Score == nil {
			return "score missing"
		}
		if *evalCtx.Score < *c.MinScore {
			return fmt.Sprintf("score %v below minimum %v", *evalCtx.Score, *c.MinScore)
		}
	}
	if c.MaxScore != nil {
		if evalCtx.Score == nil {
			return "score missing"
		}
		if *evalCtx.Score > *c.MaxScore {
			return fmt.Sprintf("score %v above maximum %v", *evalCtx.Score, *c.MaxScore)
		}
	}
	if c.MinDuration != nil {
		if evalCtx.Duration == nil {
			return "duration missing"
		}
		if *evalCtx.Duration < *c.MinDuration {
			return fmt.Sprintf("duration %v below minimum %v", *evalCtx.Duration, *c.MinDuration)
		}
	}
	if c.RequiredEvent != "" && evalCtx.Event != c.RequiredEvent {
		return fmt.Sprintf("event %q does not match required %q", evalCtx.Event, c.RequiredEvent)
	}
	return ""
}
