package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/settings"
)

func setupEngineTest(t *testing.T) (*gorm.DB, *Engine) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := ledger.New(ledger.Config{DB: db, Settings: settings.NewStore(db)})
	return db, New(Config{DB: db, Ledger: led})
}

func createRuleTestUser(t *testing.T, db *gorm.DB, points int64) uuid.UUID {
	t.Helper()
	user := models.User{
		ID:            uuid.New(),
		Email:         uuid.NewString() + "@example.com",
		CurrentPoints: points,
		IsActive:      true,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user.ID
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestApplyToUserAwardsPoints(t *testing.T) {
	db, engine := setupEngineTest(t)
	userID := createRuleTestUser(t, db, 0)
	ctx := context.Background()

	rule := &models.PointRule{
		ActionCode: "survey_complete",
		Points:     25,
		Type:       models.RuleRepeatable,
		IsActive:   true,
	}
	if err := engine.Save(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	tx, err := engine.ApplyToUser(ctx, rule, userID, Context{}, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tx == nil || tx.Amount != 25 {
		t.Fatalf("expected 25 point award got %+v", tx)
	}
	if tx.RuleID == nil || *tx.RuleID != rule.ID {
		t.Fatalf("expected transaction to reference rule %s", rule.ID)
	}
}

func TestApplyToUserPenaltyDeducts(t *testing.T) {
	db, engine := setupEngineTest(t)
	userID := createRuleTestUser(t, db, 100)
	ctx := context.Background()

	rule := &models.PointRule{
		ActionCode: "late_cancel",
		Points:     -30,
		Type:       models.RuleRepeatable,
		IsActive:   true,
	}
	if err := engine.Save(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	tx, err := engine.ApplyToUser(ctx, rule, userID, Context{}, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tx == nil || tx.Amount != -30 {
		t.Fatalf("expected -30 penalty got %+v", tx)
	}
	if tx.BalanceAfter != 70 {
		t.Fatalf("expected balance_after 70 got %d", tx.BalanceAfter)
	}
}

func TestMaxPerUserCapsApplications(t *testing.T) {
	db, engine := setupEngineTest(t)
	userID := createRuleTestUser(t, db, 0)
	ctx := context.Background()

	rule := &models.PointRule{
		ActionCode: "daily_login",
		Points:     10,
		Type:       models.RuleRepeatable,
		MaxPerUser: intPtr(2),
		IsActive:   true,
	}
	if err := engine.Save(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	for i := 0; i < 2; i++ {
		tx, err := engine.ApplyToUser(ctx, rule, userID, Context{}, "")
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if tx == nil {
			t.Fatalf("expected application %d to succeed", i)
		}
	}

	// Third application hits the per-user cap and is rejected without error.
	tx, err := engine.ApplyToUser(ctx, rule, userID, Context{}, "")
	if err != nil {
		t.Fatalf("third apply: %v", err)
	}
	if tx != nil {
		t.Fatalf("expected third application to be rejected")
	}

	var count int64
	if err := db.Model(&models.PointTransaction{}).Where("rule_id = ?", rule.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected exactly 2 transactions got %d", count)
	}
}

func TestValidityWindow(t *testing.T) {
	db, engine := setupEngineTest(t)
	userID := createRuleTestUser(t, db, 0)
	ctx := context.Background()

	past := time.Now().Add(-48 * time.Hour)
	earlier := time.Now().Add(-24 * time.Hour)
	rule := &models.PointRule{
		ID:         uuid.New(),
		ActionCode: "expired_promo",
		Points:     100,
		Type:       models.RuleOneTime,
		ValidFrom:  &past,
		ValidTo:    &earlier,
		IsActive:   true,
	}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	ok, reason := engine.CanApply(ctx, rule, userID, Context{})
	if ok {
		t.Fatalf("expected expired rule to be rejected")
	}
	if reason != "rule validity expired" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestConditionalRuleEvaluation(t *testing.T) {
	db, engine := setupEngineTest(t)
	userID := createRuleTestUser(t, db, 0)
	ctx := context.Background()

	rule := &models.PointRule{
		ActionCode: "quiz_pass",
		Points:     50,
		Type:       models.RuleConditional,
		Conditions: models.RuleConditions{MinScore: floatPtr(80), RequiredEvent: "quiz_submitted"},
		IsActive:   true,
	}
	if err := engine.Save(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	cases := []struct {
		name    string
		evalCtx Context
		wantOK  bool
	}{
		{"passing score", Context{Score: floatPtr(90), Event: "quiz_submitted"}, true},
		{"failing score", Context{Score: floatPtr(60), Event: "quiz_submitted"}, false},
		{"missing score", Context{Event: "quiz_submitted"}, false},
		{"wrong event", Context{Score: floatPtr(90), Event: "quiz_started"}, false},
	}
	for _, tc := range cases {
		ok, reason := engine.CanApply(ctx, rule, userID, tc.evalCtx)
		if ok != tc.wantOK {
			t.Fatalf("%s: expected ok=%v got ok=%v reason=%q", tc.name, tc.wantOK, ok, reason)
		}
	}
}

func TestRejectionMetricUsesBoundedCodes(t *testing.T) {
	db, engine := setupEngineTest(t)
	userID := createRuleTestUser(t, db, 0)
	ctx := context.Background()

	rule := &models.PointRule{
		ActionCode: "metric_quiz",
		Points:     10,
		Type:       models.RuleConditional,
		Conditions: models.RuleConditions{MinScore: floatPtr(80)},
		IsActive:   true,
	}
	if err := engine.Save(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	// The counter label is the fixed code, never the verbose detail that
	// embeds the failing score value.
	counter := observability.Ledger().Rejections.WithLabelValues("rules", "conditions_unmet")
	before := testutil.ToFloat64(counter)

	tx, err := engine.ApplyToUser(ctx, rule, userID, Context{Score: floatPtr(10)}, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tx != nil {
		t.Fatalf("expected rejection")
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("expected counter %v got %v", before+1, got)
	}
}

func TestApplyByCodeUnknownRule(t *testing.T) {
	db, engine := setupEngineTest(t)
	userID := createRuleTestUser(t, db, 0)

	_, err := engine.ApplyByCode(context.Background(), "no_such_code", userID, Context{}, "")
	if !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected rule not found got %v", err)
	}
}

func TestSaveRejectsInvalidConditions(t *testing.T) {
	_, engine := setupEngineTest(t)

	rule := &models.PointRule{
		ActionCode: "broken",
		Points:     10,
		Type:       models.RuleConditional,
		Conditions: models.RuleConditions{MinScore: floatPtr(90), MaxScore: floatPtr(10)},
		IsActive:   true,
	}
	if err := engine.Save(context.Background(), rule); err == nil {
		t.Fatalf("expected invalid conditions to be rejected")
	}
}
