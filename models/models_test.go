package models

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupModelsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestAutoMigrate(t *testing.T) {
	setupModelsTestDB(t)
}

func TestWheelPreloadsPrizes(t *testing.T) {
	db := setupModelsTestDB(t)

	wheel := LuckyWheel{ID: uuid.New(), Name: "daily", CostPerSpin: 10, IsActive: true}
	if err := db.Create(&wheel).Error; err != nil {
		t.Fatalf("create wheel: %v", err)
	}
	for i, label := range []string{"first", "second"} {
		prize := LuckyWheelPrize{
			ID:          uuid.New(),
			WheelID:     wheel.ID,
			Label:       label,
			Type:        PrizeEmpty,
			Probability: 50,
			Position:    i,
			IsActive:    true,
		}
		if err := db.Create(&prize).Error; err != nil {
			t.Fatalf("create prize: %v", err)
		}
	}

	var loaded LuckyWheel
	if err := db.Preload("Prizes").First(&loaded, "id = ?", wheel.ID).Error; err != nil {
		t.Fatalf("preload: %v", err)
	}
	if len(loaded.Prizes) != 2 {
		t.Fatalf("expected 2 prizes got %d", len(loaded.Prizes))
	}
	for _, prize := range loaded.Prizes {
		if prize.WheelID != wheel.ID {
			t.Fatalf("prize %s not linked to wheel", prize.Label)
		}
	}
}

func TestInactiveFlagsPersist(t *testing.T) {
	db := setupModelsTestDB(t)

	rule := PointRule{
		ID:         uuid.New(),
		ActionCode: "dormant_promo",
		Points:     10,
		Type:       RuleRepeatable,
		IsActive:   false,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}
	var reloadedRule PointRule
	if err := db.First(&reloadedRule, "id = ?", rule.ID).Error; err != nil {
		t.Fatalf("reload rule: %v", err)
	}
	if reloadedRule.IsActive {
		t.Fatalf("expected rule to stay inactive after create")
	}

	user := User{
		ID:       uuid.New(),
		Email:    uuid.NewString() + "@example.com",
		IsActive: false,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	var reloadedUser User
	if err := db.First(&reloadedUser, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if reloadedUser.IsActive {
		t.Fatalf("expected user to stay inactive after create")
	}

	wheel := LuckyWheel{ID: uuid.New(), Name: "paused", IsActive: false}
	if err := db.Create(&wheel).Error; err != nil {
		t.Fatalf("create wheel: %v", err)
	}
	var reloadedWheel LuckyWheel
	if err := db.First(&reloadedWheel, "id = ?", wheel.ID).Error; err != nil {
		t.Fatalf("reload wheel: %v", err)
	}
	if reloadedWheel.IsActive {
		t.Fatalf("expected wheel to stay inactive after create")
	}
}
