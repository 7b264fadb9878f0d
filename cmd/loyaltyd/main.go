package main

import (
	"context"
	"log"
	"net/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"loyaltyd/audit"
	"loyaltyd/club"
	"loyaltyd/config"
	"loyaltyd/expiry"
	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/observability/logging"
	"loyaltyd/referral"
	"loyaltyd/rules"
	"loyaltyd/server"
	"loyaltyd/settings"
	"loyaltyd/wheel"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("loyaltyd", cfg.Environment)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	settingsStore := settings.NewStore(db)
	auditSink := audit.NewSink(db, logger)

	pointLedger := ledger.New(ledger.Config{
		DB:       db,
		Settings: settingsStore,
		Audit:    auditSink,
		Logger:   logger,
	})
	ruleEngine := rules.New(rules.Config{DB: db, Ledger: pointLedger, Logger: logger})
	referralGraph := referral.New(referral.Config{
		DB:       db,
		Ledger:   pointLedger,
		Settings: settingsStore,
		Audit:    auditSink,
		Logger:   logger,
	})
	clubResolver := club.New(club.Config{
		DB:     db,
		Ledger: pointLedger,
		Rules:  ruleEngine,
		Audit:  auditSink,
		Logger: logger,
	})
	wheelEngine := wheel.New(wheel.Config{
		DB:     db,
		Ledger: pointLedger,
		Audit:  auditSink,
		Logger: logger,
	})

	sweeper := expiry.NewSweeper(expiry.SweeperConfig{
		Ledger:    pointLedger,
		RunHour:   cfg.ExpiryRunHour,
		RunMinute: cfg.ExpiryRunMinute,
		BatchSize: cfg.ExpiryBatchSize,
		Location:  cfg.DefaultTZ,
		Logger:    logger,
	})
	go sweeper.Start(context.Background())

	srv := server.New(server.Config{
		Ledger:    pointLedger,
		Rules:     ruleEngine,
		Referrals: referralGraph,
		Clubs:     clubResolver,
		Wheel:     wheelEngine,
	})

	addr := ":" + cfg.Port
	log.Printf("starting loyaltyd on %s", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
