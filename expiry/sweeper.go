// Package expiry consumes earned points whose validity window has closed by
// posting clamped expire transactions through the ledger.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"loyaltyd/ledger"
)

// SweeperConfig configures the nightly expiry sweeper.
type SweeperConfig struct {
	Ledger    *ledger.Ledger
	RunHour   int
	RunMinute int
	BatchSize int
	Location  *time.Location
	Logger    *slog.Logger
}

// Sweeper expires due earn transactions on a fixed daily cadence.
type Sweeper struct {
	ledger    *ledger.Ledger
	runHour   int
	runMinute int
	batchSize int
	location  *time.Location
	logger    *slog.Logger
}

// NewSweeper constructs a sweeper with sane defaults.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		ledger:    cfg.Ledger,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		batchSize: batch,
		location:  loc,
		logger:    logger,
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.ledger == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if expired, err := s.RunOnce(ctx, next); err != nil {
				s.logger.Warn("expiry sweep failed", slog.String("error", err.Error()))
			} else if expired > 0 {
				s.logger.Info("expiry sweep completed", slog.Int("expired", expired))
			}
		}
	}
}

// RunOnce expires every due earn entry as of the given time and returns the
// number of entries consumed.
func (s *Sweeper) RunOnce(ctx context.Context, asOf time.Time) (int, error) {
	expired := 0
	for {
		due, err := s.ledger.DueForExpiry(ctx, asOf, s.batchSize)
		if err != nil {
			return expired, err
		}
		if len(due) == 0 {
			return expired, nil
		}
		for i := range due {
			if _, err := s.ledger.ExpireTransaction(ctx, &due[i]); err != nil {
				return expired, err
			}
			expired++
		}
		if len(due) < s.batchSize {
			return expired, nil
		}
	}
}

func (s *Sweeper) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
