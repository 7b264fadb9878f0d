// Package audit writes the informational activity trail. Sink writes are
// fire-and-forget: a failed insert is logged locally and never propagated to
// the operation that produced it.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
)

// Sink records activity log entries on a best-effort basis.
type Sink struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewSink constructs an audit sink backed by the provided database.
func NewSink(db *gorm.DB, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{db: db, logger: logger}
}

// Log inserts an activity entry. Errors are swallowed after local logging.
func (s *Sink) Log(ctx context.Context, actorID *uuid.UUID, action, description, logContext string) {
	if s == nil || s.db == nil {
		return
	}
	entry := models.ActivityLog{
		ID:          uuid.New(),
		ActorID:     actorID,
		Action:      action,
		Description: description,
		Context:     logContext,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.Warn("audit log write failed",
			slog.String("action", action),
			slog.String("error", err.Error()))
	}
}
