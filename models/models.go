package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionType classifies ledger entries.
type TransactionType string

// All ledger entry types.
const (
	TransactionEarn   TransactionType = "earn"
	TransactionSpend  TransactionType = "spend"
	TransactionExpire TransactionType = "expire"
	TransactionAdjust TransactionType = "adjust"
)

// ReferenceKind identifies the entity that triggered a ledger entry. The set
// is closed; free-text reference types are not accepted.
type ReferenceKind string

// All reference kinds.
const (
	ReferenceSurvey             ReferenceKind = "survey"
	ReferenceClubRegistration   ReferenceKind = "club_registration"
	ReferenceProductSerial      ReferenceKind = "product_serial"
	ReferenceReferralCommission ReferenceKind = "referral_commission"
	ReferenceManual             ReferenceKind = "manual"
)

// RuleType distinguishes how often a point rule may apply.
type RuleType string

// All rule types.
const (
	RuleOneTime     RuleType = "one_time"
	RuleRepeatable  RuleType = "repeatable"
	RuleConditional RuleType = "conditional"
)

// ReferralStatus tracks the lifecycle of a referral edge.
type ReferralStatus string

// All referral edge states.
const (
	ReferralPending  ReferralStatus = "pending"
	ReferralActive   ReferralStatus = "active"
	ReferralRejected ReferralStatus = "rejected"
)

// CommissionType selects how a referral commission is computed.
type CommissionType string

// All commission types.
const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
)

// RegistrationStatus tracks club join/upgrade requests.
type RegistrationStatus string

// All registration states.
const (
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationRejected RegistrationStatus = "rejected"
)

// PrizeType classifies lucky wheel prizes.
type PrizeType string

// All prize types.
const (
	PrizePoints PrizeType = "points"
	PrizeItem   PrizeType = "item"
	PrizeEmpty  PrizeType = "empty"
	PrizeRetry  PrizeType = "retry"
)

// User holds member identity plus the ledger-owned balance. CurrentPoints is
// written exclusively by the ledger under a row lock.
type User struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	DisplayName     string     `gorm:"size:128"`
	Email           string     `gorm:"uniqueIndex"`
	CurrentPoints   int64      `gorm:"not null;default:0"`
	ClubID          *uuid.UUID `gorm:"type:uuid;index"`
	IsActive        bool       `gorm:"not null"`
	ProfileComplete bool       `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PointTransaction is an immutable ledger entry. Rows are created once and
// never updated; soft deletion keeps the audit trail intact.
type PointTransaction struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID       `gorm:"type:uuid;index:idx_point_tx_user"`
	Type          TransactionType `gorm:"size:16;index"`
	Amount        int64           `gorm:"not null"`
	RuleID        *uuid.UUID      `gorm:"type:uuid;index"`
	ReferenceKind ReferenceKind   `gorm:"size:32"`
	ReferenceID   *uuid.UUID      `gorm:"type:uuid"`
	Description   string          `gorm:"size:255"`
	BalanceAfter  int64           `gorm:"not null"`
	ExpiresAt     *time.Time      `gorm:"index"`
	ExpiredAt     *time.Time
	CreatedAt     time.Time `gorm:"index:idx_point_tx_user"`
	DeletedAt     gorm.DeletedAt
}

// RuleConditions is the typed form of a conditional rule's eligibility
// constraints. Zero-valued optional fields mean "unconstrained".
type RuleConditions struct {
	MinScore      *float64 `json:"min_score,omitempty"`
	MaxScore      *float64 `json:"max_score,omitempty"`
	MinDuration   *float64 `json:"min_duration,omitempty"`
	RequiredEvent string   `json:"event,omitempty"`
}

// Value serialises conditions to JSON for storage.
func (c RuleConditions) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan deserialises conditions from their stored JSON form.
func (c *RuleConditions) Scan(value interface{}) error {
	if value == nil {
		*c = RuleConditions{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("models: cannot scan %T into RuleConditions", value)
	}
}

// Validate rejects condition sets that can never match.
func (c RuleConditions) Validate() error {
	if c.MinScore != nil && c.MaxScore != nil && *c.MinScore > *c.MaxScore {
		return fmt.Errorf("models: min_score %v exceeds max_score %v", *c.MinScore, *c.MaxScore)
	}
	if c.MinDuration != nil && *c.MinDuration < 0 {
		return fmt.Errorf("models: min_duration must not be negative")
	}
	return nil
}

// PointRule defines a named point award or penalty. Rules referenced by
// transactions become immutable history and are deactivated, never deleted.
type PointRule struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ActionCode string         `gorm:"uniqueIndex;size:64"`
	Points     int64          `gorm:"not null"`
	Type       RuleType       `gorm:"size:16"`
	Conditions RuleConditions `gorm:"type:text"`
	MaxPerUser *int
	ValidFrom  *time.Time
	ValidTo    *time.Time
	IsActive   bool `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReferralNetwork is a directed referrer->referred edge at a cascade depth.
// A user has at most one level-1 parent; ancestor rows share the ReferredID
// at higher levels, hence the composite uniqueness.
type ReferralNetwork struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ReferrerID  uuid.UUID      `gorm:"type:uuid;index"`
	ReferredID  uuid.UUID      `gorm:"type:uuid;uniqueIndex:idx_referral_referred_level"`
	Level       int            `gorm:"not null;uniqueIndex:idx_referral_referred_level"`
	Status      ReferralStatus `gorm:"size:16;index"`
	ActivatedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReferralCommission records the payout for one activated edge at one level.
type ReferralCommission struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	NetworkID       uuid.UUID      `gorm:"type:uuid;uniqueIndex:idx_commission_network_level"`
	Level           int            `gorm:"not null;uniqueIndex:idx_commission_network_level"`
	CommissionType  CommissionType `gorm:"size:16"`
	CommissionValue int64          `gorm:"not null"`
	EarnedPoints    int64          `gorm:"not null"`
	CreatedAt       time.Time
}

// Club is either a ranked tier (IsTier, ordered by MinPoints/MaxPoints) or a
// non-ranked special room.
type Club struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name            string    `gorm:"uniqueIndex"`
	IsTier          bool      `gorm:"not null;default:false"`
	MinPoints       int64     `gorm:"not null;default:0"`
	MaxPoints       *int64
	UpgradeRequired bool `gorm:"not null;default:false"`
	IsActive        bool `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ClubRegistration is a request to join or upgrade to a club.
type ClubRegistration struct {
	ID         uuid.UUID          `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID          `gorm:"type:uuid;index"`
	ClubID     uuid.UUID          `gorm:"type:uuid;index"`
	Status     RegistrationStatus `gorm:"size:16;index"`
	Notes      string             `gorm:"size:512"`
	ReviewedBy *uuid.UUID         `gorm:"type:uuid"`
	ReviewedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LuckyWheel groups a prize set behind a per-spin cost.
type LuckyWheel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Name        string            `gorm:"uniqueIndex"`
	CostPerSpin int64             `gorm:"not null;default:0"`
	IsActive    bool              `gorm:"not null"`
	Prizes      []LuckyWheelPrize `gorm:"foreignKey:WheelID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LuckyWheelPrize is one wheel segment. Probability is a relative weight and
// weights are not required to sum to 100. Position fixes the draw order so a
// seeded RNG selects reproducibly.
type LuckyWheelPrize struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WheelID     uuid.UUID `gorm:"type:uuid;index"`
	Label       string    `gorm:"size:128"`
	Type        PrizeType `gorm:"size:16"`
	Points      int64     `gorm:"not null;default:0"`
	Probability int       `gorm:"not null"`
	Stock       *int
	Position    int       `gorm:"not null;default:0"`
	IsActive    bool      `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LuckyWheelSpin records one spin outcome. PrizeID is nil when no prize was
// available to draw.
type LuckyWheelSpin struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	WheelID   uuid.UUID  `gorm:"type:uuid;index"`
	UserID    uuid.UUID  `gorm:"type:uuid;index"`
	PrizeID   *uuid.UUID `gorm:"type:uuid"`
	CostPaid  int64      `gorm:"not null;default:0"`
	IsWin     bool       `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// Setting is a grouped key-value system setting.
type Setting struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Group     string    `gorm:"size:64;uniqueIndex:idx_setting_group_key;column:setting_group"`
	Key       string    `gorm:"size:64;uniqueIndex:idx_setting_group_key;column:setting_key"`
	Value     string    `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActivityLog is the informational audit trail. Writes are best-effort and
// never gate ledger correctness.
type ActivityLog struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ActorID     *uuid.UUID `gorm:"type:uuid;index"`
	Action      string     `gorm:"size:64;index"`
	Description string     `gorm:"size:512"`
	Context     string     `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&PointTransaction{},
		&PointRule{},
		&ReferralNetwork{},
		&ReferralCommission{},
		&Club{},
		&ClubRegistration{},
		&LuckyWheel{},
		&LuckyWheelPrize{},
		&LuckyWheelSpin{},
		&Setting{},
		&ActivityLog{},
	)
}
