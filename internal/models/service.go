package models

import (
	"time"
)

// Service is one VPN identity (uuid) owned by a user. Rows are never
// reused across owners, but an inactive row is revived when its owner adds
// the same uuid again.
type Service struct {
	ID                  uint   `gorm:"primaryKey"`
	UserID              int64  `gorm:"not null;index"`
	UUID                string `gorm:"size:36;not null;index;index:idx_user_uuids_active_uuid,unique,where:is_active = true"`
	Name                string `gorm:"size:255"`
	IsActive            bool   `gorm:"not null"`
	IsVIP               bool   `gorm:"column:is_vip;not null"`
	FirstConnectionTime *time.Time
	RenewalReminderSent bool `gorm:"not null"`
	LastNotifiedAt      *time.Time
	Panels              []Panel `gorm:"many2many:service_panels;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (Service) TableName() string {
	return "user_uuids"
}
