package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User is a Telegram account; ID is the chat id.
type User struct {
	ID            int64           `gorm:"primaryKey;autoIncrement:false"`
	DisplayName   string          `gorm:"size:255"`
	Language      string          `gorm:"size:8;default:'fa'"`
	WalletBalance decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	Settings      datatypes.JSONMap
	ReferralCode  string    `gorm:"size:32;uniqueIndex"`
	Services      []Service `gorm:"foreignKey:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ReferralCode == "" {
		u.ReferralCode = "r" + strconv.FormatInt(u.ID, 36)
	}
	if u.Language == "" {
		u.Language = "fa"
	}
	return nil
}

// SettingBool reads a boolean toggle from Settings, falling back to def.
func (u *User) SettingBool(key string, def bool) bool {
	v, ok := u.Settings[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}
