package models

import (
	"time"

	"hubbot/internal/panel"
)

type Panel struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"size:100;not null;uniqueIndex"`
	Kind         string `gorm:"size:20;not null"`
	Category     string `gorm:"size:16;index"`
	APIURL       string `gorm:"column:api_url;size:512;not null"`
	Secret1      string `gorm:"size:512"`
	Secret2      string `gorm:"size:512"`
	IsActive     bool   `gorm:"not null;index"`
	DisplayOrder int    `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p Panel) PanelKind() (panel.Kind, error) {
	return panel.ParseKind(p.Kind)
}

type ServerCategory struct {
	Code         string `gorm:"primaryKey;size:16"`
	DisplayName  string `gorm:"size:100"`
	Emoji        string `gorm:"size:16"`
	DisplayOrder int    `gorm:"not null"`
	IsActive     bool   `gorm:"not null"`
}

// MarzbanMapping pairs a uuid with the username marzban panels know it by.
// It belongs to the uuid, not to a service row, and survives deletes.
type MarzbanMapping struct {
	UUID            string `gorm:"primaryKey;size:36"`
	MarzbanUsername string `gorm:"size:64;not null;uniqueIndex"`
	CreatedAt       time.Time
}
