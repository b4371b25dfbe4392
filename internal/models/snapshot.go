package models

import (
	"time"

	"hubbot/internal/panel"
)

// UsageSnapshot holds cumulative GB per panel kind for one service at one
// instant. Panels of the same kind are summed into one column.
type UsageSnapshot struct {
	ID           uint      `gorm:"primaryKey"`
	ServiceID    uint      `gorm:"not null;index:idx_usage_snapshots_service_taken,priority:1"`
	HiddifyGB    float64   `gorm:"column:hiddify_gb;not null;default:0"`
	MarzbanGB    float64   `gorm:"column:marzban_gb;not null;default:0"`
	RemnawaveGB  float64   `gorm:"column:remnawave_gb;not null;default:0"`
	PasarguardGB float64   `gorm:"column:pasarguard_gb;not null;default:0"`
	TakenAt      time.Time `gorm:"not null;index;index:idx_usage_snapshots_service_taken,priority:2"`
}

func (s UsageSnapshot) Get(k panel.Kind) float64 {
	switch k {
	case panel.Hiddify:
		return s.HiddifyGB
	case panel.Marzban:
		return s.MarzbanGB
	case panel.Remnawave:
		return s.RemnawaveGB
	case panel.Pasarguard:
		return s.PasarguardGB
	}
	return 0
}

func (s *UsageSnapshot) Add(k panel.Kind, gb float64) {
	switch k {
	case panel.Hiddify:
		s.HiddifyGB += gb
	case panel.Marzban:
		s.MarzbanGB += gb
	case panel.Remnawave:
		s.RemnawaveGB += gb
	case panel.Pasarguard:
		s.PasarguardGB += gb
	}
}

// Column is the snapshot column holding k.
func Column(k panel.Kind) string {
	return string(k) + "_gb"
}

type WarningLog struct {
	ID        uint      `gorm:"primaryKey"`
	ServiceID uint      `gorm:"not null;index:idx_warning_logs_service_kind,priority:1"`
	Kind      string    `gorm:"size:32;not null;index:idx_warning_logs_service_kind,priority:2"`
	SentAt    time.Time `gorm:"not null"`
}

// All lists every model in migration order.
func All() []any {
	return []any{
		&User{},
		&Panel{},
		&ServerCategory{},
		&Service{},
		&MarzbanMapping{},
		&UsageSnapshot{},
		&WarningLog{},
	}
}
