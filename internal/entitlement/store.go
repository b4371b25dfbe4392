// Package entitlement records which panels a service may live on and
// derives per-category access from that relation.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"hubbot/internal/database"
	"hubbot/internal/models"
)

var ErrNoService = errors.New("service not found")

// Invalidator drops any cached view for a service uuid.
type Invalidator interface {
	Invalidate(uuid string)
}

type Store struct {
	db  *gorm.DB
	inv Invalidator
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) SetInvalidator(inv Invalidator) {
	s.inv = inv
}

// AllowedPanels lists the panels a service is entitled to, active or not,
// ordered by display order then name.
func (s *Store) AllowedPanels(ctx context.Context, serviceID uint) ([]models.Panel, error) {
	var panels []models.Panel
	err := s.db.WithContext(ctx).
		Joins("JOIN service_panels ON service_panels.panel_id = panels.id").
		Where("service_panels.service_id = ?", serviceID).
		Order("panels.display_order, panels.name").
		Find(&panels).Error
	if err != nil {
		return nil, fmt.Errorf("allowed panels for service %d: %w", serviceID, database.Classify(err))
	}
	return panels, nil
}

// AllowedCategories is the sorted set of categories reachable through a
// service's entitlements.
func (s *Store) AllowedCategories(ctx context.Context, serviceID uint) ([]string, error) {
	panels, err := s.AllowedPanels(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range panels {
		if p.Category != "" && !seen[p.Category] {
			seen[p.Category] = true
			out = append(out, p.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AccessFlags maps every active category code to whether any of the user's
// active services is entitled to a panel in it.
func (s *Store) AccessFlags(ctx context.Context, userID int64) (map[string]bool, error) {
	cats, err := s.Categories(ctx)
	if err != nil {
		return nil, err
	}
	flags := make(map[string]bool, len(cats))
	for _, c := range cats {
		flags[c.Code] = false
	}

	var codes []string
	err = s.db.WithContext(ctx).
		Model(&models.Panel{}).
		Distinct("panels.category").
		Joins("JOIN service_panels ON service_panels.panel_id = panels.id").
		Joins("JOIN user_uuids ON user_uuids.id = service_panels.service_id").
		Where("user_uuids.user_id = ? AND user_uuids.is_active = ?", userID, true).
		Pluck("panels.category", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("access flags for user %d: %w", userID, database.Classify(err))
	}
	for _, c := range codes {
		if c != "" {
			flags[c] = true
		}
	}
	return flags, nil
}

func (s *Store) Categories(ctx context.Context) ([]models.ServerCategory, error) {
	var cats []models.ServerCategory
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("display_order, code").Find(&cats).Error
	if err != nil {
		return nil, database.Classify(err)
	}
	return cats, nil
}

func (s *Store) Grant(ctx context.Context, serviceID uint, panelIDs ...uint) error {
	return s.write(ctx, serviceID, panelIDs, func(a *gorm.Association, panels []models.Panel) error {
		if len(panels) == 0 {
			return nil
		}
		return a.Append(&panels)
	})
}

func (s *Store) Revoke(ctx context.Context, serviceID uint, panelIDs ...uint) error {
	return s.write(ctx, serviceID, panelIDs, func(a *gorm.Association, panels []models.Panel) error {
		if len(panels) == 0 {
			return nil
		}
		return a.Delete(&panels)
	})
}

// Replace makes panelIDs the service's complete entitlement set.
func (s *Store) Replace(ctx context.Context, serviceID uint, panelIDs ...uint) error {
	return s.write(ctx, serviceID, panelIDs, func(a *gorm.Association, panels []models.Panel) error {
		if len(panels) == 0 {
			return a.Clear()
		}
		return a.Replace(&panels)
	})
}

// GrantCategories entitles the service to every active panel in codes.
func (s *Store) GrantCategories(ctx context.Context, serviceID uint, codes ...string) error {
	if len(codes) == 0 {
		return nil
	}
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Panel{}).
		Where("category IN ? AND is_active = ?", codes, true).
		Pluck("id", &ids).Error
	if err != nil {
		return database.Classify(err)
	}
	return s.Grant(ctx, serviceID, ids...)
}

func (s *Store) write(ctx context.Context, serviceID uint, panelIDs []uint, fn func(*gorm.Association, []models.Panel) error) error {
	var svc models.Service
	err := database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Limit(1).Find(&svc, serviceID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", ErrNoService, serviceID)
		}
		var panels []models.Panel
		if len(panelIDs) > 0 {
			if err := tx.Where("id IN ?", panelIDs).Find(&panels).Error; err != nil {
				return err
			}
		}
		return fn(tx.Model(&svc).Association("Panels"), panels)
	})
	if err != nil {
		return fmt.Errorf("update entitlements for service %d: %w", serviceID, err)
	}
	if s.inv != nil {
		s.inv.Invalidate(svc.UUID)
	}
	return nil
}
