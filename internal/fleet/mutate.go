package fleet

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"hubbot/internal/database"
	"hubbot/internal/identity"
	"hubbot/internal/models"
	"hubbot/internal/panel"
)

// ApplyRequest changes quota and/or expiry. TargetKind, TargetName and
// Categories narrow the panels touched; empty means no restriction.
type ApplyRequest struct {
	Identifier string
	AddGB      float64
	AddDays    int
	SetLimitGB *float64
	SetExpire  *time.Time
	TargetKind panel.Kind
	TargetName string
	Categories []string
}

func (r ApplyRequest) change() panel.Change {
	return panel.Change{AddGB: r.AddGB, AddDays: r.AddDays, SetLimitGB: r.SetLimitGB, SetExpire: r.SetExpire}
}

func (r ApplyRequest) matches(p models.Panel) bool {
	if r.TargetKind != "" && panel.Kind(p.Kind) != r.TargetKind {
		return false
	}
	if r.TargetName != "" && p.Name != r.TargetName {
		return false
	}
	if len(r.Categories) > 0 && !slices.Contains(r.Categories, p.Category) {
		return false
	}
	return true
}

// Apply modifies the user on every matching panel. Writes are never rolled
// back; the caller gets one outcome per panel. A zero change only reads
// the account.
func (c *Core) Apply(ctx context.Context, req ApplyRequest) (Result, error) {
	id, err := c.resolver.Resolve(ctx, req.Identifier)
	if err != nil {
		return Result{}, err
	}
	svc, err := c.service(ctx, id.UUID)
	if err != nil {
		return Result{}, err
	}

	candidates, err := c.candidates(ctx, svc, req.matches)
	if err != nil {
		return Result{}, err
	}

	ch := req.change()
	res, err := c.fanout(ctx, "modify_user", candidates, id, func(ctx context.Context, d panel.Driver, ident panel.Ident) error {
		return d.Modify(ctx, ident, ch)
	})
	if err != nil {
		return Result{}, err
	}

	if res.AnySuccess && !ch.IsZero() {
		c.cache.Invalidate(id.UUID)
	}
	if res.AnySuccess && req.AddDays > 0 && svc != nil {
		err := database.Retry(ctx, func() error {
			return c.db.WithContext(ctx).Model(&models.Service{}).
				Where("id = ?", svc.ID).
				Update("renewal_reminder_sent", false).Error
		})
		if err != nil {
			c.log.Error("failed to re-arm renewal reminder", zap.Uint("service_id", svc.ID), zap.Error(err))
		}
	}
	c.log.Info("apply", zap.String("uuid", id.UUID), zap.Float64("add_gb", req.AddGB),
		zap.Int("add_days", req.AddDays), zap.String("result", res.Summary()))
	return res, nil
}

// SetLimits writes absolute quota and/or expiry on every entitled panel.
func (c *Core) SetLimits(ctx context.Context, identifier string, limitGB *float64, expireAt *time.Time) (Result, error) {
	if limitGB == nil && expireAt == nil {
		return Result{}, fmt.Errorf("set limits: nothing to set")
	}
	return c.Apply(ctx, ApplyRequest{Identifier: identifier, SetLimitGB: limitGB, SetExpire: expireAt})
}

// candidates lists active panels accepted by keep, narrowed to the
// service's entitlements when a service row exists.
func (c *Core) candidates(ctx context.Context, svc *models.Service, keep func(models.Panel) bool) ([]models.Panel, error) {
	var (
		panels []models.Panel
		err    error
	)
	if svc != nil {
		panels, err = c.entitledActive(ctx, svc)
	} else {
		panels, err = c.activePanels(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := panels[:0]
	for _, p := range panels {
		if keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Scope narrows Toggle to one panel; the zero value means every panel.
type Scope struct {
	PanelID uint
}

func (s Scope) All() bool { return s.PanelID == 0 }

// Toggle enables or disables the user. Scope all also flips the service's
// own is_active flag, which gates the aggregate active state.
func (c *Core) Toggle(ctx context.Context, identifier string, enable bool, scope Scope) (Result, error) {
	id, err := c.resolver.Resolve(ctx, identifier)
	if err != nil {
		return Result{}, err
	}
	svc, err := c.service(ctx, id.UUID)
	if err != nil {
		return Result{}, err
	}

	var targets []models.Panel
	if scope.All() {
		if svc == nil {
			return Result{}, fmt.Errorf("%w: %s", ErrNoService, identifier)
		}
		err := database.Retry(ctx, func() error {
			return c.db.WithContext(ctx).Model(&models.Service{}).Where("id = ?", svc.ID).Update("is_active", enable).Error
		})
		if err != nil {
			return Result{}, fmt.Errorf("toggle service %s: %w", id.UUID, err)
		}
		if targets, err = c.entitledActive(ctx, svc); err != nil {
			return Result{}, err
		}
	} else {
		targets, err = c.candidates(ctx, nil, func(p models.Panel) bool { return p.ID == scope.PanelID })
		if err != nil {
			return Result{}, err
		}
	}

	res, err := c.fanout(ctx, "set_enabled", targets, id, func(ctx context.Context, d panel.Driver, ident panel.Ident) error {
		return d.SetEnabled(ctx, ident, enable)
	})
	if err != nil {
		return Result{}, err
	}

	if scope.All() || res.AnySuccess {
		c.patchToggle(id.UUID, enable, scope, res)
	}
	c.log.Info("toggle", zap.String("uuid", id.UUID), zap.Bool("enable", enable),
		zap.Uint("panel_id", scope.PanelID), zap.String("result", res.Summary()))
	return res, nil
}

// patchToggle rewrites the cached view so the next read reflects the
// toggle without asking the panels again.
func (c *Core) patchToggle(uuid string, enable bool, scope Scope, res Result) {
	ok := map[uint]bool{}
	for _, o := range res.Panels {
		if o.OK() {
			ok[o.PanelID] = true
		}
	}
	status := "disabled"
	if enable {
		status = "active"
	}
	now := c.now()
	c.cache.Patch(uuid, func(v *View) {
		if scope.All() {
			v.ServiceActive = enable
		}
		for i := range v.Breakdown {
			s := &v.Breakdown[i]
			if ok[s.PanelID] && s.Data != nil {
				s.Data.Enabled = enable
				s.Data.Status = status
			}
		}
		v.recompute(now)
	})
}

// Delete removes the user from every active panel, entitled or not, then
// drops the service rows with their entitlements, snapshots and warning
// logs. The uuid's marzban mapping is kept.
func (c *Core) Delete(ctx context.Context, identifier string) (Result, error) {
	id, err := c.resolver.Resolve(ctx, identifier)
	if err != nil {
		return Result{}, err
	}
	panels, err := c.activePanels(ctx)
	if err != nil {
		return Result{}, err
	}

	res, err := c.fanout(ctx, "delete_user", panels, id, func(ctx context.Context, d panel.Driver, ident panel.Ident) error {
		return d.DeleteUser(ctx, ident)
	})
	if err != nil {
		return Result{}, err
	}

	err = database.Transaction(ctx, c.db, func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.Service{}).Where("uuid = ?", id.UUID).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Exec("DELETE FROM service_panels WHERE service_id IN ?", ids).Error; err != nil {
			return err
		}
		if err := tx.Where("service_id IN ?", ids).Delete(&models.UsageSnapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("service_id IN ?", ids).Delete(&models.WarningLog{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.Service{}).Error
	})
	if err != nil {
		return res, fmt.Errorf("delete service %s: %w", id.UUID, err)
	}

	c.cache.Delete(id.UUID)
	c.log.Info("delete", zap.String("uuid", id.UUID), zap.String("result", res.Summary()))
	return res, nil
}

// ResetTraffic zeroes usage on entitled panels, optionally only those of
// one kind. Panels that cannot reset are skipped.
func (c *Core) ResetTraffic(ctx context.Context, identifier string, kind panel.Kind) (Result, error) {
	id, err := c.resolver.Resolve(ctx, identifier)
	if err != nil {
		return Result{}, err
	}
	svc, err := c.service(ctx, id.UUID)
	if err != nil {
		return Result{}, err
	}
	targets, err := c.candidates(ctx, svc, func(p models.Panel) bool {
		return kind == "" || panel.Kind(p.Kind) == kind
	})
	if err != nil {
		return Result{}, err
	}

	res, err := c.fanout(ctx, "reset_traffic", targets, id, func(ctx context.Context, d panel.Driver, ident panel.Ident) error {
		return d.ResetTraffic(ctx, ident)
	})
	if err != nil {
		return Result{}, err
	}
	if res.AnySuccess {
		c.cache.Invalidate(id.UUID)
	}
	return res, nil
}

// ProvisionRequest creates a service and its upstream accounts in one go.
type ProvisionRequest struct {
	OwnerID   int64
	OwnerName string
	Name      string
	LimitGB   float64
	Days      int
	UUID      string // generated when empty
	PanelIDs  []uint
}

// Provision records the service (reviving an inactive row of the same
// owner), entitles it to the requested panels, registers the marzban
// username and creates the account on each panel.
func (c *Core) Provision(ctx context.Context, req ProvisionRequest) (Result, *models.Service, error) {
	uid := strings.ToLower(strings.TrimSpace(req.UUID))
	if uid == "" {
		uid = uuid.NewString()
	}
	if !identity.IsUUID(uid) {
		return Result{}, nil, fmt.Errorf("provision: invalid uuid %q", req.UUID)
	}
	if len(req.PanelIDs) == 0 {
		return Result{}, nil, fmt.Errorf("provision: no panels selected")
	}

	var panels []models.Panel
	if err := c.db.WithContext(ctx).Where("id IN ? AND is_active = ?", req.PanelIDs, true).Order("display_order, name").Find(&panels).Error; err != nil {
		return Result{}, nil, database.Classify(err)
	}
	if len(panels) == 0 {
		return Result{}, nil, fmt.Errorf("provision: none of the selected panels is active")
	}

	svc, err := c.upsertService(ctx, req, uid)
	if err != nil {
		return Result{}, nil, err
	}
	ids := make([]uint, len(panels))
	for i, p := range panels {
		ids[i] = p.ID
	}
	if err := c.store.Grant(ctx, svc.ID, ids...); err != nil {
		return Result{}, svc, err
	}

	id := identity.Identity{UUID: uid}
	if slices.ContainsFunc(panels, func(p models.Panel) bool { return panel.Kind(p.Kind).UsesUsername() }) {
		if id.Username, err = c.resolver.EnsureUsername(ctx, uid, req.Name); err != nil {
			return Result{}, svc, err
		}
	}

	create := panel.CreateRequest{Name: req.Name, LimitGB: req.LimitGB, Days: req.Days, UUID: uid}
	res, err := c.fanout(ctx, "create_user", panels, id, func(ctx context.Context, d panel.Driver, ident panel.Ident) error {
		req := create
		req.Username, _ = ident.Username()
		_, err := d.CreateUser(ctx, req)
		return err
	})
	if err != nil {
		return Result{}, svc, err
	}
	c.cache.Invalidate(uid)
	c.log.Info("provision", zap.String("uuid", uid), zap.Int64("owner", req.OwnerID), zap.String("result", res.Summary()))
	return res, svc, nil
}

func (c *Core) upsertService(ctx context.Context, req ProvisionRequest, uid string) (*models.Service, error) {
	var svc models.Service
	err := database.Transaction(ctx, c.db, func(tx *gorm.DB) error {
		owner := models.User{ID: req.OwnerID, DisplayName: req.OwnerName}
		if err := tx.Where(models.User{ID: req.OwnerID}).FirstOrCreate(&owner).Error; err != nil {
			return err
		}

		res := tx.Where("uuid = ? AND user_id = ?", uid, req.OwnerID).Order("is_active DESC").Limit(1).Find(&svc)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return tx.Model(&svc).Updates(map[string]any{"is_active": true, "name": req.Name}).Error
		}
		svc = models.Service{UserID: req.OwnerID, UUID: uid, Name: req.Name, IsActive: true}
		return tx.Create(&svc).Error
	})
	if err != nil {
		return nil, fmt.Errorf("provision service %s: %w", uid, err)
	}
	return &svc, nil
}
