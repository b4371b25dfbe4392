// Package fleet presents one logical user whose accounts are spread over
// several upstream panels, and fans reads and writes out to those panels.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"hubbot/internal/database"
	"hubbot/internal/entitlement"
	"hubbot/internal/identity"
	"hubbot/internal/models"
	"hubbot/internal/panel"
)

const DefaultCallTimeout = 45 * time.Second

var ErrNoService = errors.New("no service for identifier")

// Core is built once at startup and shared by the bot and the scheduler.
type Core struct {
	CallTimeout time.Duration
	Now         func() time.Time

	db       *gorm.DB
	resolver *identity.Resolver
	store    *entitlement.Store
	registry *Registry
	cache    *Cache
	log      *zap.Logger
}

func New(db *gorm.DB, registry *Registry, log *zap.Logger) *Core {
	c := &Core{
		CallTimeout: DefaultCallTimeout,
		Now:         time.Now,
		db:          db,
		resolver:    identity.NewResolver(db),
		store:       entitlement.NewStore(db),
		registry:    registry,
		cache:       NewCache(),
		log:         log.Named("fleet"),
	}
	c.store.SetInvalidator(c.cache)
	return c
}

func (c *Core) Resolver() *identity.Resolver { return c.resolver }

func (c *Core) Entitlements() *entitlement.Store { return c.store }

func (c *Core) Cache() *Cache { return c.cache }

func (c *Core) now() time.Time { return c.Now().UTC() }

// activePanels returns active panels in display order.
func (c *Core) activePanels(ctx context.Context) ([]models.Panel, error) {
	var panels []models.Panel
	err := c.db.WithContext(ctx).Where("is_active = ?", true).Order("display_order, name").Find(&panels).Error
	if err != nil {
		return nil, fmt.Errorf("load panels: %w", database.Classify(err))
	}
	return panels, nil
}

// service finds the row for uuid, preferring the active one. A nil result
// without error means no row exists.
func (c *Core) service(ctx context.Context, uuid string) (*models.Service, error) {
	if uuid == "" {
		return nil, nil
	}
	var svc models.Service
	res := c.db.WithContext(ctx).Where("uuid = ?", uuid).Order("is_active DESC, updated_at DESC").Limit(1).Find(&svc)
	if res.Error != nil {
		return nil, fmt.Errorf("load service %s: %w", uuid, database.Classify(res.Error))
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &svc, nil
}

// entitledActive returns the active panels svc is entitled to, in display
// order.
func (c *Core) entitledActive(ctx context.Context, svc *models.Service) ([]models.Panel, error) {
	panels, err := c.store.AllowedPanels(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	out := panels[:0]
	for _, p := range panels {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func sortPanels(panels []models.Panel) {
	sort.SliceStable(panels, func(i, j int) bool {
		if panels[i].DisplayOrder != panels[j].DisplayOrder {
			return panels[i].DisplayOrder < panels[j].DisplayOrder
		}
		return panels[i].Name < panels[j].Name
	})
}

// Outcome is one panel's answer to a fanned-out write. Ignored outcomes
// carry NotFound, Unsupported or a missing identifier and count as neither
// success nor failure.
type Outcome struct {
	PanelID uint
	Panel   string
	Kind    panel.Kind
	Err     error
	Ignored bool
}

func (o Outcome) OK() bool { return o.Err == nil }

type Result struct {
	AnySuccess bool
	Panels     []Outcome
}

// Summary renders e.g. "2/3 succeeded".
func (r Result) Summary() string {
	ok, tried, skipped := 0, 0, 0
	for _, o := range r.Panels {
		switch {
		case o.Ignored:
			skipped++
		case o.OK():
			ok++
			tried++
		default:
			tried++
		}
	}
	s := fmt.Sprintf("%d/%d succeeded", ok, tried)
	if skipped > 0 {
		s += fmt.Sprintf(" (%d skipped)", skipped)
	}
	return s
}

// Failed lists the outcomes that are real failures.
func (r Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Panels {
		if o.Err != nil && !o.Ignored {
			out = append(out, o)
		}
	}
	return out
}

type panelCall func(ctx context.Context, d panel.Driver, id panel.Ident) error

// fanout runs call against every panel concurrently. Each call gets its
// own deadline; a cancelled parent discards the collected outcomes.
func (c *Core) fanout(ctx context.Context, op string, panels []models.Panel, id identity.Identity, call panelCall) (Result, error) {
	outcomes := make([]Outcome, len(panels))
	var g errgroup.Group
	for i, p := range panels {
		g.Go(func() error {
			outcomes[i] = c.callOne(ctx, op, p, id, call)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Panels: outcomes}
	for _, o := range outcomes {
		if o.OK() {
			res.AnySuccess = true
		}
	}
	return res, nil
}

func (c *Core) callOne(ctx context.Context, op string, p models.Panel, id identity.Identity, call panelCall) Outcome {
	out := Outcome{PanelID: p.ID, Panel: p.Name, Kind: panel.Kind(p.Kind)}
	d, err := c.registry.Driver(p)
	if err != nil {
		out.Err = err
		return out
	}
	ident, ok := id.For(d.Kind())
	if !ok {
		out.Err = fmt.Errorf("%w: no %s identifier for %s", panel.ErrIdentifier, d.Kind(), id.UUID)
		out.Ignored = true
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()
	if err := call(callCtx, d, ident); err != nil {
		out.Err = err
		out.Ignored = panel.Ignorable(err)
		if !out.Ignored {
			c.log.Warn("panel call failed", zap.String("op", op), zap.String("panel", p.Name), zap.Error(err))
		}
	}
	return out
}
