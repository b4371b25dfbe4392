package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hubbot/internal/database"
	"hubbot/internal/identity"
	"hubbot/internal/models"
	"hubbot/internal/panel"
)

// GetOne returns the logical view for identifier, or nil when no service
// owns it. Cached views are served unless bypassCache is set.
func (c *Core) GetOne(ctx context.Context, identifier string, bypassCache bool) (*View, error) {
	id, err := c.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !bypassCache {
		if v, ok := c.cache.Get(id.UUID); ok {
			return v, nil
		}
	}

	svc, err := c.service(ctx, id.UUID)
	if err != nil || svc == nil {
		return nil, err
	}
	panels, err := c.entitledActive(ctx, svc)
	if err != nil {
		return nil, err
	}

	slices := make([]Slice, len(panels))
	var g errgroup.Group
	for i, p := range panels {
		g.Go(func() error {
			slices[i] = c.fetchOne(ctx, p, id)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := c.newView(svc, id.Username, slices)
	c.cache.Put(v)
	return v.clone(), nil
}

func (c *Core) fetchOne(ctx context.Context, p models.Panel, id identity.Identity) Slice {
	s := sliceFor(p)
	d, err := c.registry.Driver(p)
	if err != nil {
		s.Err = err
		return s
	}
	ident, ok := id.For(d.Kind())
	if !ok {
		return s
	}

	callCtx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()
	u, err := d.GetUser(callCtx, ident)
	switch {
	case errors.Is(err, panel.ErrNotFound):
	case err != nil:
		c.log.Warn("panel read failed", zap.String("panel", p.Name), zap.Error(err))
		s.Err = err
	default:
		s.Data = u
	}
	return s
}

type panelListing struct {
	users map[string]*panel.User
	err   error
}

// ListAll reads every active panel once, assembles a view per service and
// replaces the cache with the result. A failed panel shows up as Err on
// its slices rather than failing the whole list.
func (c *Core) ListAll(ctx context.Context) ([]*View, error) {
	gen := c.cache.Generation()
	panels, err := c.activePanels(ctx)
	if err != nil {
		return nil, err
	}
	var services []models.Service
	if err := c.db.WithContext(ctx).Preload("Panels").Order("id").Find(&services).Error; err != nil {
		return nil, fmt.Errorf("load services: %w", database.Classify(err))
	}
	mappings, err := c.resolver.Mappings(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		listings = make(map[uint]panelListing, len(panels))
		g        errgroup.Group
	)
	for _, p := range panels {
		g.Go(func() error {
			l := c.listPanel(ctx, p)
			mu.Lock()
			listings[p.ID] = l
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byUUID := make(map[string]models.Service, len(services))
	for _, svc := range services {
		if prev, ok := byUUID[svc.UUID]; ok && prev.IsActive && !svc.IsActive {
			continue
		}
		byUUID[svc.UUID] = svc
	}

	views := make([]*View, 0, len(byUUID))
	for _, svc := range services {
		if byUUID[svc.UUID].ID != svc.ID {
			continue
		}
		id := identity.Identity{UUID: svc.UUID, Username: mappings[svc.UUID]}

		entitled := make([]models.Panel, 0, len(svc.Panels))
		for _, p := range svc.Panels {
			if _, ok := listings[p.ID]; ok {
				entitled = append(entitled, p)
			}
		}
		sortPanels(entitled)

		slices := make([]Slice, 0, len(entitled))
		for _, p := range entitled {
			s := sliceFor(p)
			l := listings[p.ID]
			if l.err != nil {
				s.Err = l.err
			} else if ident, ok := id.For(panel.Kind(p.Kind)); ok {
				s.Data = l.users[identKey(ident)]
			}
			slices = append(slices, s)
		}
		views = append(views, c.newView(&svc, id.Username, slices))
	}

	if !c.cache.ReplaceSince(views, c.now(), gen) {
		c.log.Debug("newer fleet listing already cached")
	}
	c.log.Info("fleet aggregated", zap.Int("panels", len(panels)), zap.Int("services", len(views)))
	return views, nil
}

func (c *Core) listPanel(ctx context.Context, p models.Panel) panelListing {
	d, err := c.registry.Driver(p)
	if err != nil {
		return panelListing{err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()
	users, err := d.ListUsers(callCtx)
	if err != nil {
		c.log.Warn("panel list failed", zap.String("panel", p.Name), zap.Error(err))
		return panelListing{err: err}
	}
	idx := make(map[string]*panel.User, len(users))
	for i := range users {
		idx[identKey(users[i].Ident)] = &users[i]
	}
	return panelListing{users: idx}
}

func identKey(id panel.Ident) string {
	if v, ok := id.UUID(); ok {
		return v
	}
	return strings.ToLower(id.String())
}

func sliceFor(p models.Panel) Slice {
	return Slice{
		PanelID:      p.ID,
		Name:         p.Name,
		Kind:         panel.Kind(p.Kind),
		Category:     p.Category,
		DisplayOrder: p.DisplayOrder,
	}
}

func (c *Core) newView(svc *models.Service, username string, slices []Slice) *View {
	now := c.now()
	v := &View{
		ServiceID:     svc.ID,
		OwnerID:       svc.UserID,
		UUID:          svc.UUID,
		Username:      username,
		Name:          svc.Name,
		ServiceActive: svc.IsActive,
		Breakdown:     slices,
		FetchedAt:     now,
	}
	v.recompute(now)
	return v
}
