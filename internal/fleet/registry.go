package fleet

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"hubbot/internal/hiddify"
	"hubbot/internal/marzban"
	"hubbot/internal/models"
	"hubbot/internal/panel"
	"hubbot/internal/pasarguard"
	"hubbot/internal/remnawave"
)

// Factory builds the driver for one panel row.
type Factory func(cfg panel.Config) panel.Driver

type registryEntry struct {
	updatedAt time.Time
	driver    panel.Driver
	gov       *panel.Governor
}

// Registry keeps one driver and one governor per panel, rebuilding the
// driver when the panel row changes.
type Registry struct {
	Permits     int
	MinInterval time.Duration
	RetryBudget time.Duration
	HTTPClient  *http.Client

	mu        sync.Mutex
	factories map[panel.Kind]Factory
	entries   map[uint]*registryEntry
	log       *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	r := &Registry{
		Permits:     panel.DefaultPermits,
		MinInterval: panel.DefaultMinInterval,
		RetryBudget: panel.DefaultRetryBudget,
		factories:   map[panel.Kind]Factory{},
		entries:     map[uint]*registryEntry{},
		log:         log,
	}
	r.Register(panel.Hiddify, func(c panel.Config) panel.Driver { return hiddify.New(c) })
	r.Register(panel.Marzban, func(c panel.Config) panel.Driver { return marzban.New(c) })
	r.Register(panel.Remnawave, func(c panel.Config) panel.Driver { return remnawave.NewClient(c) })
	r.Register(panel.Pasarguard, func(c panel.Config) panel.Driver { return pasarguard.New(c) })
	return r
}

// Register installs or replaces the factory for a kind.
func (r *Registry) Register(k panel.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[k] = f
	for id := range r.entries {
		delete(r.entries, id)
	}
}

func (r *Registry) Driver(p models.Panel) (panel.Driver, error) {
	kind, err := p.PanelKind()
	if err != nil {
		return nil, fmt.Errorf("panel %s: %w", p.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[p.ID]
	if ok && e.updatedAt.Equal(p.UpdatedAt) && e.driver.Kind() == kind {
		return e.driver, nil
	}

	factory, found := r.factories[kind]
	if !found {
		return nil, fmt.Errorf("panel %s: no driver for kind %s", p.Name, kind)
	}

	gov := panel.NewGovernor(r.Permits, r.MinInterval)
	if ok {
		gov = e.gov
	}
	d := factory(panel.Config{
		Name:        p.Name,
		BaseURL:     p.APIURL,
		Secret1:     p.Secret1,
		Secret2:     p.Secret2,
		Governor:    gov,
		HTTPClient:  r.HTTPClient,
		Logger:      r.log,
		RetryBudget: r.RetryBudget,
	})
	r.entries[p.ID] = &registryEntry{updatedAt: p.UpdatedAt, driver: d, gov: gov}
	if ok {
		r.log.Info("rebuilt panel driver", zap.String("panel", p.Name), zap.String("kind", string(kind)))
	}
	return d, nil
}

// Forget drops the cached driver for a removed panel.
func (r *Registry) Forget(panelID uint) {
	r.mu.Lock()
	delete(r.entries, panelID)
	r.mu.Unlock()
}
