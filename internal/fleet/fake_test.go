package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"hubbot/internal/dbtest"
	"hubbot/internal/models"
	"hubbot/internal/panel"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

// fakeDriver is an in-memory panel with call counters and failure
// injection.
type fakeDriver struct {
	mu      sync.Mutex
	name    string
	kind    panel.Kind
	users   map[string]*panel.User
	calls   map[string]int
	fail    error
	noReset bool

	// When set, ListUsers signals listing and then waits on gate.
	listing chan struct{}
	gate    chan struct{}
}

func newFakeDriver(name string, kind panel.Kind) *fakeDriver {
	return &fakeDriver{name: name, kind: kind, users: map[string]*panel.User{}, calls: map[string]int{}}
}

func (f *fakeDriver) Kind() panel.Kind { return f.kind }

func (f *fakeDriver) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeDriver) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeDriver) enter(op string) error {
	f.calls[op]++
	if f.fail != nil {
		return &panel.Error{Panel: f.name, Op: op, Kind: f.fail}
	}
	return nil
}

func (f *fakeDriver) lookup(op string, id panel.Ident) (*panel.User, error) {
	u, ok := f.users[identKey(id)]
	if !ok {
		return nil, &panel.Error{Panel: f.name, Op: op, Kind: panel.ErrNotFound}
	}
	return u, nil
}

func (f *fakeDriver) seed(id panel.Ident, limitGB, usedGB float64, days int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp := testNow.Add(time.Duration(days) * 24 * time.Hour)
	f.users[identKey(id)] = &panel.User{Ident: id, LimitGB: limitGB, UsedGB: usedGB, ExpireAt: &exp, Enabled: true, Status: "active"}
}

func (f *fakeDriver) ListUsers(ctx context.Context) ([]panel.User, error) {
	if f.gate != nil {
		f.listing <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("list"); err != nil {
		return nil, err
	}
	out := make([]panel.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeDriver) GetUser(ctx context.Context, id panel.Ident) (*panel.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("get"); err != nil {
		return nil, err
	}
	u, err := f.lookup("get", id)
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

func (f *fakeDriver) CreateUser(ctx context.Context, req panel.CreateRequest) (*panel.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create"); err != nil {
		return nil, err
	}
	// Like the real panels, a uuid-addressed account given an explicit name
	// is stored under that name.
	id := panel.UUID(req.UUID)
	switch {
	case f.kind.UsesUsername():
		id = panel.Username(req.Username)
	case req.Username != "":
		id = panel.UUID(req.Username)
	}
	u := &panel.User{Ident: id, Name: req.Name, LimitGB: req.LimitGB, Enabled: true, Status: "active"}
	if req.Days > 0 {
		exp := testNow.Add(time.Duration(req.Days) * 24 * time.Hour)
		u.ExpireAt = &exp
	}
	f.users[identKey(id)] = u
	cp := *u
	return &cp, nil
}

func (f *fakeDriver) Modify(ctx context.Context, id panel.Ident, ch panel.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("modify"); err != nil {
		return err
	}
	u, err := f.lookup("modify", id)
	if err != nil {
		return err
	}
	u.LimitGB, u.ExpireAt = ch.Apply(u.LimitGB, u.ExpireAt, testNow)
	return nil
}

func (f *fakeDriver) SetEnabled(ctx context.Context, id panel.Ident, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("toggle"); err != nil {
		return err
	}
	u, err := f.lookup("toggle", id)
	if err != nil {
		return err
	}
	u.Enabled = enabled
	return nil
}

func (f *fakeDriver) ResetTraffic(ctx context.Context, id panel.Ident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("reset"); err != nil {
		return err
	}
	if f.noReset {
		return &panel.Error{Panel: f.name, Op: "reset", Kind: panel.ErrUnsupported}
	}
	u, err := f.lookup("reset", id)
	if err != nil {
		return err
	}
	u.UsedGB = 0
	return nil
}

func (f *fakeDriver) DeleteUser(ctx context.Context, id panel.Ident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("delete"); err != nil {
		return err
	}
	if _, err := f.lookup("delete", id); err != nil {
		return err
	}
	delete(f.users, identKey(id))
	return nil
}

type harness struct {
	t       *testing.T
	db      *gorm.DB
	core    *Core
	drivers map[string]*fakeDriver
	panels  map[string]models.Panel
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.NewDB(t)
	h := &harness{t: t, db: db, drivers: map[string]*fakeDriver{}, panels: map[string]models.Panel{}}

	reg := NewRegistry(zap.NewNop())
	factory := func(cfg panel.Config) panel.Driver { return h.drivers[cfg.Name] }
	for _, k := range panel.Kinds {
		reg.Register(k, factory)
	}
	h.core = New(db, reg, zap.NewNop())
	h.core.Now = func() time.Time { return testNow }
	return h
}

func (h *harness) addPanel(name string, kind panel.Kind, category string, order int) *fakeDriver {
	h.t.Helper()
	p := models.Panel{Name: name, Kind: string(kind), Category: category, APIURL: "http://" + name, IsActive: true, DisplayOrder: order}
	require.NoError(h.t, h.db.Create(&p).Error)
	h.panels[name] = p
	d := newFakeDriver(name, kind)
	h.drivers[name] = d
	return d
}

func (h *harness) addService(owner int64, uuid, name string, panelNames ...string) models.Service {
	h.t.Helper()
	require.NoError(h.t, h.db.Where(models.User{ID: owner}).FirstOrCreate(&models.User{ID: owner}).Error)
	svc := models.Service{UserID: owner, UUID: uuid, Name: name, IsActive: true}
	require.NoError(h.t, h.db.Create(&svc).Error)
	ids := make([]uint, 0, len(panelNames))
	for _, n := range panelNames {
		ids = append(ids, h.panels[n].ID)
	}
	require.NoError(h.t, h.core.Entitlements().Grant(context.Background(), svc.ID, ids...))
	return svc
}

func (h *harness) totalCalls() int {
	n := 0
	for _, d := range h.drivers {
		n += d.total()
	}
	return n
}
