package hiddify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hubbot/internal/panel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUUID = "aaaaaaaa-aaaa-aaaa-aaaa-000000000001"

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakePanel struct {
	mu      sync.Mutex
	users   map[string]map[string]any
	patches []map[string]any
}

func newFakePanel(t *testing.T) (*fakePanel, *Driver) {
	t.Helper()
	f := &fakePanel{users: map[string]map[string]any{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	d := New(panel.Config{Name: "de-1", BaseURL: srv.URL, Secret1: "key", Now: func() time.Time { return testNow }})
	return f, d
}

func (f *fakePanel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Hiddify-API-Key") != "key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, basePath), "/")
	switch {
	case id == "" && r.Method == http.MethodGet:
		list := make([]map[string]any, 0, len(f.users))
		for _, u := range f.users {
			list = append(list, u)
		}
		_ = json.NewEncoder(w).Encode(list)
	case id == "" && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["current_usage_GB"] = 0.0
		f.users[body["uuid"].(string)] = body
		_ = json.NewEncoder(w).Encode(body)
	default:
		u, ok := f.users[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(u)
		case http.MethodPatch:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.patches = append(f.patches, body)
			for k, v := range body {
				u[k] = v
			}
			_ = json.NewEncoder(w).Encode(u)
		case http.MethodDelete:
			delete(f.users, id)
			w.WriteHeader(http.StatusOK)
		}
	}
}

func (f *fakePanel) lastPatch() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patches[len(f.patches)-1]
}

func TestCreateAndGet(t *testing.T) {
	_, d := newFakePanel(t)
	ctx := context.Background()

	u, err := d.CreateUser(ctx, panel.CreateRequest{Name: "bob", LimitGB: 20, Days: 30, UUID: testUUID})
	require.NoError(t, err)
	assert.Equal(t, 20.0, u.LimitGB)
	assert.True(t, u.Enabled)
	assert.Equal(t, 30, *u.RemainingDays(testNow))

	got, err := d.GetUser(ctx, panel.UUID(testUUID))
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Name)
	assert.NotEmpty(t, got.Raw)

	users, err := d.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	id, _ := users[0].Ident.UUID()
	assert.Equal(t, testUUID, id)
}

func TestRejectsUsernameIdent(t *testing.T) {
	_, d := newFakePanel(t)
	_, err := d.GetUser(context.Background(), panel.Username("bob"))
	assert.ErrorIs(t, err, panel.ErrIdentifier)
}

func TestGetMissingUser(t *testing.T) {
	_, d := newFakePanel(t)
	_, err := d.GetUser(context.Background(), panel.UUID(testUUID))
	assert.ErrorIs(t, err, panel.ErrNotFound)
}

func TestModifyAddsToCurrentValues(t *testing.T) {
	f, d := newFakePanel(t)
	start := "2025-03-01"
	f.users[testUUID] = map[string]any{
		"uuid": testUUID, "name": "bob", "usage_limit_GB": 20.0, "current_usage_GB": 4.0,
		"package_days": 30, "start_date": start, "enable": true, "is_active": true,
	}

	require.NoError(t, d.Modify(context.Background(), panel.UUID(testUUID), panel.Change{AddGB: 10, AddDays: 5}))
	p := f.lastPatch()
	assert.Equal(t, 30.0, p["usage_limit_GB"])
	assert.Equal(t, 35.0, p["package_days"])
	_, restarted := p["start_date"]
	assert.False(t, restarted)
}

func TestModifyExpiredRestartsPackage(t *testing.T) {
	f, d := newFakePanel(t)
	f.users[testUUID] = map[string]any{
		"uuid": testUUID, "name": "bob", "usage_limit_GB": 20.0,
		"package_days": 5, "start_date": "2025-01-01", "enable": true, "is_active": false,
	}

	require.NoError(t, d.Modify(context.Background(), panel.UUID(testUUID), panel.Change{AddDays: 30}))
	p := f.lastPatch()
	assert.Equal(t, "2025-03-10", p["start_date"])
	assert.Equal(t, 30.0, p["package_days"])
}

func TestToggleAndReset(t *testing.T) {
	f, d := newFakePanel(t)
	f.users[testUUID] = map[string]any{"uuid": testUUID, "name": "bob", "usage_limit_GB": 20.0, "current_usage_GB": 7.0, "package_days": 30}
	ctx := context.Background()

	require.NoError(t, d.SetEnabled(ctx, panel.UUID(testUUID), false))
	p := f.lastPatch()
	assert.Equal(t, false, p["enable"])
	assert.Equal(t, false, p["is_active"])
	assert.Equal(t, "no_reset", p["mode"])

	u, err := d.GetUser(ctx, panel.UUID(testUUID))
	require.NoError(t, err)
	assert.False(t, u.Enabled)
	assert.Equal(t, "disabled", u.Status)

	require.NoError(t, d.ResetTraffic(ctx, panel.UUID(testUUID)))
	assert.Equal(t, 0.0, f.lastPatch()["current_usage_GB"])
}

func TestUnlimitedPackage(t *testing.T) {
	f, d := newFakePanel(t)
	f.users[testUUID] = map[string]any{"uuid": testUUID, "package_days": unlimitedDays, "last_online": "2025-03-09 08:00:00"}

	u, err := d.GetUser(context.Background(), panel.UUID(testUUID))
	require.NoError(t, err)
	assert.Nil(t, u.ExpireAt)
	require.NotNil(t, u.LastSeen)
	assert.Equal(t, time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC), *u.LastSeen)
}

func TestDelete(t *testing.T) {
	f, d := newFakePanel(t)
	f.users[testUUID] = map[string]any{"uuid": testUUID}
	require.NoError(t, d.DeleteUser(context.Background(), panel.UUID(testUUID)))
	assert.Empty(t, f.users)
	assert.ErrorIs(t, d.DeleteUser(context.Background(), panel.UUID(testUUID)), panel.ErrNotFound)
}
