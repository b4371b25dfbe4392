package pasarguard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hubbot/internal/panel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUUID = "bbbbbbbb-bbbb-bbbb-bbbb-000000000002"

func TestUsesUUIDAsUsernameAndISOExpire(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	var created map[string]any
	var put map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/admin/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "token_type": "bearer"})
	})
	mux.HandleFunc("POST /api/user", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&created)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"username": created["username"], "status": "active", "used_traffic": 0,
			"data_limit": created["data_limit"], "expire": created["expire"],
		})
	})
	mux.HandleFunc("GET /api/user/"+testUUID, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"username": testUUID, "status": "on_hold", "used_traffic": 1 << 30,
			"data_limit": 10 << 30, "expire": "2025-05-11T00:00:00Z", "online_at": "2025-04-30T10:00:00",
		})
	})
	mux.HandleFunc("PUT /api/user/"+testUUID, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&put)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(panel.Config{Name: "pg", BaseURL: srv.URL, Secret1: "admin", Secret2: "pw", Now: func() time.Time { return now }})
	assert.Equal(t, panel.Pasarguard, d.Kind())
	ctx := context.Background()

	// A marzban username in the request must not rename the account.
	u, err := d.CreateUser(ctx, panel.CreateRequest{Name: "bob", LimitGB: 10, Days: 10, UUID: testUUID, Username: "bob"})
	require.NoError(t, err)
	assert.Equal(t, testUUID, created["username"])
	assert.Equal(t, "2025-05-11T00:00:00Z", created["expire"])
	assert.Contains(t, created, "proxy_settings")
	id, ok := u.Ident.UUID()
	assert.True(t, ok)
	assert.Equal(t, testUUID, id)

	got, err := d.GetUser(ctx, panel.UUID(testUUID))
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 10, *got.RemainingDays(now))
	assert.InDelta(t, 1.0, got.UsedGB, 1e-9)

	require.NoError(t, d.Modify(ctx, panel.UUID(testUUID), panel.Change{AddDays: 5}))
	assert.Equal(t, "2025-05-16T00:00:00Z", put["expire"])

	_, err = d.GetUser(ctx, panel.Username("bob"))
	assert.ErrorIs(t, err, panel.ErrIdentifier)
}
