// Package hiddify drives the Hiddify v2 admin API. Users are addressed by
// uuid; limits and usage are reported in GB and expiry as a package length
// counted from the first connection date.
package hiddify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"hubbot/internal/panel"

	"go.uber.org/zap"
)

const basePath = "/api/v2/admin/user/"

type Driver struct {
	api *panel.Client
	log *zap.Logger
	now func() time.Time
}

var _ panel.Driver = (*Driver)(nil)

func New(cfg panel.Config) *Driver {
	api := cfg.NewClient()
	key := cfg.Secret1
	api.Authorize = func(_ context.Context, req *http.Request) error {
		req.Header.Set("Hiddify-API-Key", key)
		return nil
	}
	return &Driver{api: api, log: api.Logger, now: cfg.Clock()}
}

func (d *Driver) Kind() panel.Kind { return panel.Hiddify }

func (d *Driver) ListUsers(ctx context.Context) ([]panel.User, error) {
	var rows []json.RawMessage
	if _, err := d.api.Do(ctx, panel.Request{Op: "list_users", Method: http.MethodGet, Path: basePath}, &rows); err != nil {
		return nil, err
	}

	now := d.now()
	users := make([]panel.User, 0, len(rows))
	for _, raw := range rows {
		var u apiUser
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, d.api.Fail("list_users", panel.ErrMalformed, err)
		}
		if u.UUID == "" {
			d.log.Debug("skipping hiddify row without uuid")
			continue
		}
		users = append(users, normalize(u, raw, now))
	}
	return users, nil
}

func (d *Driver) GetUser(ctx context.Context, id panel.Ident) (*panel.User, error) {
	uuid, err := d.uuid("get_user", id)
	if err != nil {
		return nil, err
	}
	u, raw, err := d.fetch(ctx, "get_user", uuid)
	if err != nil {
		return nil, err
	}
	out := normalize(*u, raw, d.now())
	return &out, nil
}

func (d *Driver) CreateUser(ctx context.Context, req panel.CreateRequest) (*panel.User, error) {
	if req.UUID == "" {
		return nil, d.api.Fail("create_user", panel.ErrIdentifier, fmt.Errorf("hiddify requires a uuid"))
	}
	days := req.Days
	if days <= 0 {
		days = unlimitedDays
	}
	body := createUserRequest{
		UUID:         req.UUID,
		Name:         req.Name,
		UsageLimitGB: req.LimitGB,
		PackageDays:  days,
		Mode:         "no_reset",
		Enable:       true,
		IsActive:     true,
	}

	var created json.RawMessage
	if _, err := d.api.Do(ctx, panel.Request{Op: "create_user", Method: http.MethodPost, Path: basePath, Body: body}, &created); err != nil {
		return nil, err
	}
	var u apiUser
	if err := json.Unmarshal(created, &u); err != nil || u.UUID == "" {
		// Older builds answer with a bare status object.
		return d.GetUser(ctx, panel.UUID(req.UUID))
	}
	out := normalize(u, created, d.now())
	return &out, nil
}

// Modify is a read-modify-write: hiddify stores the absolute limit and the
// package length, so deltas are folded into the current values.
func (d *Driver) Modify(ctx context.Context, id panel.Ident, ch panel.Change) error {
	uuid, err := d.uuid("modify_user", id)
	if err != nil {
		return err
	}
	if ch.IsZero() {
		_, _, err := d.fetch(ctx, "modify_user", uuid)
		return err
	}
	cur, _, err := d.fetch(ctx, "modify_user", uuid)
	if err != nil {
		return err
	}

	now := d.now()
	patch := patchUserRequest{}
	switch {
	case ch.SetLimitGB != nil:
		limit := *ch.SetLimitGB
		patch.UsageLimitGB = &limit
	case ch.AddGB != 0:
		limit := math.Max(0, cur.UsageLimitGB+ch.AddGB)
		patch.UsageLimitGB = &limit
	}

	switch {
	case ch.SetExpire != nil:
		today := now.UTC().Truncate(24 * time.Hour)
		days := int(math.Ceil(ch.SetExpire.Sub(today).Hours() / 24))
		if days < 0 {
			days = 0
		}
		start := today.Format(time.DateOnly)
		patch.StartDate = &start
		patch.PackageDays = &days
	case ch.AddDays != 0:
		days := cur.PackageDays + ch.AddDays
		if exp := expireOf(*cur, now); exp != nil && !exp.After(now) && ch.AddDays > 0 {
			// Expired: the new package starts today.
			start := now.UTC().Format(time.DateOnly)
			patch.StartDate = &start
			days = ch.AddDays
		}
		if days < 0 {
			days = 0
		}
		patch.PackageDays = &days
	}

	return d.patch(ctx, "modify_user", uuid, patch)
}

func (d *Driver) SetEnabled(ctx context.Context, id panel.Ident, enabled bool) error {
	uuid, err := d.uuid("set_enabled", id)
	if err != nil {
		return err
	}
	return d.patch(ctx, "set_enabled", uuid, patchUserRequest{Enable: &enabled, IsActive: &enabled, Mode: "no_reset"})
}

func (d *Driver) ResetTraffic(ctx context.Context, id panel.Ident) error {
	uuid, err := d.uuid("reset_traffic", id)
	if err != nil {
		return err
	}
	zero := 0.0
	return d.patch(ctx, "reset_traffic", uuid, patchUserRequest{CurrentUsageGB: &zero})
}

func (d *Driver) DeleteUser(ctx context.Context, id panel.Ident) error {
	uuid, err := d.uuid("delete_user", id)
	if err != nil {
		return err
	}
	_, err = d.api.Do(ctx, panel.Request{Op: "delete_user", Method: http.MethodDelete, Path: basePath + uuid + "/"}, nil)
	return err
}

func (d *Driver) fetch(ctx context.Context, op, uuid string) (*apiUser, json.RawMessage, error) {
	var u apiUser
	raw, err := d.api.Do(ctx, panel.Request{Op: op, Method: http.MethodGet, Path: basePath + uuid + "/"}, &u)
	if err != nil {
		return nil, nil, err
	}
	return &u, raw, nil
}

func (d *Driver) patch(ctx context.Context, op, uuid string, body patchUserRequest) error {
	_, err := d.api.Do(ctx, panel.Request{Op: op, Method: http.MethodPatch, Path: basePath + uuid + "/", Body: body}, nil)
	return err
}

func (d *Driver) uuid(op string, id panel.Ident) (string, error) {
	v, ok := id.UUID()
	if !ok {
		return "", d.api.Fail(op, panel.ErrIdentifier, fmt.Errorf("hiddify expects a uuid, got %q", id.String()))
	}
	return v, nil
}

func normalize(u apiUser, raw json.RawMessage, now time.Time) panel.User {
	enabled := u.Enable == nil || *u.Enable
	active := u.IsActive == nil || *u.IsActive
	status := "active"
	switch {
	case !enabled:
		status = "disabled"
	case !active:
		status = "limited"
	}

	out := panel.User{
		Ident:      panel.UUID(u.UUID),
		Name:       u.Name,
		UsedGB:     u.CurrentUsageGB,
		LimitGB:    u.UsageLimitGB,
		UsedBytes:  panel.GBToBytes(u.CurrentUsageGB),
		LimitBytes: panel.GBToBytes(u.UsageLimitGB),
		ExpireAt:   expireOf(u, now),
		Enabled:    enabled && active,
		Status:     status,
		Raw:        raw,
	}
	if u.LastOnline != nil {
		if t, ok := panel.ParseTime(*u.LastOnline); ok && t != nil && t.Year() > 1970 {
			out.LastSeen = t
		}
	}
	return out
}

// expireOf derives the absolute expiry. A package that has not started yet
// runs from now.
func expireOf(u apiUser, now time.Time) *time.Time {
	if u.PackageDays >= unlimitedDays {
		return nil
	}
	start := now.UTC()
	if u.StartDate != nil {
		if t, ok := panel.ParseTime(*u.StartDate); ok && t != nil {
			start = *t
		}
	}
	exp := start.Add(time.Duration(u.PackageDays) * 24 * time.Hour)
	return &exp
}
