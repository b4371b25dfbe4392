package remnawave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hubbot/internal/panel"

	"go.uber.org/zap"
)

const pageSize = 500

// farFuture stands in for "never" because the panel requires an expiry.
var farFuture = time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC)

var usernameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type Client struct {
	api     *panel.Client
	squadID string
	log     *zap.Logger
	now     func() time.Time
}

var _ panel.Driver = (*Client)(nil)

// NewClient builds a driver authenticated with the API token in Secret1.
// Secret2, when set, is the internal squad new users join.
func NewClient(cfg panel.Config) *Client {
	api := cfg.NewClient()
	apiKey := cfg.Secret1
	api.Authorize = func(_ context.Context, req *http.Request) error {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", apiKey))
		return nil
	}
	return &Client{api: api, squadID: cfg.Secret2, log: api.Logger, now: cfg.Clock()}
}

func (c *Client) Kind() panel.Kind { return panel.Remnawave }

func (c *Client) doRequest(ctx context.Context, op, method, endpoint string, query url.Values, body any, out any) error {
	var env APIResponse
	var target any
	if out != nil {
		target = &env
	}
	_, err := c.api.Do(ctx, panel.Request{Op: op, Method: method, Path: endpoint, Query: query, Body: body}, target)
	if err != nil || out == nil {
		return err
	}
	if len(env.Response) == 0 {
		return c.api.Fail(op, panel.ErrMalformed, fmt.Errorf("missing response envelope"))
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return c.api.Fail(op, panel.ErrMalformed, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return nil
}

func (c *Client) ListUsers(ctx context.Context) ([]panel.User, error) {
	var users []panel.User
	for start := 0; ; start += pageSize {
		q := url.Values{}
		q.Set("size", strconv.Itoa(pageSize))
		q.Set("start", strconv.Itoa(start))

		var page usersPage
		if err := c.doRequest(ctx, "list_users", http.MethodGet, "/api/users", q, nil, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Users {
			var u UserResponse
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, c.api.Fail("list_users", panel.ErrMalformed, err)
			}
			if u.UUID == "" {
				continue
			}
			users = append(users, c.normalize(u, raw))
		}
		if len(page.Users) < pageSize || start+len(page.Users) >= page.Total {
			break
		}
	}
	return users, nil
}

func (c *Client) GetUser(ctx context.Context, id panel.Ident) (*panel.User, error) {
	uuid, err := c.uuid("get_user", id)
	if err != nil {
		return nil, err
	}
	u, raw, err := c.fetch(ctx, "get_user", uuid)
	if err != nil {
		return nil, err
	}
	out := c.normalize(*u, raw)
	return &out, nil
}

func (c *Client) CreateUser(ctx context.Context, req panel.CreateRequest) (*panel.User, error) {
	expire := farFuture
	if req.Days > 0 {
		expire = c.now().UTC().Add(time.Duration(req.Days) * 24 * time.Hour)
	}
	body := CreateUserRequest{
		UUID:                 req.UUID,
		Username:             Username(req.Name, req.UUID),
		Status:               "ACTIVE",
		TrafficLimitBytes:    limitBytes(req.LimitGB),
		TrafficLimitStrategy: "NO_RESET",
		ExpireAt:             expire.Format(time.RFC3339),
		Description:          req.Name,
	}
	if c.squadID != "" {
		body.ActiveInternalSquads = []string{c.squadID}
	}

	var raw json.RawMessage
	if err := c.doRequest(ctx, "create_user", http.MethodPost, "/api/users", nil, body, &raw); err != nil {
		return nil, err
	}
	var u UserResponse
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, c.api.Fail("create_user", panel.ErrMalformed, err)
	}
	out := c.normalize(u, raw)
	return &out, nil
}

func (c *Client) Modify(ctx context.Context, id panel.Ident, ch panel.Change) error {
	uuid, err := c.uuid("modify_user", id)
	if err != nil {
		return err
	}
	cur, raw, err := c.fetch(ctx, "modify_user", uuid)
	if err != nil || ch.IsZero() {
		return err
	}

	now := c.now()
	prev := c.normalize(*cur, raw)
	limitGB, expire := ch.Apply(prev.LimitGB, prev.ExpireAt, now)

	limit := limitBytes(limitGB)
	exp := farFuture
	if expire != nil {
		exp = *expire
	}
	expStr := exp.UTC().Format(time.RFC3339)
	body := UpdateUserRequest{UUID: uuid, TrafficLimitBytes: &limit, ExpireAt: &expStr}
	if (cur.Status == "EXPIRED" || cur.Status == "LIMITED") && exp.After(now) && (limit == 0 || cur.usedBytes() < limit) {
		body.Status = "ACTIVE"
	}
	return c.doRequest(ctx, "modify_user", http.MethodPatch, "/api/users", nil, body, nil)
}

func (c *Client) SetEnabled(ctx context.Context, id panel.Ident, enabled bool) error {
	uuid, err := c.uuid("set_enabled", id)
	if err != nil {
		return err
	}
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.doRequest(ctx, "set_enabled", http.MethodPost, fmt.Sprintf("/api/users/%s/actions/%s", uuid, action), nil, nil, nil)
}

func (c *Client) ResetTraffic(ctx context.Context, id panel.Ident) error {
	uuid, err := c.uuid("reset_traffic", id)
	if err != nil {
		return err
	}
	return c.doRequest(ctx, "reset_traffic", http.MethodPost, fmt.Sprintf("/api/users/%s/actions/reset-traffic", uuid), nil, nil, nil)
}

func (c *Client) DeleteUser(ctx context.Context, id panel.Ident) error {
	uuid, err := c.uuid("delete_user", id)
	if err != nil {
		return err
	}
	return c.doRequest(ctx, "delete_user", http.MethodDelete, fmt.Sprintf("/api/users/%s", uuid), nil, nil, nil)
}

func (c *Client) fetch(ctx context.Context, op, uuid string) (*UserResponse, json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, op, http.MethodGet, fmt.Sprintf("/api/users/%s", uuid), nil, nil, &raw); err != nil {
		return nil, nil, err
	}
	var u UserResponse
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, nil, c.api.Fail(op, panel.ErrMalformed, err)
	}
	return &u, raw, nil
}

func (c *Client) uuid(op string, id panel.Ident) (string, error) {
	v, ok := id.UUID()
	if !ok {
		return "", c.api.Fail(op, panel.ErrIdentifier, fmt.Errorf("remnawave expects a uuid, got %q", id.String()))
	}
	return v, nil
}

func (c *Client) normalize(u UserResponse, raw json.RawMessage) panel.User {
	used := u.usedBytes()
	out := panel.User{
		Ident:      panel.UUID(u.UUID),
		Name:       u.Username,
		UsedBytes:  used,
		UsedGB:     panel.BytesToGB(used),
		LimitBytes: u.TrafficLimitBytes,
		LimitGB:    panel.BytesToGB(u.TrafficLimitBytes),
		Status:     strings.ToLower(u.Status),
		Enabled:    u.Status == "ACTIVE",
		Raw:        raw,
	}
	if u.Description != "" {
		out.Name = u.Description
	}
	if t, ok := panel.ParseTime(u.ExpireAt); ok && t != nil && t.Before(farFuture.AddDate(-1, 0, 0)) {
		out.ExpireAt = t
	}
	if s := u.onlineAt(); s != nil {
		if t, ok := panel.ParseTime(*s); ok {
			out.LastSeen = t
		}
	}
	return out
}

// Username derives the panel username: the sanitized display name plus a
// uuid prefix so two services with one name never collide.
func Username(name, uuid string) string {
	base := usernameUnsafe.ReplaceAllString(strings.TrimSpace(name), "_")
	base = strings.Trim(base, "_")
	if len(base) > 24 {
		base = base[:24]
	}
	if base == "" {
		base = "user"
	}
	suffix := strings.ReplaceAll(uuid, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		return base
	}
	return base + "_" + suffix
}

func limitBytes(gb float64) int64 {
	if gb <= 0 {
		return 0
	}
	return panel.GBToBytes(gb)
}
