// Package marzban drives Marzban panels and anything speaking the same
// admin API. Users are addressed by username; limits are absolute bytes
// and expiry an absolute timestamp, so every delta is read-modify-write.
package marzban

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hubbot/internal/panel"

	"go.uber.org/zap"
)

const pageSize = 500

// Dialect captures what differs between marzban-compatible panels.
type Dialect struct {
	Kind panel.Kind
	// Username maps a driver identifier onto the name the API addresses.
	Username func(id panel.Ident) (string, bool)
	// Ident builds the identifier reported for a listed username.
	Ident func(username string) panel.Ident
	// EncodeExpire renders an absolute expiry for write bodies; nil means none.
	EncodeExpire func(t *time.Time) any
	// ProxySettings selects the pasarguard proxy_settings field instead of proxies.
	ProxySettings bool
}

// Marzban is the stock dialect: username identifiers and unix expiry.
var Marzban = Dialect{
	Kind:     panel.Marzban,
	Username: func(id panel.Ident) (string, bool) { return id.Username() },
	Ident:    panel.Username,
	EncodeExpire: func(t *time.Time) any {
		if t == nil {
			return 0
		}
		return t.Unix()
	},
}

type Driver struct {
	api     *panel.Client
	session *Session
	dialect Dialect
	log     *zap.Logger
	now     func() time.Time
}

var _ panel.Driver = (*Driver)(nil)

func New(cfg panel.Config) *Driver {
	return NewDialect(cfg, Marzban)
}

func NewDialect(cfg panel.Config, dialect Dialect) *Driver {
	api := cfg.NewClient()
	return &Driver{
		api:     api,
		session: NewSession(api, cfg.Secret1, cfg.Secret2),
		dialect: dialect,
		log:     api.Logger,
		now:     cfg.Clock(),
	}
}

func (d *Driver) Kind() panel.Kind { return d.dialect.Kind }

func (d *Driver) ListUsers(ctx context.Context) ([]panel.User, error) {
	var users []panel.User
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(pageSize))

		var page usersPage
		if _, err := d.session.Do(ctx, panel.Request{Op: "list_users", Method: http.MethodGet, Path: "/api/users", Query: q}, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Users {
			var u apiUser
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, d.api.Fail("list_users", panel.ErrMalformed, err)
			}
			if u.Username == "" {
				continue
			}
			users = append(users, d.normalize(u, raw))
		}
		if len(page.Users) < pageSize || (page.Total > 0 && len(users) >= page.Total) {
			break
		}
	}
	return users, nil
}

func (d *Driver) GetUser(ctx context.Context, id panel.Ident) (*panel.User, error) {
	name, err := d.username("get_user", id)
	if err != nil {
		return nil, err
	}
	u, raw, err := d.fetch(ctx, "get_user", name)
	if err != nil {
		return nil, err
	}
	out := d.normalize(*u, raw)
	return &out, nil
}

func (d *Driver) CreateUser(ctx context.Context, req panel.CreateRequest) (*panel.User, error) {
	// Only username-addressed dialects take the caller's name; the others
	// must create the account under the name later lookups will use.
	name, _ := d.dialect.Username(panel.UUID(req.UUID))
	if d.dialect.Kind.UsesUsername() {
		name = req.Username
	}
	if name == "" {
		return nil, d.api.Fail("create_user", panel.ErrIdentifier, fmt.Errorf("%s create needs a username", d.dialect.Kind))
	}

	var expire *time.Time
	if req.Days > 0 {
		t := d.now().UTC().Add(time.Duration(req.Days) * 24 * time.Hour)
		expire = &t
	}
	body := userWrite{
		Username:               name,
		DataLimit:              limitBytes(req.LimitGB),
		Expire:                 d.dialect.EncodeExpire(expire),
		Status:                 "active",
		Note:                   req.Name,
		DataLimitResetStrategy: "no_reset",
	}
	px := &proxies{Vless: vlessProxy{ID: req.UUID}}
	if d.dialect.ProxySettings {
		body.ProxySettings = px
	} else {
		body.Proxies = px
	}

	var u apiUser
	raw, err := d.session.Do(ctx, panel.Request{Op: "create_user", Method: http.MethodPost, Path: "/api/user", Body: body}, &u)
	if err != nil {
		return nil, err
	}
	out := d.normalize(u, raw)
	return &out, nil
}

func (d *Driver) Modify(ctx context.Context, id panel.Ident, ch panel.Change) error {
	name, err := d.username("modify_user", id)
	if err != nil {
		return err
	}
	cur, raw, err := d.fetch(ctx, "modify_user", name)
	if err != nil || ch.IsZero() {
		return err
	}

	now := d.now()
	prev := d.normalize(*cur, raw)
	limitGB, expire := ch.Apply(prev.LimitGB, prev.ExpireAt, now)

	body := userWrite{
		DataLimit: limitBytes(limitGB),
		Expire:    d.dialect.EncodeExpire(expire),
	}
	if body.DataLimit == nil {
		zero := int64(0)
		body.DataLimit = &zero
	}
	// The panel leaves expired and limited users in that state unless told.
	if cur.Status == "expired" || cur.Status == "limited" {
		valid := expire == nil || expire.After(now)
		roomy := limitGB == 0 || prev.UsedGB < limitGB
		if valid && roomy {
			body.Status = "active"
		}
	}

	_, err = d.session.Do(ctx, panel.Request{Op: "modify_user", Method: http.MethodPut, Path: userPath(name), Body: body}, nil)
	return err
}

func (d *Driver) SetEnabled(ctx context.Context, id panel.Ident, enabled bool) error {
	name, err := d.username("set_enabled", id)
	if err != nil {
		return err
	}
	status := "disabled"
	if enabled {
		status = "active"
	}
	_, err = d.session.Do(ctx, panel.Request{Op: "set_enabled", Method: http.MethodPut, Path: userPath(name), Body: statusWrite{Status: status}}, nil)
	return err
}

func (d *Driver) ResetTraffic(ctx context.Context, id panel.Ident) error {
	name, err := d.username("reset_traffic", id)
	if err != nil {
		return err
	}
	_, err = d.session.Do(ctx, panel.Request{Op: "reset_traffic", Method: http.MethodPost, Path: userPath(name) + "/reset"}, nil)
	return err
}

func (d *Driver) DeleteUser(ctx context.Context, id panel.Ident) error {
	name, err := d.username("delete_user", id)
	if err != nil {
		return err
	}
	_, err = d.session.Do(ctx, panel.Request{Op: "delete_user", Method: http.MethodDelete, Path: userPath(name)}, nil)
	return err
}

func (d *Driver) fetch(ctx context.Context, op, name string) (*apiUser, json.RawMessage, error) {
	var u apiUser
	raw, err := d.session.Do(ctx, panel.Request{Op: op, Method: http.MethodGet, Path: userPath(name)}, &u)
	if err != nil {
		return nil, nil, err
	}
	return &u, raw, nil
}

func (d *Driver) username(op string, id panel.Ident) (string, error) {
	name, ok := d.dialect.Username(id)
	if !ok {
		return "", d.api.Fail(op, panel.ErrIdentifier, fmt.Errorf("%s cannot address %q", d.dialect.Kind, id.String()))
	}
	return name, nil
}

func (d *Driver) normalize(u apiUser, raw json.RawMessage) panel.User {
	out := panel.User{
		Ident:     d.dialect.Ident(u.Username),
		Name:      u.Username,
		UsedBytes: u.UsedTraffic,
		UsedGB:    panel.BytesToGB(u.UsedTraffic),
		Status:    u.Status,
		Enabled:   u.Status == "active" || u.Status == "on_hold",
		Raw:       raw,
	}
	if u.Note != nil && *u.Note != "" {
		out.Name = *u.Note
	}
	if u.DataLimit != nil && *u.DataLimit > 0 {
		out.LimitBytes = *u.DataLimit
		out.LimitGB = panel.BytesToGB(*u.DataLimit)
	}
	if exp, err := DecodeExpire(u.Expire); err == nil {
		out.ExpireAt = exp
	} else {
		d.log.Warn("unparseable expire", zap.String("username", u.Username), zap.Error(err))
	}
	if u.OnlineAt != nil {
		if t, ok := panel.ParseTime(*u.OnlineAt); ok {
			out.LastSeen = t
		}
	}
	return out
}

// DecodeExpire accepts null, unix seconds or an ISO-8601 string.
func DecodeExpire(raw json.RawMessage) (*time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, err
		}
		t, ok := panel.ParseTime(str)
		if !ok {
			return nil, fmt.Errorf("bad expire %q", str)
		}
		return t, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("bad expire %s", s)
	}
	return panel.ParseUnix(n), nil
}

func limitBytes(gb float64) *int64 {
	if gb <= 0 {
		return nil
	}
	b := panel.GBToBytes(gb)
	return &b
}

func userPath(name string) string {
	return "/api/user/" + url.PathEscape(name)
}
