package panel

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Driver is the capability set every upstream panel kind implements.
type Driver interface {
	Kind() Kind
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id Ident) (*User, error)
	CreateUser(ctx context.Context, req CreateRequest) (*User, error)
	Modify(ctx context.Context, id Ident, ch Change) error
	SetEnabled(ctx context.Context, id Ident, enabled bool) error
	ResetTraffic(ctx context.Context, id Ident) error
	DeleteUser(ctx context.Context, id Ident) error
}

// Change is either additive (AddGB, AddDays) or absolute (SetLimitGB,
// SetExpire). Absolute fields win when both are set.
type Change struct {
	AddGB      float64
	AddDays    int
	SetLimitGB *float64
	SetExpire  *time.Time
}

func (c Change) IsZero() bool {
	return c.AddGB == 0 && c.AddDays == 0 && c.SetLimitGB == nil && c.SetExpire == nil
}

// Apply computes the new absolute limit and expiry from the current values.
// A zero limit is unlimited and stays so under AddGB. Adding days to an
// expired or unset expiry counts from now.
func (c Change) Apply(limitGB float64, expire *time.Time, now time.Time) (float64, *time.Time) {
	switch {
	case c.SetLimitGB != nil:
		limitGB = *c.SetLimitGB
	case c.AddGB != 0 && limitGB > 0:
		limitGB += c.AddGB
		if limitGB < 0 {
			limitGB = 0
		}
	}

	switch {
	case c.SetExpire != nil:
		t := c.SetExpire.UTC()
		expire = &t
	case c.AddDays != 0:
		base := now
		if expire != nil && expire.After(now) {
			base = *expire
		}
		t := base.Add(time.Duration(c.AddDays) * 24 * time.Hour).UTC()
		expire = &t
	}
	return limitGB, expire
}

type CreateRequest struct {
	Name     string
	LimitGB  float64
	Days     int // 0 means no expiry
	UUID     string
	Username string
}

// Config is what a driver constructor needs to reach one panel.
type Config struct {
	Name        string
	BaseURL     string
	Secret1     string
	Secret2     string
	Governor    *Governor
	HTTPClient  *http.Client
	Logger      *zap.Logger
	RetryBudget time.Duration
	Now         func() time.Time
}

// NewClient builds the shared HTTP helper from a driver config.
func (c Config) NewClient() *Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		Panel:       c.Name,
		BaseURL:     c.BaseURL,
		HTTPClient:  hc,
		Governor:    c.Governor,
		RetryBudget: c.RetryBudget,
		Logger:      log.With(zap.String("panel", c.Name)),
	}
}

func (c Config) Clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}
