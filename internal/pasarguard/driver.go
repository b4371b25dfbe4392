// Package pasarguard drives Pasarguard panels, a marzban fork. The account
// username is the service uuid and expiry travels as ISO-8601.
package pasarguard

import (
	"time"

	"hubbot/internal/marzban"
	"hubbot/internal/panel"
)

var dialect = marzban.Dialect{
	Kind: panel.Pasarguard,
	Username: func(id panel.Ident) (string, bool) {
		return id.UUID()
	},
	Ident: panel.UUID,
	EncodeExpire: func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	},
	ProxySettings: true,
}

type Driver struct {
	*marzban.Driver
}

var _ panel.Driver = (*Driver)(nil)

func New(cfg panel.Config) *Driver {
	return &Driver{Driver: marzban.NewDialect(cfg, dialect)}
}
