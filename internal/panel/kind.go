package panel

import (
	"fmt"
	"strings"
)

// Kind is the upstream panel software a driver speaks to.
type Kind string

const (
	Hiddify    Kind = "hiddify"
	Marzban    Kind = "marzban"
	Remnawave  Kind = "remnawave"
	Pasarguard Kind = "pasarguard"
)

// Kinds lists every supported kind in snapshot column order.
var Kinds = []Kind{Hiddify, Marzban, Remnawave, Pasarguard}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case Hiddify, Marzban, Remnawave, Pasarguard:
		return k, nil
	}
	return "", fmt.Errorf("unknown panel kind %q", s)
}

// UsesUsername reports whether the kind addresses users by marzban username
// instead of uuid.
func (k Kind) UsesUsername() bool {
	return k == Marzban
}

func (k Kind) String() string {
	return string(k)
}
