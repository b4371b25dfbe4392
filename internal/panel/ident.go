package panel

import "strings"

type identForm uint8

const (
	formNone identForm = iota
	formUUID
	formUsername
)

// Ident is the identifier handed to a driver: either a uuid or a marzban
// username, never a bare string. Build one with UUID or Username.
type Ident struct {
	form  identForm
	value string
}

func UUID(v string) Ident {
	return Ident{form: formUUID, value: strings.ToLower(strings.TrimSpace(v))}
}

func Username(v string) Ident {
	return Ident{form: formUsername, value: strings.TrimSpace(v)}
}

func (i Ident) UUID() (string, bool) {
	return i.value, i.form == formUUID && i.value != ""
}

func (i Ident) Username() (string, bool) {
	return i.value, i.form == formUsername && i.value != ""
}

func (i Ident) IsZero() bool {
	return i.form == formNone || i.value == ""
}

func (i Ident) String() string {
	return i.value
}
