// Package identity maps any user-supplied identifier onto the pair of
// names the panels know a service by: its uuid, and the username marzban
// panels address it with.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hubbot/internal/database"
	"hubbot/internal/models"
	"hubbot/internal/panel"
)

var ErrUnknown = errors.New("identifier matches no uuid or username")

// Identity is the resolved pair. Either side may be empty, never both.
type Identity struct {
	UUID     string
	Username string
}

// For returns the identifier a panel of kind k expects.
func (i Identity) For(k panel.Kind) (panel.Ident, bool) {
	if k.UsesUsername() {
		if i.Username == "" {
			return panel.Ident{}, false
		}
		return panel.Username(i.Username), true
	}
	if i.UUID == "" {
		return panel.Ident{}, false
	}
	return panel.UUID(i.UUID), true
}

type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// IsUUID reports whether s has the canonical 36-character uuid shape.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func (r *Resolver) Resolve(ctx context.Context, s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}, ErrUnknown
	}

	if IsUUID(s) {
		id := Identity{UUID: strings.ToLower(s)}
		var m models.MarzbanMapping
		err := r.db.WithContext(ctx).Where("uuid = ?", id.UUID).Limit(1).Find(&m).Error
		if err != nil {
			return Identity{}, fmt.Errorf("lookup mapping: %w", database.Classify(err))
		}
		id.Username = m.MarzbanUsername
		return id, nil
	}

	var m models.MarzbanMapping
	res := r.db.WithContext(ctx).Where("marzban_username = ?", s).Limit(1).Find(&m)
	if res.Error != nil {
		return Identity{}, fmt.Errorf("lookup mapping: %w", database.Classify(res.Error))
	}
	if res.RowsAffected == 0 {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknown, s)
	}
	return Identity{UUID: m.UUID, Username: m.MarzbanUsername}, nil
}

// Register records uuid <-> username. Re-registering the same pair is a
// no-op; pairing either side with something else is a conflict.
func (r *Resolver) Register(ctx context.Context, uuidStr, username string) error {
	uuidStr = strings.ToLower(strings.TrimSpace(uuidStr))
	username = strings.TrimSpace(username)
	if !IsUUID(uuidStr) || username == "" {
		return fmt.Errorf("register mapping %q -> %q: invalid pair", uuidStr, username)
	}

	return database.Transaction(ctx, r.db, func(tx *gorm.DB) error {
		var existing []models.MarzbanMapping
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ? OR marzban_username = ?", uuidStr, username).
			Find(&existing).Error; err != nil {
			return err
		}
		for _, m := range existing {
			if m.UUID == uuidStr && m.MarzbanUsername == username {
				return nil
			}
			return fmt.Errorf("%w: mapping %s -> %s already taken by %s -> %s",
				database.ErrConflict, uuidStr, username, m.UUID, m.MarzbanUsername)
		}
		return tx.Create(&models.MarzbanMapping{UUID: uuidStr, MarzbanUsername: username}).Error
	})
}

func (r *Resolver) UsernameFor(ctx context.Context, uuidStr string) (string, bool, error) {
	var m models.MarzbanMapping
	res := r.db.WithContext(ctx).Where("uuid = ?", strings.ToLower(uuidStr)).Limit(1).Find(&m)
	if res.Error != nil {
		return "", false, database.Classify(res.Error)
	}
	return m.MarzbanUsername, res.RowsAffected > 0, nil
}

// Mappings returns every uuid -> username pair.
func (r *Resolver) Mappings(ctx context.Context) (map[string]string, error) {
	var rows []models.MarzbanMapping
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, database.Classify(err)
	}
	out := make(map[string]string, len(rows))
	for _, m := range rows {
		out[m.UUID] = m.MarzbanUsername
	}
	return out, nil
}

// EnsureUsername returns the mapped username for uuid, creating one from
// name when none exists yet.
func (r *Resolver) EnsureUsername(ctx context.Context, uuidStr, name string) (string, error) {
	if u, ok, err := r.UsernameFor(ctx, uuidStr); err != nil || ok {
		return u, err
	}

	base := GenerateUsername(name)
	compact := strings.ReplaceAll(strings.ToLower(uuidStr), "-", "")
	candidates := []string{base}
	for _, n := range []int{4, 8, 12} {
		candidates = append(candidates, truncate(base, 32-n-1)+"_"+compact[:n])
	}

	for _, c := range candidates {
		var taken int64
		if err := r.db.WithContext(ctx).Model(&models.MarzbanMapping{}).Where("marzban_username = ?", c).Count(&taken).Error; err != nil {
			return "", database.Classify(err)
		}
		if taken > 0 {
			continue
		}
		err := r.Register(ctx, uuidStr, c)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		return c, err
	}
	return "", fmt.Errorf("%w: no free username for %s", database.ErrConflict, uuidStr)
}

var usernameUnsafe = regexp.MustCompile(`[^a-z0-9_]+`)

// GenerateUsername turns a display name into a marzban-safe username:
// lowercase [a-z0-9_], 3 to 32 characters.
func GenerateUsername(name string) string {
	s := usernameUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "user"
	}
	for len(s) < 3 {
		s += "_"
	}
	return truncate(s, 32)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
