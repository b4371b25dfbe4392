package panel

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const bytesPerGB = 1024 * 1024 * 1024

// User is the normalized projection of one upstream account. Raw keeps the
// panel's original JSON row for display; nothing reads fields out of it.
type User struct {
	Ident      Ident
	Name       string
	UsedGB     float64
	LimitGB    float64 // 0 means unlimited
	UsedBytes  int64
	LimitBytes int64
	ExpireAt   *time.Time // nil means no expiry
	Enabled    bool
	Status     string
	LastSeen   *time.Time
	Raw        json.RawMessage
}

// RemainingDays returns whole days until ExpireAt, negative once it has
// passed, or nil when the account never expires.
func (u *User) RemainingDays(now time.Time) *int {
	if u == nil || u.ExpireAt == nil {
		return nil
	}
	d := int(math.Floor(u.ExpireAt.Sub(now).Hours() / 24))
	return &d
}

func BytesToGB(b int64) float64 {
	return float64(b) / bytesPerGB
}

func GBToBytes(gb float64) int64 {
	return int64(math.Round(gb * bytesPerGB))
}

// RoundGB rounds a GB figure to three decimals.
func RoundGB(gb float64) float64 {
	return math.Round(gb*1000) / 1000
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts ISO-8601 with or without zone, "YYYY-MM-DD HH:MM:SS"
// and a bare date. Zone-less values are taken as UTC.
func ParseTime(s string) (*time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil, true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, true
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return ParseUnix(n), true
	}
	return nil, false
}

// ParseUnix converts epoch seconds. Zero and negative values mean "unset".
func ParseUnix(sec float64) *time.Time {
	if sec <= 0 {
		return nil
	}
	whole, frac := math.Modf(sec)
	t := time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return &t
}
