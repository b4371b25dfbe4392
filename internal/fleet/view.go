package fleet

import (
	"math"
	"time"

	"hubbot/internal/panel"
)

// Slice is one panel's share of a logical user. Data is nil when the user
// has no account there; Err is set when the panel could not be read.
type Slice struct {
	PanelID      uint
	Name         string
	Kind         panel.Kind
	Category     string
	DisplayOrder int
	Data         *panel.User
	Err          error
}

// View is the logical user assembled from every entitled panel.
type View struct {
	ServiceID       uint
	OwnerID         int64
	UUID            string
	Username        string
	Name            string
	ServiceActive   bool
	IsActive        bool
	UsageLimitGB    float64
	CurrentUsageGB  float64
	UsagePercentage float64
	Expire          *int // days left; nil is unlimited, negative is expired
	LastOnline      *time.Time
	Breakdown       []Slice
	FetchedAt       time.Time
}

func (v *View) Slice(panelName string) (*Slice, bool) {
	for i := range v.Breakdown {
		if v.Breakdown[i].Name == panelName {
			return &v.Breakdown[i], true
		}
	}
	return nil, false
}

// Failed reports whether any panel in the breakdown could not be read.
func (v *View) Failed() bool {
	for _, s := range v.Breakdown {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// UsedByKind sums used GB per panel kind.
func (v *View) UsedByKind() map[panel.Kind]float64 {
	out := map[panel.Kind]float64{}
	for _, s := range v.Breakdown {
		if s.Data != nil {
			out[s.Kind] += s.Data.UsedGB
		}
	}
	return out
}

func (v *View) clone() *View {
	if v == nil {
		return nil
	}
	cp := *v
	if v.Expire != nil {
		e := *v.Expire
		cp.Expire = &e
	}
	cp.Breakdown = make([]Slice, len(v.Breakdown))
	for i, s := range v.Breakdown {
		if s.Data != nil {
			d := *s.Data
			s.Data = &d
		}
		cp.Breakdown[i] = s
	}
	return &cp
}

// recompute derives the aggregate fields from the breakdown.
func (v *View) recompute(now time.Time) {
	v.UsageLimitGB, v.CurrentUsageGB = 0, 0
	v.LastOnline = nil
	anyEnabled := false

	var (
		valid     *int
		unlimited bool
		expired   *int
	)
	for _, s := range v.Breakdown {
		d := s.Data
		if d == nil {
			continue
		}
		v.UsageLimitGB += d.LimitGB
		v.CurrentUsageGB += d.UsedGB
		anyEnabled = anyEnabled || d.Enabled
		if d.LastSeen != nil && (v.LastOnline == nil || d.LastSeen.After(*v.LastOnline)) {
			t := *d.LastSeen
			v.LastOnline = &t
		}

		days := d.RemainingDays(now)
		switch {
		case days == nil:
			unlimited = true
		case *days >= 0:
			if valid == nil || *days < *valid {
				valid = days
			}
		default:
			if expired == nil || *days > *expired {
				expired = days
			}
		}
	}

	switch {
	case valid != nil:
		v.Expire = valid
	case unlimited:
		v.Expire = nil
	default:
		v.Expire = expired
	}

	v.UsageLimitGB = panel.RoundGB(v.UsageLimitGB)
	v.CurrentUsageGB = panel.RoundGB(v.CurrentUsageGB)
	v.UsagePercentage = 0
	if v.UsageLimitGB > 0 {
		v.UsagePercentage = math.Round(v.CurrentUsageGB/v.UsageLimitGB*10000) / 100
	}
	v.IsActive = v.ServiceActive && anyEnabled
}
