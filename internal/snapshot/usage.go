package snapshot

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"hubbot/internal/database"
	"hubbot/internal/models"
	"hubbot/internal/panel"
)

// Usage is one service's consumption per panel kind, in GB.
type Usage struct {
	Hiddify    float64
	Marzban    float64
	Remnawave  float64
	Pasarguard float64
}

func (u Usage) Total() float64 {
	return round3(u.Hiddify + u.Marzban + u.Remnawave + u.Pasarguard)
}

func (u *Usage) set(k panel.Kind, gb float64) {
	switch k {
	case panel.Hiddify:
		u.Hiddify = gb
	case panel.Marzban:
		u.Marzban = gb
	case panel.Remnawave:
		u.Remnawave = gb
	case panel.Pasarguard:
		u.Pasarguard = gb
	}
}

// DailyUsage is how much a service used of kind k since local midnight.
func (e *Engine) DailyUsage(ctx context.Context, serviceID uint, k panel.Kind, now time.Time) (float64, error) {
	if _, err := column(k); err != nil {
		return 0, err
	}
	midnight := e.midnight(now)
	now = now.UTC()
	q := func() *gorm.DB {
		return e.db.WithContext(ctx).Model(&models.UsageSnapshot{}).Where("service_id = ?", serviceID)
	}

	var before, first, last []models.UsageSnapshot
	if err := q().Where("taken_at < ?", midnight).Order("taken_at DESC").Limit(1).Find(&before).Error; err != nil {
		return 0, database.Classify(err)
	}
	if err := q().Where("taken_at >= ? AND taken_at <= ?", midnight, now).Order("taken_at ASC").Limit(1).Find(&first).Error; err != nil {
		return 0, database.Classify(err)
	}
	if err := q().Where("taken_at <= ?", now).Order("taken_at DESC").Limit(1).Find(&last).Error; err != nil {
		return 0, database.Classify(err)
	}

	start := pick(before, first)
	if start == nil || len(last) == 0 {
		return 0, nil
	}
	return dailyDelta(start.Get(k), last[0].Get(k)), nil
}

func pick(primary, fallback []models.UsageSnapshot) *models.UsageSnapshot {
	if len(primary) > 0 {
		return &primary[0]
	}
	if len(fallback) > 0 {
		return &fallback[0]
	}
	return nil
}

// dailyDelta is end-start, except that a decrease means the counter was
// reset inside the window and only end is counted.
func dailyDelta(start, end float64) float64 {
	d := end - start
	if d < 0 {
		d = end
	}
	if d < 0 {
		d = 0
	}
	return round3(d)
}

// IntervalUsage is max-min of kind k over the trailing window.
func (e *Engine) IntervalUsage(ctx context.Context, serviceID uint, k panel.Kind, window time.Duration, now time.Time) (float64, error) {
	col, err := column(k)
	if err != nil {
		return 0, err
	}
	var spread struct {
		Hi float64
		Lo float64
	}
	err = e.db.WithContext(ctx).Model(&models.UsageSnapshot{}).
		Select(fmt.Sprintf("COALESCE(MAX(%[1]s), 0) AS hi, COALESCE(MIN(%[1]s), 0) AS lo", col)).
		Where("service_id = ? AND taken_at >= ? AND taken_at <= ?", serviceID, now.UTC().Add(-window), now.UTC()).
		Scan(&spread).Error
	if err != nil {
		return 0, database.Classify(err)
	}
	return round3(math.Max(0, spread.Hi-spread.Lo)), nil
}

// ResetAwareUsage walks the snapshots in [from, to] and sums every
// increase. A decrease is a reset: the new value is counted from zero.
func (e *Engine) ResetAwareUsage(ctx context.Context, serviceID uint, k panel.Kind, from, to time.Time) (float64, error) {
	series, err := e.series(ctx, serviceID, k, from, to)
	if err != nil {
		return 0, err
	}
	return resetAwareSum(series), nil
}

type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// PeriodUsage is reset-aware consumption since the start of the current
// local day, week (starting Saturday) or month. The last snapshot before
// the period start is the baseline.
func (e *Engine) PeriodUsage(ctx context.Context, serviceID uint, k panel.Kind, p Period, now time.Time) (float64, error) {
	col, err := column(k)
	if err != nil {
		return 0, err
	}
	from, err := e.periodStart(p, now)
	if err != nil {
		return 0, err
	}

	var baseline []float64
	err = e.db.WithContext(ctx).Model(&models.UsageSnapshot{}).
		Where("service_id = ? AND taken_at < ?", serviceID, from).
		Order("taken_at DESC").Limit(1).
		Pluck(col, &baseline).Error
	if err != nil {
		return 0, database.Classify(err)
	}
	series, err := e.series(ctx, serviceID, k, from, now)
	if err != nil {
		return 0, err
	}
	return resetAwareSum(append(baseline, series...)), nil
}

func (e *Engine) periodStart(p Period, now time.Time) (time.Time, error) {
	l := now.In(e.loc)
	day := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, e.loc)
	switch p {
	case Daily:
		return day.UTC(), nil
	case Weekly:
		back := (int(day.Weekday()) - int(time.Saturday) + 7) % 7
		return day.AddDate(0, 0, -back).UTC(), nil
	case Monthly:
		return time.Date(l.Year(), l.Month(), 1, 0, 0, 0, 0, e.loc).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unknown period %q", p)
}

func (e *Engine) series(ctx context.Context, serviceID uint, k panel.Kind, from, to time.Time) ([]float64, error) {
	col, err := column(k)
	if err != nil {
		return nil, err
	}
	var values []float64
	err = e.db.WithContext(ctx).Model(&models.UsageSnapshot{}).
		Where("service_id = ? AND taken_at >= ? AND taken_at <= ?", serviceID, from.UTC(), to.UTC()).
		Order("taken_at ASC").
		Pluck(col, &values).Error
	if err != nil {
		return nil, database.Classify(err)
	}
	return values, nil
}

func resetAwareSum(values []float64) float64 {
	total := 0.0
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d < 0 {
			d = values[i]
		}
		total += d
	}
	return round3(math.Max(0, total))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
