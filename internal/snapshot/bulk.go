package snapshot

import (
	"context"
	"fmt"
	"time"

	"hubbot/internal/database"
	"hubbot/internal/models"
	"hubbot/internal/panel"
)

// BulkDailyUsage computes DailyUsage for every kind of every listed service
// in a fixed number of queries: the pre-midnight baseline, the first
// snapshot of the day, the latest snapshot and the uuid lookup. The
// result is keyed by service uuid and holds an entry for every uuid that
// exists, zero when it has no snapshots. Ids sharing a uuid collapse to a
// single entry: the active row when there is one, otherwise the newest.
func (e *Engine) BulkDailyUsage(ctx context.Context, serviceIDs []uint, now time.Time) (map[string]Usage, error) {
	out := make(map[string]Usage, len(serviceIDs))
	if len(serviceIDs) == 0 {
		return out, nil
	}
	midnight := e.midnight(now)
	now = now.UTC()

	before, err := e.pick(ctx, serviceIDs, "taken_at < ?", []any{midnight}, true)
	if err != nil {
		return nil, fmt.Errorf("baseline snapshots: %w", err)
	}
	first, err := e.pick(ctx, serviceIDs, "taken_at >= ? AND taken_at <= ?", []any{midnight, now}, false)
	if err != nil {
		return nil, fmt.Errorf("first snapshots: %w", err)
	}
	last, err := e.pick(ctx, serviceIDs, "taken_at <= ?", []any{now}, true)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}

	var services []models.Service
	err = e.db.WithContext(ctx).Select("id", "uuid", "is_active").
		Where("id IN ?", serviceIDs).Order("id").Find(&services).Error
	if err != nil {
		return nil, fmt.Errorf("service uuids: %w", database.Classify(err))
	}

	owner := make(map[string]models.Service, len(services))
	for _, s := range services {
		if prev, ok := owner[s.UUID]; ok && prev.IsActive && !s.IsActive {
			continue
		}
		owner[s.UUID] = s
	}
	for _, s := range owner {
		var u Usage
		start, ok := before[s.ID]
		if !ok {
			start, ok = first[s.ID]
		}
		end, hasEnd := last[s.ID]
		if ok && hasEnd {
			for _, k := range panel.Kinds {
				u.set(k, dailyDelta(start.Get(k), end.Get(k)))
			}
		}
		out[s.UUID] = u
	}
	return out, nil
}

const snapshotColumns = "service_id, hiddify_gb, marzban_gb, remnawave_gb, pasarguard_gb"

// pick returns, per service, the newest (or oldest) snapshot matching cond
// in a single statement. Postgres gets DISTINCT ON; other dialects fall
// back to a ROW_NUMBER window.
func (e *Engine) pick(ctx context.Context, ids []uint, cond string, args []any, newest bool) (map[uint]models.UsageSnapshot, error) {
	dir := "ASC"
	if newest {
		dir = "DESC"
	}
	var sql string
	if e.db.Dialector.Name() == "postgres" {
		sql = fmt.Sprintf(
			"SELECT DISTINCT ON (service_id) %s FROM usage_snapshots WHERE service_id IN ? AND %s ORDER BY service_id, taken_at %s",
			snapshotColumns, cond, dir)
	} else {
		sql = fmt.Sprintf(
			"SELECT %[1]s FROM (SELECT %[1]s, ROW_NUMBER() OVER (PARTITION BY service_id ORDER BY taken_at %[3]s) AS rn FROM usage_snapshots WHERE service_id IN ? AND %[2]s) ranked WHERE rn = 1",
			snapshotColumns, cond, dir)
	}

	var rows []models.UsageSnapshot
	if err := e.db.WithContext(ctx).Raw(sql, append([]any{ids}, args...)...).Scan(&rows).Error; err != nil {
		return nil, database.Classify(err)
	}
	byID := make(map[uint]models.UsageSnapshot, len(rows))
	for _, r := range rows {
		byID[r.ServiceID] = r
	}
	return byID, nil
}
