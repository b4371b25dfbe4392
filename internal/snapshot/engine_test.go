package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"hubbot/internal/dbtest"
	"hubbot/internal/fleet"
	"hubbot/internal/models"
	"hubbot/internal/panel"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tehran = time.FixedZone("IRST", 3*3600+1800)

type staticFleet struct {
	views []*fleet.View
	err   error
}

func (s staticFleet) ListAll(context.Context) ([]*fleet.View, error) {
	return s.views, s.err
}

type captured struct {
	reports []Report
}

func (c *captured) Report(_ context.Context, r Report) error {
	c.reports = append(c.reports, r)
	return nil
}

func newService(t *testing.T, db *gorm.DB, owner int64) models.Service {
	t.Helper()
	require.NoError(t, db.Where(models.User{ID: owner}).FirstOrCreate(&models.User{ID: owner}).Error)
	svc := models.Service{UserID: owner, UUID: uuid.NewString(), IsActive: true}
	require.NoError(t, db.Create(&svc).Error)
	return svc
}

func snap(t *testing.T, db *gorm.DB, serviceID uint, at time.Time, hiddify, marzban float64) {
	t.Helper()
	require.NoError(t, db.Create(&models.UsageSnapshot{
		ServiceID: serviceID, HiddifyGB: hiddify, MarzbanGB: marzban, TakenAt: at.UTC(),
	}).Error)
}

func TestDailyUsageCountsFromZeroAfterReset(t *testing.T) {
	db := dbtest.NewDB(t)
	svc := newService(t, db, 1)
	day := func(d, h, m int) time.Time { return time.Date(2025, 1, d, h, m, 0, 0, time.UTC) }

	snap(t, db, svc.ID, day(1, 22, 0), 100, 0)
	snap(t, db, svc.ID, day(1, 23, 0), 105, 0)
	snap(t, db, svc.ID, day(2, 1, 30), 2.0, 0)
	snap(t, db, svc.ID, day(2, 2, 30), 3.5, 0)

	e := NewEngine(db, nil, tehran, zap.NewNop())
	now := day(2, 3, 0)
	assert.True(t, day(1, 20, 30).Equal(e.midnight(now)))

	got, err := e.DailyUsage(context.Background(), svc.ID, panel.Hiddify, now)
	require.NoError(t, err)
	assert.Equal(t, 3.5, got)

	bulk, err := e.BulkDailyUsage(context.Background(), []uint{svc.ID}, now)
	require.NoError(t, err)
	assert.Equal(t, 3.5, bulk[svc.UUID].Hiddify)
	assert.Zero(t, bulk[svc.UUID].Marzban)
}

func TestDailyUsageUsesPreMidnightBaseline(t *testing.T) {
	db := dbtest.NewDB(t)
	svc := newService(t, db, 1)
	e := NewEngine(db, nil, time.UTC, zap.NewNop())
	now := time.Date(2025, 3, 5, 18, 0, 0, 0, time.UTC)

	snap(t, db, svc.ID, now.Add(-30*time.Hour), 10, 1)
	snap(t, db, svc.ID, now.Add(-20*time.Hour), 12.5, 2)
	snap(t, db, svc.ID, now.Add(-2*time.Hour), 14.25, 2.5)
	snap(t, db, svc.ID, now.Add(time.Hour), 99, 99)

	ctx := context.Background()
	h, err := e.DailyUsage(ctx, svc.ID, panel.Hiddify, now)
	require.NoError(t, err)
	assert.Equal(t, 1.75, h)

	m, err := e.DailyUsage(ctx, svc.ID, panel.Marzban, now)
	require.NoError(t, err)
	assert.Equal(t, 0.5, m)

	none, err := e.DailyUsage(ctx, svc.ID+100, panel.Hiddify, now)
	require.NoError(t, err)
	assert.Zero(t, none)

	_, err = e.DailyUsage(ctx, svc.ID, panel.Kind("xui"), now)
	assert.Error(t, err)
}

func TestBulkDailyUsageRunsFourQueries(t *testing.T) {
	db := dbtest.NewDB(t)
	require.NoError(t, db.Create(&models.User{ID: 7}).Error)

	const n = 1000
	services := make([]models.Service, n)
	for i := range services {
		services[i] = models.Service{UserID: 7, UUID: uuid.NewString(), IsActive: true}
	}
	require.NoError(t, db.CreateInBatches(&services, 250).Error)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snaps := make([]models.UsageSnapshot, 0, 2*n)
	ids := make([]uint, 0, n)
	for i, s := range services {
		ids = append(ids, s.ID)
		if i%10 == 0 {
			continue
		}
		snaps = append(snaps,
			models.UsageSnapshot{ServiceID: s.ID, HiddifyGB: 1, RemnawaveGB: 4, TakenAt: now.Add(-14 * time.Hour)},
			models.UsageSnapshot{ServiceID: s.ID, HiddifyGB: 3, RemnawaveGB: 4.5, TakenAt: now.Add(-time.Hour)},
		)
	}
	require.NoError(t, db.CreateInBatches(&snaps, 500).Error)

	counted, counter := dbtest.Counted(db)
	e := NewEngine(counted, nil, time.UTC, zap.NewNop())
	counter.Reset()

	got, err := e.BulkDailyUsage(context.Background(), ids, now)
	require.NoError(t, err)
	assert.EqualValues(t, 4, counter.Count())
	require.Len(t, got, n)

	assert.Equal(t, Usage{Hiddify: 2, Remnawave: 0.5}, got[services[1].UUID])
	assert.Equal(t, Usage{}, got[services[0].UUID])
	assert.Equal(t, 2.5, got[services[1].UUID].Total())
}

func TestBulkDailyUsagePrefersActiveRowForSharedUUID(t *testing.T) {
	db := dbtest.NewDB(t)
	active := newService(t, db, 2)
	require.NoError(t, db.Create(&models.User{ID: 1}).Error)
	// inserted after the active row so it comes later in id order
	old := models.Service{UserID: 1, UUID: active.UUID, IsActive: false}
	require.NoError(t, db.Create(&old).Error)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap(t, db, active.ID, now.Add(-3*time.Hour), 1, 0)
	snap(t, db, active.ID, now.Add(-time.Hour), 4, 0)
	snap(t, db, old.ID, now.Add(-3*time.Hour), 10, 0)
	snap(t, db, old.ID, now.Add(-time.Hour), 30, 0)

	e := NewEngine(db, nil, time.UTC, zap.NewNop())
	got, err := e.BulkDailyUsage(context.Background(), []uint{old.ID, active.ID}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Usage{Hiddify: 3}, got[active.UUID])
}

func TestCaptureSkipsServicesWithFailedPanels(t *testing.T) {
	db := dbtest.NewDB(t)
	ok := newService(t, db, 1)
	broken := newService(t, db, 2)

	views := []*fleet.View{
		{ServiceID: ok.ID, UUID: ok.UUID, Breakdown: []fleet.Slice{
			{Name: "h1", Kind: panel.Hiddify, Data: &panel.User{UsedGB: 1.5}},
			{Name: "h2", Kind: panel.Hiddify, Data: &panel.User{UsedGB: 2}},
			{Name: "m1", Kind: panel.Marzban, Data: &panel.User{UsedGB: 0.25}},
			{Name: "r1", Kind: panel.Remnawave},
		}},
		{ServiceID: broken.ID, UUID: broken.UUID, Breakdown: []fleet.Slice{
			{Name: "h1", Kind: panel.Hiddify, Data: &panel.User{UsedGB: 9}},
			{Name: "m2", Kind: panel.Marzban, Err: errors.New("timeout")},
		}},
	}
	e := NewEngine(db, staticFleet{views: views}, time.UTC, zap.NewNop())
	at := time.Date(2025, 2, 1, 10, 0, 0, 123, time.UTC)
	e.Now = func() time.Time { return at }
	rep := &captured{}
	e.SetReporter(rep)

	r, err := e.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Services)
	assert.Equal(t, 1, r.Written)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, []string{"m2"}, r.FailedPanels)
	require.Len(t, rep.reports, 1)

	var rows []models.UsageSnapshot
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, ok.ID, rows[0].ServiceID)
	assert.Equal(t, 3.5, rows[0].HiddifyGB)
	assert.Equal(t, 0.25, rows[0].MarzbanGB)
	assert.Zero(t, rows[0].RemnawaveGB)
	assert.True(t, rows[0].TakenAt.Equal(at.Truncate(time.Second)))
}

func TestCaptureFleetError(t *testing.T) {
	db := dbtest.NewDB(t)
	e := NewEngine(db, staticFleet{err: context.Canceled}, time.UTC, zap.NewNop())
	_, err := e.Capture(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIntervalAndPeriodUsage(t *testing.T) {
	db := dbtest.NewDB(t)
	svc := newService(t, db, 1)
	e := NewEngine(db, nil, time.UTC, zap.NewNop())
	// Wednesday
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	snap(t, db, svc.ID, time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC), 5, 0)
	snap(t, db, svc.ID, time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC), 8, 0)
	snap(t, db, svc.ID, time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC), 20, 0)
	snap(t, db, svc.ID, time.Date(2025, 1, 12, 12, 0, 0, 0, time.UTC), 1, 0)
	snap(t, db, svc.ID, time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC), 4, 0)
	snap(t, db, svc.ID, time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC), 6, 0)

	ctx := context.Background()
	cases := []struct {
		period Period
		want   float64
	}{
		{Daily, 5},                    // baseline 1 from the 12th, then 4, 6
		{Weekly, 6},                   // from Saturday the 11th: baseline 20, reset to 1, then 4, 6
		{Monthly, 3 + 12 + 1 + 3 + 2}, // 5, 8, 20, reset to 1, 4, 6
	}
	for _, tc := range cases {
		t.Run(string(tc.period), func(t *testing.T) {
			got, err := e.PeriodUsage(ctx, svc.ID, panel.Hiddify, tc.period, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := e.PeriodUsage(ctx, svc.ID, panel.Hiddify, Period("yearly"), now)
	assert.Error(t, err)

	iv, err := e.IntervalUsage(ctx, svc.ID, panel.Hiddify, 12*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 2.0, iv)

	ra, err := e.ResetAwareUsage(ctx, svc.ID, panel.Hiddify, now.AddDate(0, 0, -10), now)
	require.NoError(t, err)
	assert.Equal(t, 6.0, ra)
}

func TestPurge(t *testing.T) {
	db := dbtest.NewDB(t)
	svc := newService(t, db, 1)
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 40; d += 5 {
		snap(t, db, svc.ID, now.AddDate(0, 0, -d), float64(d), 0)
	}
	e := NewEngine(db, nil, time.UTC, zap.NewNop())
	e.Now = func() time.Time { return now }

	n, err := e.Purge(context.Background(), 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var left int64
	require.NoError(t, db.Model(&models.UsageSnapshot{}).Count(&left).Error)
	assert.EqualValues(t, 7, left)

	_, err = e.Purge(context.Background(), 0)
	assert.Error(t, err)
}

func TestDeltaHelpers(t *testing.T) {
	assert.Equal(t, 3.5, dailyDelta(100, 3.5))
	assert.Equal(t, 0.0, dailyDelta(5, 5))
	assert.Equal(t, 0.123, dailyDelta(1, 1.1234))
	assert.Equal(t, 0.0, resetAwareSum(nil))
	assert.Equal(t, 0.0, resetAwareSum([]float64{7}))
	assert.Equal(t, 11.0, resetAwareSum([]float64{1, 5, 2, 4, 3}))
}
