package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hubbot/internal/dbtest"
	"hubbot/internal/fleet"
	"hubbot/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisLease(t *testing.T) {
	mr, rdb := newRedis(t)
	lease := NewRedisLease(rdb)
	ctx := context.Background()

	release, err := lease.Acquire(ctx, "snapshot", time.Minute)
	require.NoError(t, err)

	_, err = lease.Acquire(ctx, "snapshot", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	other, err := lease.Acquire(ctx, "purge", time.Minute)
	require.NoError(t, err)
	other()

	release()
	assert.False(t, mr.Exists("lease:snapshot"))

	// An expired lease taken over elsewhere survives the stale release.
	stale, err := lease.Acquire(ctx, "snapshot", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	fresh, err := lease.Acquire(ctx, "snapshot", time.Minute)
	require.NoError(t, err)
	stale()
	assert.True(t, mr.Exists("lease:snapshot"))
	fresh()
	assert.False(t, mr.Exists("lease:snapshot"))
}

func TestSchedulerRunNow(t *testing.T) {
	_, rdb := newRedis(t)
	lease := NewRedisLease(rdb)
	s := NewScheduler(lease, time.UTC, time.Minute, zap.NewNop())

	runs := 0
	require.NoError(t, s.Add(Job{Name: "snapshot", Spec: "@hourly", Run: func(context.Context) error {
		runs++
		return nil
	}}))
	require.NoError(t, s.Add(Job{Name: "broken", Spec: "@daily", Run: func(context.Context) error {
		return errors.New("boom")
	}}))
	assert.Error(t, s.Add(Job{Name: "snapshot", Spec: "@hourly"}))
	assert.Error(t, s.Add(Job{Name: "bad", Spec: "not a spec"}))

	ctx := context.Background()
	require.NoError(t, s.RunNow(ctx, "snapshot"))
	assert.Equal(t, 1, runs)

	held, err := lease.Acquire(ctx, "snapshot", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, s.RunNow(ctx, "snapshot"), ErrLeaseHeld)
	assert.Equal(t, 1, runs)
	held()

	assert.ErrorContains(t, s.RunNow(ctx, "broken"), "boom")
	assert.Error(t, s.RunNow(ctx, "missing"))
}

type fakeSource struct {
	cache  *fleet.Cache
	views  []*fleet.View
	listed int
}

func (f *fakeSource) Cache() *fleet.Cache { return f.cache }

func (f *fakeSource) ListAll(context.Context) ([]*fleet.View, error) {
	f.listed++
	f.cache.Replace(f.views, testNow)
	return f.views, nil
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
	fail    error
}

func (r *recorder) Notify(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.notices = append(r.notices, n)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type reminderHarness struct {
	db  *gorm.DB
	mr  *miniredis.Miniredis
	src *fakeSource
	rec *recorder
	rem *Reminder
}

func newReminderHarness(t *testing.T) *reminderHarness {
	t.Helper()
	db := dbtest.NewDB(t)
	mr, rdb := newRedis(t)
	h := &reminderHarness{db: db, mr: mr, src: &fakeSource{cache: fleet.NewCache()}, rec: &recorder{}}
	h.rem = NewReminder(db, rdb, h.src, h.rec, zap.NewNop())
	h.rem.Now = func() time.Time { return testNow }
	return h
}

func (h *reminderHarness) service(t *testing.T, owner int64, lang, uuid string) models.Service {
	t.Helper()
	require.NoError(t, h.db.Create(&models.User{ID: owner, Language: lang}).Error)
	svc := models.Service{UserID: owner, UUID: uuid, IsActive: true}
	require.NoError(t, h.db.Create(&svc).Error)
	return svc
}

func days(n int) *int { return &n }

func TestReminderExpiryOncePerCycle(t *testing.T) {
	h := newReminderHarness(t)
	soon := h.service(t, 1, "en", "11111111-1111-1111-1111-111111111111")
	later := h.service(t, 2, "fa", "22222222-2222-2222-2222-222222222222")
	h.src.views = []*fleet.View{
		{ServiceID: soon.ID, UUID: soon.UUID, ServiceActive: true, Expire: days(2)},
		{ServiceID: later.ID, UUID: later.UUID, ServiceActive: true, Expire: days(20)},
	}
	ctx := context.Background()

	st, err := h.rem.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.src.listed)
	assert.Equal(t, 2, st.Checked)
	assert.Equal(t, 1, st.Expiry)
	require.Len(t, h.rec.notices, 1)
	n := h.rec.notices[0]
	assert.Equal(t, int64(1), n.OwnerID)
	assert.Equal(t, "en", n.Lang)
	assert.Equal(t, 2, n.DaysLeft)

	var got models.Service
	require.NoError(t, h.db.First(&got, soon.ID).Error)
	assert.True(t, got.RenewalReminderSent)
	require.NotNil(t, got.LastNotifiedAt)

	var logs int64
	require.NoError(t, h.db.Model(&models.WarningLog{}).Where("service_id = ?", soon.ID).Count(&logs).Error)
	assert.EqualValues(t, 1, logs)
	assert.True(t, h.mr.Exists("reminder:expiry:1"))

	// The cache is fresh now, and the flag blocks a second notice even
	// after the dedupe window.
	h.mr.FastForward(72 * time.Hour)
	h.rem.Now = func() time.Time { return testNow.Add(72 * time.Hour) }
	h.src.cache.Replace(h.src.views, testNow.Add(72*time.Hour))
	_, err = h.rem.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.src.listed)
	assert.Len(t, h.rec.notices, 1)
}

func TestReminderUsageWarningDeduped(t *testing.T) {
	h := newReminderHarness(t)
	svc := h.service(t, 1, "fa", "33333333-3333-3333-3333-333333333333")
	h.src.views = []*fleet.View{
		{ServiceID: svc.ID, UUID: svc.UUID, ServiceActive: true, UsageLimitGB: 50, CurrentUsageGB: 46, UsagePercentage: 92},
	}
	ctx := context.Background()

	st, err := h.rem.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Usage)

	// Redis lost its keys; the warning log still holds the line.
	h.mr.FlushAll()
	st, err = h.rem.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Usage)
	assert.Equal(t, []string{NoticeUsage}, h.rec.kinds())

	var got models.Service
	require.NoError(t, h.db.First(&got, svc.ID).Error)
	assert.False(t, got.RenewalReminderSent)
}

func TestReminderRetriesFailedDelivery(t *testing.T) {
	h := newReminderHarness(t)
	svc := h.service(t, 1, "en", "44444444-4444-4444-4444-444444444444")
	h.src.views = []*fleet.View{
		{ServiceID: svc.ID, UUID: svc.UUID, ServiceActive: true, Expire: days(0)},
	}
	h.rec.fail = errors.New("blocked by user")
	ctx := context.Background()

	st, err := h.rem.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.False(t, h.mr.Exists("reminder:expiry:1"))

	h.rec.fail = nil
	st, err = h.rem.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Expiry)
}

func TestReminderSkipsInactiveAndExpired(t *testing.T) {
	h := newReminderHarness(t)
	off := h.service(t, 1, "en", "55555555-5555-5555-5555-555555555555")
	require.NoError(t, h.db.Model(&models.Service{}).Where("id = ?", off.ID).Update("is_active", false).Error)
	gone := h.service(t, 2, "en", "66666666-6666-6666-6666-666666666666")
	h.src.views = []*fleet.View{
		{ServiceID: off.ID, UUID: off.UUID, ServiceActive: false, Expire: days(1)},
		{ServiceID: gone.ID, UUID: gone.UUID, ServiceActive: true, Expire: days(-4)},
	}

	st, err := h.rem.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Checked)
	assert.Empty(t, h.rec.notices)
}
