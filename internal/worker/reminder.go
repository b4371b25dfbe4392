package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"hubbot/internal/database"
	"hubbot/internal/fleet"
	"hubbot/internal/models"
)

const (
	NoticeExpiry = "expiry"
	NoticeUsage  = "usage"

	dedupeTTL = 48 * time.Hour
)

// Notice is one user-facing warning.
type Notice struct {
	Kind     string
	OwnerID  int64
	Lang     string
	View     *fleet.View
	DaysLeft int
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// ViewSource is satisfied by *fleet.Core.
type ViewSource interface {
	Cache() *fleet.Cache
	ListAll(ctx context.Context) ([]*fleet.View, error)
}

type ReminderStats struct {
	Checked int
	Expiry  int
	Usage   int
	Failed  int
}

// Reminder warns owners whose service expires within Days or whose usage
// passed WarnPct. An expiry warning is sent once per renewal cycle: it
// sets renewal_reminder_sent, which a successful renewal clears.
type Reminder struct {
	Days    int
	WarnPct float64
	MaxAge  time.Duration
	Now     func() time.Time

	db       *gorm.DB
	rdb      *redis.Client
	src      ViewSource
	notifier Notifier
	log      *zap.Logger
}

func NewReminder(db *gorm.DB, rdb *redis.Client, src ViewSource, notifier Notifier, log *zap.Logger) *Reminder {
	return &Reminder{
		Days:     3,
		WarnPct:  90,
		MaxAge:   2 * time.Hour,
		Now:      time.Now,
		db:       db,
		rdb:      rdb,
		src:      src,
		notifier: notifier,
		log:      log.Named("reminder"),
	}
}

func (r *Reminder) Run(ctx context.Context) (ReminderStats, error) {
	var st ReminderStats
	views, err := r.views(ctx)
	if err != nil {
		return st, err
	}
	if len(views) == 0 {
		return st, nil
	}

	ids := make([]uint, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ServiceID)
	}
	var services []models.Service
	if err := r.db.WithContext(ctx).Where("id IN ? AND is_active = ?", ids, true).Find(&services).Error; err != nil {
		return st, fmt.Errorf("load services: %w", database.Classify(err))
	}
	byID := make(map[uint]*models.Service, len(services))
	owners := make([]int64, 0, len(services))
	for i := range services {
		byID[services[i].ID] = &services[i]
		owners = append(owners, services[i].UserID)
	}
	var users []models.User
	if err := r.db.WithContext(ctx).Select("id", "language").Where("id IN ?", owners).Find(&users).Error; err != nil {
		return st, fmt.Errorf("load owners: %w", database.Classify(err))
	}
	lang := make(map[int64]string, len(users))
	for _, u := range users {
		lang[u.ID] = u.Language
	}

	for _, v := range views {
		svc, ok := byID[v.ServiceID]
		if !ok || !v.ServiceActive {
			continue
		}
		st.Checked++
		n := Notice{OwnerID: svc.UserID, Lang: lang[svc.UserID], View: v}

		if v.Expire != nil && *v.Expire >= 0 && *v.Expire <= r.Days && !svc.RenewalReminderSent {
			n.Kind, n.DaysLeft = NoticeExpiry, *v.Expire
			switch sent, err := r.send(ctx, svc, n); {
			case err != nil:
				st.Failed++
			case sent:
				st.Expiry++
			}
		}
		if v.UsageLimitGB > 0 && v.UsagePercentage >= r.WarnPct {
			n.Kind, n.DaysLeft = NoticeUsage, 0
			switch sent, err := r.send(ctx, svc, n); {
			case err != nil:
				st.Failed++
			case sent:
				st.Usage++
			}
		}
	}

	r.log.Info("reminder cycle done",
		zap.Int("checked", st.Checked),
		zap.Int("expiry", st.Expiry),
		zap.Int("usage", st.Usage),
		zap.Int("failed", st.Failed),
	)
	return st, nil
}

func (r *Reminder) views(ctx context.Context) ([]*fleet.View, error) {
	c := r.src.Cache()
	if at := c.UpdatedAt(); !at.IsZero() && r.Now().Sub(at) <= r.MaxAge {
		return c.All(), nil
	}
	views, err := r.src.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh fleet: %w", err)
	}
	return views, nil
}

// send claims the Redis dedupe key, delivers the notice and records it. A
// failed delivery releases the key so the next cycle retries.
func (r *Reminder) send(ctx context.Context, svc *models.Service, n Notice) (bool, error) {
	now := r.Now().UTC()
	log := r.log.With(zap.Uint("service_id", svc.ID), zap.String("kind", n.Kind))

	var recent int64
	err := r.db.WithContext(ctx).Model(&models.WarningLog{}).
		Where("service_id = ? AND kind = ? AND sent_at > ?", svc.ID, n.Kind, now.Add(-dedupeTTL)).
		Count(&recent).Error
	if err != nil {
		return false, database.Classify(err)
	}
	if recent > 0 {
		return false, nil
	}

	key := fmt.Sprintf("reminder:%s:%d", n.Kind, svc.ID)
	ok, err := r.rdb.SetNX(ctx, key, now.Unix(), dedupeTTL).Result()
	if err != nil {
		log.Warn("dedupe key unavailable", zap.Error(err))
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := r.notifier.Notify(ctx, n); err != nil {
		log.Warn("notice not delivered", zap.Int64("owner", n.OwnerID), zap.Error(err))
		r.rdb.Del(context.WithoutCancel(ctx), key)
		return false, err
	}

	err = database.Transaction(ctx, r.db, func(tx *gorm.DB) error {
		if err := tx.Create(&models.WarningLog{ServiceID: svc.ID, Kind: n.Kind, SentAt: now}).Error; err != nil {
			return err
		}
		updates := map[string]any{"last_notified_at": now}
		if n.Kind == NoticeExpiry {
			updates["renewal_reminder_sent"] = true
		}
		return tx.Model(&models.Service{}).Where("id = ?", svc.ID).Updates(updates).Error
	})
	if err != nil {
		log.Error("notice sent but not recorded", zap.Error(err))
		return true, nil
	}
	if n.Kind == NoticeExpiry {
		svc.RenewalReminderSent = true
	}
	return true, nil
}
