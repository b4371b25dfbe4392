// Package snapshot records periodic cumulative usage per service and turns
// those counters into per-interval consumption, treating any decrease as a
// panel-side traffic reset.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"hubbot/internal/database"
	"hubbot/internal/fleet"
	"hubbot/internal/models"
	"hubbot/internal/panel"
)

const batchSize = 500

// Aggregator is the part of fleet.Core the engine needs.
type Aggregator interface {
	ListAll(ctx context.Context) ([]*fleet.View, error)
}

// Reporter receives a summary after every capture.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

type Report struct {
	At           time.Time
	Services     int
	Written      int
	Skipped      int
	FailedPanels []string
	TotalGB      map[panel.Kind]float64
	Took         time.Duration
}

type Engine struct {
	Now func() time.Time

	db       *gorm.DB
	agg      Aggregator
	loc      *time.Location
	reporter Reporter
	log      *zap.Logger
}

func NewEngine(db *gorm.DB, agg Aggregator, loc *time.Location, log *zap.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{Now: time.Now, db: db, agg: agg, loc: loc, log: log.Named("snapshot")}
}

func (e *Engine) SetReporter(r Reporter) {
	e.reporter = r
}

// Capture aggregates the fleet and appends one snapshot per service.
// Services with an unreadable panel are skipped so a transient outage is
// never mistaken for a counter reset.
func (e *Engine) Capture(ctx context.Context) (Report, error) {
	start := e.Now()
	views, err := e.agg.ListAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("aggregate fleet: %w", err)
	}

	at := start.UTC().Truncate(time.Second)
	rep := Report{At: at, Services: len(views), TotalGB: map[panel.Kind]float64{}}
	failed := map[string]bool{}
	snaps := make([]models.UsageSnapshot, 0, len(views))
	for _, v := range views {
		if v.Failed() {
			rep.Skipped++
			for _, s := range v.Breakdown {
				if s.Err != nil {
					failed[s.Name] = true
				}
			}
			continue
		}
		snap := models.UsageSnapshot{ServiceID: v.ServiceID, TakenAt: at}
		for kind, gb := range v.UsedByKind() {
			snap.Add(kind, gb)
			rep.TotalGB[kind] += gb
		}
		snaps = append(snaps, snap)
	}

	if len(snaps) > 0 {
		err := database.Retry(ctx, func() error {
			return e.db.WithContext(ctx).CreateInBatches(&snaps, batchSize).Error
		})
		if err != nil {
			return rep, fmt.Errorf("write snapshots: %w", err)
		}
	}
	rep.Written = len(snaps)
	for name := range failed {
		rep.FailedPanels = append(rep.FailedPanels, name)
	}
	sort.Strings(rep.FailedPanels)
	rep.Took = e.Now().Sub(start)

	e.log.Info("snapshot captured",
		zap.Int("services", rep.Services),
		zap.Int("written", rep.Written),
		zap.Int("skipped", rep.Skipped),
		zap.Strings("failed_panels", rep.FailedPanels),
		zap.Duration("took", rep.Took),
	)
	if e.reporter != nil {
		if err := e.reporter.Report(ctx, rep); err != nil {
			e.log.Warn("snapshot report not delivered", zap.Error(err))
		}
	}
	return rep, nil
}

// Purge deletes snapshots older than retentionDays.
func (e *Engine) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("purge: retention must be positive, got %d", retentionDays)
	}
	cutoff := e.Now().UTC().AddDate(0, 0, -retentionDays)
	var n int64
	err := database.Retry(ctx, func() error {
		res := e.db.WithContext(ctx).Where("taken_at < ?", cutoff).Delete(&models.UsageSnapshot{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	e.log.Info("snapshots purged", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// midnight is the start of now's local day, in UTC.
func (e *Engine) midnight(now time.Time) time.Time {
	l := now.In(e.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, e.loc).UTC()
}

func column(k panel.Kind) (string, error) {
	k, err := panel.ParseKind(string(k))
	if err != nil {
		return "", err
	}
	return models.Column(k), nil
}
