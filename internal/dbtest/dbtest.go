// Package dbtest opens throwaway sqlite databases with the full schema for
// package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"hubbot/internal/database"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// Counter is a gorm logger that counts statements.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) LogMode(gormlogger.LogLevel) gormlogger.Interface { return c }
func (c *Counter) Info(context.Context, string, ...any)             {}
func (c *Counter) Warn(context.Context, string, ...any)             {}
func (c *Counter) Error(context.Context, string, ...any)            {}
func (c *Counter) Trace(context.Context, time.Time, func() (string, int64), error) {
	c.n.Add(1)
}

func (c *Counter) Count() int64 { return c.n.Load() }

func (c *Counter) Reset() { c.n.Store(0) }

// Counted returns a session on db whose statements are tallied by the
// returned Counter.
func Counted(db *gorm.DB) (*gorm.DB, *Counter) {
	c := &Counter{}
	return db.Session(&gorm.Session{Logger: c}), c
}
