package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrConflict  = errors.New("unique constraint conflict")
	ErrTransient = errors.New("transient database fault")
)

// Classify tags err with ErrConflict or ErrTransient when it is one.
// Other errors are returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient) {
		return err
	}
	switch {
	case isConflict(err):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case isTransient(err):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func isConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001", pgErr.Code == "40P01",
			pgErr.Code == "57P01", pgErr.Code == "53300":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Retry runs fn and, if it fails transiently, once more after a short
// jittered pause. The returned error is classified.
func Retry(ctx context.Context, fn func() error) error {
	err := Classify(fn())
	if !errors.Is(err, ErrTransient) {
		return err
	}
	wait := 50*time.Millisecond + rand.N(200*time.Millisecond)
	select {
	case <-ctx.Done():
		return err
	case <-time.After(wait):
	}
	return Classify(fn())
}

// Transaction runs fn in a transaction under Retry.
func Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return Retry(ctx, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}
