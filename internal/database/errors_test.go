package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"gorm duplicate", gorm.ErrDuplicatedKey, ErrConflict},
		{"pg unique", &pgconn.PgError{Code: "23505"}, ErrConflict},
		{"sqlite unique", errors.New("UNIQUE constraint failed: user_uuids.uuid"), ErrConflict},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, ErrTransient},
		{"pg connection", fmt.Errorf("query: %w", &pgconn.PgError{Code: "08006"}), ErrTransient},
		{"bad conn", driver.ErrBadConn, ErrTransient},
		{"sqlite busy", errors.New("database is locked"), ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			assert.ErrorIs(t, got, tc.want)
			assert.ErrorIs(t, got, tc.err)
		})
	}

	plain := errors.New("boom")
	assert.Equal(t, plain, Classify(plain))
	assert.Nil(t, Classify(nil))
	assert.Equal(t, gorm.ErrRecordNotFound, Classify(gorm.ErrRecordNotFound))
}

func TestRetryOnceOnTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return driver.ErrBadConn
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = Retry(context.Background(), func() error {
		calls++
		return driver.ErrBadConn
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 2, calls)

	calls = 0
	err = Retry(context.Background(), func() error {
		calls++
		return gorm.ErrDuplicatedKey
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, calls)
}
