package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testModel struct {
	ID   int
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db}

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

func TestWithTx_JoinsContextTransaction(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Exec("DELETE FROM test_models").Error)
	client := &Client{conn: db}
	ctx := context.Background()

	err := client.WithTx(ctx, func(outer *gorm.DB) error {
		txCtx := ContextWithTx(ctx, outer)
		if err := client.WithTx(txCtx, func(tx *gorm.DB) error {
			return tx.Create(&testModel{Name: "inner-ok"}).Error
		}); err != nil {
			return err
		}
		innerErr := client.WithTx(txCtx, func(tx *gorm.DB) error {
			if err := tx.Create(&testModel{Name: "inner-rolled"}).Error; err != nil {
				return err
			}
			return errors.New("savepoint rollback")
		})
		require.Error(t, innerErr)
		return nil
	})
	require.NoError(t, err)

	var names []string
	require.NoError(t, db.Model(&testModel{}).Order("name").Pluck("name", &names).Error)
	assert.Equal(t, []string{"inner-ok"}, names)
}

func TestWithoutTxDetachesTransaction(t *testing.T) {
	db := newTestDB(t)
	ctx := ContextWithTx(context.Background(), db)
	if _, ok := TxFromContext(ctx); !ok {
		t.Fatal("expected attached transaction")
	}
	if _, ok := TxFromContext(WithoutTx(ctx)); ok {
		t.Fatal("expected WithoutTx to detach the transaction")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "postgres text", err: errors.New(`ERROR: duplicate key value violates unique constraint "ux_idempotency_key_route"`), want: true},
		{name: "postgres named", err: errors.New(`duplicate key value violates unique constraint "ux_idempotency_key_route"`), constraint: "ux_idempotency_key_route", want: true},
		{name: "postgres other constraint", err: errors.New(`duplicate key value violates unique constraint "ux_other"`), constraint: "ux_idempotency_key_route", want: false},
		{name: "sqlite", err: errors.New("UNIQUE constraint failed: webhook_events.provider, webhook_events.event_uuid"), want: true},
		{name: "sqlite with constraint", err: errors.New("UNIQUE constraint failed: idempotency_keys.key, idempotency_keys.route"), constraint: "ux_idempotency_keys_key_route", want: true},
		{name: "pgconn", err: &pgconn.PgError{Code: "23505", ConstraintName: "ux_webhook_events_provider_event"}, constraint: "ux_webhook_events_provider_event", want: true},
		{name: "gorm translated", err: gorm.ErrDuplicatedKey, want: true},
		{name: "unrelated", err: errors.New("connection refused"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUniqueViolation(tc.err, tc.constraint); got != tc.want {
				t.Fatalf("IsUniqueViolation(%v, %q) = %v, want %v", tc.err, tc.constraint, got, tc.want)
			}
		})
	}
}

func TestWithTx_ReplaysSerializationFailures(t *testing.T) {
	db := newTestDB(t)
	client := &Client{conn: db}

	attempts := 0
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return tx.Create(&testModel{Name: "second-try"}).Error
	})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	attempts = 0
	err = client.WithTx(context.Background(), func(tx *gorm.DB) error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("expected single attempt for non-transient error, got %d (%v)", attempts, err)
	}
}
