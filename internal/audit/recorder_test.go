package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

type failingRepository struct{}

func (f failingRepository) WithTx(*gorm.DB) Repository { return f }

func (failingRepository) Create(context.Context, *models.AuditLog) error {
	return errors.New("db unavailable")
}

func (failingRepository) ListByTarget(context.Context, string, uuid.UUID) ([]models.AuditLog, error) {
	return nil, nil
}

func TestDBRecorderPersistsEntries(t *testing.T) {
	conn := dbtest.Open(t)
	rec, err := NewDBRecorder(NewRepository(conn), nil)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	orderID := uuid.New()
	actor := uuid.New()
	rec.Record(context.Background(), Entry{ActorID: &actor, Action: "order.cancelled", TargetType: TargetOrder, TargetID: orderID, Context: map[string]any{"reason": "customer"}})
	rec.Record(context.Background(), Entry{Action: "order.auto_cancelled", TargetType: TargetOrder, TargetID: orderID})

	history, err := rec.History(context.Background(), TargetOrder, orderID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].ActorID == nil || *history[0].ActorID != actor {
		t.Fatalf("expected actor on first entry")
	}
	var ctxPayload map[string]string
	if err := json.Unmarshal(history[0].Context, &ctxPayload); err != nil {
		t.Fatalf("decode context: %v", err)
	}
	if ctxPayload["reason"] != "customer" {
		t.Fatalf("unexpected context %v", ctxPayload)
	}
	if history[1].ActorID != nil {
		t.Fatalf("expected system entry without actor")
	}
}

func TestDBRecorderLogsFailuresInsteadOfReturning(t *testing.T) {
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Output: &buf})
	rec, err := NewDBRecorder(failingRepository{}, logg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	rec.Record(context.Background(), Entry{Action: "payment.refunded", TargetType: TargetPayment, TargetID: uuid.New()})

	if !strings.Contains(buf.String(), "audit.record_failed") {
		t.Fatalf("expected failure to be logged, got %s", buf.String())
	}
}

func TestDBRecorderRejectsIncompleteEntries(t *testing.T) {
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Output: &buf})
	conn := dbtest.Open(t)
	rec, _ := NewDBRecorder(NewRepository(conn), logg)

	rec.Record(context.Background(), Entry{Action: "", TargetType: TargetOrder, TargetID: uuid.New()})

	var count int64
	conn.Model(&models.AuditLog{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no rows, got %d", count)
	}
	if !strings.Contains(buf.String(), "audit.record_failed") {
		t.Fatalf("expected validation failure to be logged")
	}
}

func TestNewDBRecorderRequiresRepository(t *testing.T) {
	if _, err := NewDBRecorder(nil, nil); err == nil {
		t.Fatal("expected error")
	}
}
