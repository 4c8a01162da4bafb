// Package audit records who changed what. Entries are written after the
// domain transaction commits; a failed write is logged, never returned.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const (
	TargetOrder          = "order"
	TargetPayment        = "payment"
	TargetCashierPayment = "cashier_payment"
	TargetInventory      = "inventory_item"
	TargetOutbox         = "webhook_outbox"
)

// Entry describes one audited action. ActorID is nil for system actions.
type Entry struct {
	ActorID    *uuid.UUID
	Action     string
	TargetType string
	TargetID   uuid.UUID
	Context    map[string]any
}

type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

// DBRecorder persists entries to audit_logs.
type DBRecorder struct {
	repo   Repository
	logger *logger.Logger
}

func NewDBRecorder(repo Repository, logg *logger.Logger) (*DBRecorder, error) {
	if repo == nil {
		return nil, errors.New("audit repository required")
	}
	return &DBRecorder{repo: repo, logger: logg}, nil
}

func (r *DBRecorder) Record(ctx context.Context, entry Entry) {
	if err := r.record(ctx, entry); err != nil && r.logger != nil {
		logCtx := r.logger.WithFields(ctx, map[string]any{
			"audit_action": entry.Action,
			"target_type":  entry.TargetType,
			"target_id":    entry.TargetID.String(),
		})
		r.logger.Error(logCtx, "audit.record_failed", err)
	}
}

func (r *DBRecorder) record(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.Action) == "" || strings.TrimSpace(entry.TargetType) == "" || entry.TargetID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "audit action and target are required")
	}
	var payload json.RawMessage
	if len(entry.Context) > 0 {
		raw, err := json.Marshal(entry.Context)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode audit context")
		}
		payload = raw
	}
	return r.repo.Create(ctx, &models.AuditLog{
		ActorID:    entry.ActorID,
		Action:     entry.Action,
		TargetType: entry.TargetType,
		TargetID:   entry.TargetID,
		Context:    payload,
	})
}

// History lists entries for a target, oldest first.
func (r *DBRecorder) History(ctx context.Context, targetType string, targetID uuid.UUID) ([]models.AuditLog, error) {
	if targetID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "target id is required")
	}
	entries, err := r.repo.ListByTarget(ctx, targetType, targetID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list audit entries")
	}
	return entries, nil
}
