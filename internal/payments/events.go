package payments

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/internal/providers"
	"github.com/angelmondragon/commerce-core/internal/webhooks"
	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

// HandleProviderEvent applies a verified provider callback to the payment it
// references. Events that carry no payment status are acknowledged and ignored.
func (s *Service) HandleProviderEvent(ctx context.Context, evt *webhooks.Event) error {
	if evt == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "event required")
	}
	if evt.Status == "" {
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{"provider": evt.Provider, "event_type": evt.Type})
			s.logg.Debug(logCtx, "provider event carries no payment status")
		}
		return nil
	}
	ref := strings.TrimSpace(evt.ObjectRef)
	if ref == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "provider event has no object reference")
	}

	eff := &effects{}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		eff.reset()
		payment, err := s.repo.WithTx(tx).LockPaymentByRef(ctx, evt.Provider, ref)
		if err != nil {
			if isNotFound(err) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "no payment for provider reference").
					WithDetails(map[string]string{"provider": evt.Provider.String(), "ref": ref})
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
		}
		if evt.Status == enums.PaymentStatusPaid && evt.AmountCents > 0 && evt.AmountCents != providers.ToMinorUnits(payment.Amount) {
			eff.raise("Provider amount differs from recorded payment", map[string]any{
				"payment_id":     payment.ID.String(),
				"provider":       evt.Provider,
				"event_id":       evt.ID,
				"recorded_cents": providers.ToMinorUnits(payment.Amount),
				"provider_cents": evt.AmountCents,
			}, alerts.Options{Level: enums.AlertWarning, Scope: "payments.webhook"})
		}
		_, err = s.applyTx(ctx, tx, payment, statusUpdate{
			Status:        evt.Status,
			Snapshot:      evt.Raw,
			FailureReason: "provider event " + evt.Type,
			Source:        "webhook:" + evt.Type,
		}, nil, eff)
		return err
	})
	if err != nil {
		return err
	}
	s.flush(ctx, eff)
	return nil
}
