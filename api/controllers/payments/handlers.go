package payments

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/api/middleware"
	"github.com/angelmondragon/commerce-core/api/responses"
	"github.com/angelmondragon/commerce-core/api/validators"
	internalpayments "github.com/angelmondragon/commerce-core/internal/payments"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

type Service interface {
	Create(ctx context.Context, in internalpayments.CreateInput) (*models.Payment, error)
	Get(ctx context.Context, tenantID, paymentID uuid.UUID) (*models.Payment, error)
	ListForOrder(ctx context.Context, tenantID, orderID uuid.UUID) (*internalpayments.OrderPayments, error)
	Refund(ctx context.Context, in internalpayments.RefundInput) (*models.Payment, error)
	Retry(ctx context.Context, ref internalpayments.PaymentRef) (*models.Payment, error)
	Sync(ctx context.Context, ref internalpayments.PaymentRef) (*models.Payment, error)
	DeclareCashier(ctx context.Context, in internalpayments.CashierInput) (*models.CashierPayment, error)
	TransitionCashier(ctx context.Context, in internalpayments.CashierTransitionInput) (*models.CashierPayment, error)
}

// Create starts a provider payment for an order. The Idempotency-Key header
// is forwarded so the provider deduplicates retried intents as well.
func Create(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req createPaymentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		provider, err := enums.ParsePaymentProvider(strings.ToLower(strings.TrimSpace(req.Provider)))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnsupportedProvider, err, "unsupported provider"))
			return
		}
		currency, err := optionalCurrency(req.Currency)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		scope := middleware.ScopeFromContext(r.Context())
		payment, err := svc.Create(r.Context(), internalpayments.CreateInput{
			TenantID:       scope.TenantID,
			OrderID:        orderID,
			Amount:         req.Amount,
			Currency:       currency,
			Provider:       provider,
			PaymentMethod:  validators.SanitizeString(req.PaymentMethod, 128),
			IsPartial:      req.IsPartial,
			Metadata:       req.Metadata,
			ActorID:        scope.ActorID,
			IdempotencyKey: strings.TrimSpace(r.Header.Get(middleware.IdempotencyKeyHeader)),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, NewPaymentResponse(payment))
	}
}

func ListForOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.ListForOrder(r.Context(), middleware.TenantIDFromContext(r.Context()), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderPaymentsResponse(list))
	}
}

func Get(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paymentID, err := validators.ParseUUIDParam(r, "paymentID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payment, err := svc.Get(r.Context(), middleware.TenantIDFromContext(r.Context()), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewPaymentResponse(payment))
	}
}

// Refund refunds a PAID payment; an omitted amount refunds it in full.
func Refund(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paymentID, err := validators.ParseUUIDParam(r, "paymentID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req refundRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		scope := middleware.ScopeFromContext(r.Context())
		payment, err := svc.Refund(r.Context(), internalpayments.RefundInput{
			TenantID:       scope.TenantID,
			PaymentID:      paymentID,
			Amount:         req.Amount,
			Reason:         validators.SanitizeString(req.Reason, 500),
			ActorID:        scope.ActorID,
			IdempotencyKey: strings.TrimSpace(r.Header.Get(middleware.IdempotencyKeyHeader)),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewPaymentResponse(payment))
	}
}

func Retry(svc Service, logg *logger.Logger) http.HandlerFunc {
	return paymentAction(svc.Retry, logg)
}

// Sync pulls the provider's current view of the payment.
func Sync(svc Service, logg *logger.Logger) http.HandlerFunc {
	return paymentAction(svc.Sync, logg)
}

func paymentAction(action func(context.Context, internalpayments.PaymentRef) (*models.Payment, error), logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paymentID, err := validators.ParseUUIDParam(r, "paymentID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		scope := middleware.ScopeFromContext(r.Context())
		payment, err := action(r.Context(), internalpayments.PaymentRef{
			TenantID:  scope.TenantID,
			PaymentID: paymentID,
			ActorID:   scope.ActorID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewPaymentResponse(payment))
	}
}

// DeclareCashier records cash collected at the counter by the calling actor.
func DeclareCashier(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		scope := middleware.ScopeFromContext(r.Context())
		if scope.ActorID == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor required"))
			return
		}
		var req declareCashierRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		currency, err := optionalCurrency(req.Currency)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.DeclareCashier(r.Context(), internalpayments.CashierInput{
			TenantID:   scope.TenantID,
			OrderID:    orderID,
			Amount:     req.Amount,
			Currency:   currency,
			DeclaredBy: *scope.ActorID,
			Notes:      validators.SanitizeString(req.Notes, 1000),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, NewCashierPaymentResponse(payment))
	}
}

func TransitionCashier(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cashierID, err := validators.ParseUUIDParam(r, "cashierPaymentID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		scope := middleware.ScopeFromContext(r.Context())
		if scope.ActorID == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor required"))
			return
		}
		var req cashierTransitionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		to, err := enums.ParseCashierPaymentStatus(strings.ToUpper(strings.TrimSpace(req.To)))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid target status"))
			return
		}

		payment, err := svc.TransitionCashier(r.Context(), internalpayments.CashierTransitionInput{
			TenantID:         scope.TenantID,
			CashierPaymentID: cashierID,
			To:               to,
			ActorID:          *scope.ActorID,
			Notes:            validators.SanitizeString(req.Notes, 1000),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewCashierPaymentResponse(payment))
	}
}

// optionalCurrency leaves the currency empty so the service falls back to
// the order's currency.
func optionalCurrency(raw string) (enums.Currency, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	currency, err := enums.ParseCurrency(raw)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported currency")
	}
	return currency, nil
}
