package payments

import (
	"context"

	"github.com/angelmondragon/commerce-core/internal/audit"
	"github.com/angelmondragon/commerce-core/internal/orders"
	"github.com/angelmondragon/commerce-core/pkg/alerts"
)

// effects collects work that must only happen after the transaction commits.
type effects struct {
	audits  []audit.Entry
	changes []*orders.Change
	alerts  []pendingAlert
}

type pendingAlert struct {
	title  string
	fields map[string]any
	opts   alerts.Options
}

// reset drops anything collected by an attempt that was rolled back.
func (e *effects) reset() {
	*e = effects{}
}

func (e *effects) raise(title string, fields map[string]any, opts alerts.Options) {
	e.alerts = append(e.alerts, pendingAlert{title: title, fields: fields, opts: opts})
}

func (s *Service) flush(ctx context.Context, eff *effects) {
	if eff == nil {
		return
	}
	for _, entry := range eff.audits {
		s.audit.Record(ctx, entry)
	}
	for _, change := range eff.changes {
		s.orders.RecordChange(ctx, change)
	}
	for _, a := range eff.alerts {
		s.alerts.Raise(ctx, a.title, a.fields, a.opts)
	}
}
