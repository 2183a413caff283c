package paidaction

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Invoice action states kept in the cache
const (
	ActionStatePending = "PENDING"
	ActionStatePaid    = "PAID"
	ActionStateFailed  = "FAILED"
)

// AddInt64 adds delta to an integer cache field
func AddInt64(ctx context.Context, c Cache, id ObjectID, field string, delta int64) error {
	return c.ModifyField(ctx, id, field, func(existing interface{}) interface{} {
		return ToInt64(existing) + delta
	})
}

// ReadInt64 reads an integer cache field. ok is false when the field is absent.
func ReadInt64(ctx context.Context, c Cache, id ObjectID, field string) (int64, bool, error) {
	v, ok, err := c.ReadField(ctx, id, field)
	if err != nil || !ok {
		return 0, false, err
	}
	n, isNum := toInt64(v)
	return n, isNum, nil
}

// SetField overwrites a cache field
func SetField(ctx context.Context, c Cache, id ObjectID, field string, value interface{}) error {
	return c.ModifyField(ctx, id, field, func(interface{}) interface{} {
		return value
	})
}

// InvoiceStateMods wraps the operation's hooks so the embedded invoice's
// actionState is tracked in the cache: PENDING when the result arrives,
// PAID on confirmation and FAILED on a payment error. Cache write failures
// are logged and do not stop the wrapped hooks.
func InvoiceStateMods(op Operation) Operation {
	completed, paid, payErr := op.OnCompleted, op.OnPaid, op.OnPayError

	op.OnCompleted = func(oc OperationContext) {
		if inv := oc.Data.Invoice; inv != nil && oc.Cache != nil {
			err := SetField(oc.Ctx, oc.Cache, InvoiceObject(inv.ID), "actionState", ActionStatePending)
			logStateErr(oc, inv, ActionStatePending, err)
		}
		if completed != nil {
			completed(oc)
		}
	}
	op.OnPaid = func(pc PaidContext) {
		if inv := pc.Invoice; inv != nil && pc.Cache != nil {
			id := InvoiceObject(inv.ID)
			confirmedAt := time.Now().UTC()
			if inv.ConfirmedAt != nil {
				confirmedAt = *inv.ConfirmedAt
			}
			err := errors.Join(
				SetField(pc.Ctx, pc.Cache, id, "actionState", ActionStatePaid),
				SetField(pc.Ctx, pc.Cache, id, "satsReceived", inv.SatsReceived),
				SetField(pc.Ctx, pc.Cache, id, "confirmedAt", confirmedAt.Format(time.RFC3339)),
			)
			logStateErr(pc.OperationContext, inv, ActionStatePaid, err)
		}
		if paid != nil {
			paid(pc)
		}
	}
	op.OnPayError = func(pe PayErrorContext) {
		if inv := pe.Data.Invoice; inv != nil && pe.Cache != nil {
			err := SetField(pe.Ctx, pe.Cache, InvoiceObject(inv.ID), "actionState", ActionStateFailed)
			logStateErr(pe.OperationContext, inv, ActionStateFailed, err)
		}
		if payErr != nil {
			payErr(pe)
		}
	}
	return op
}

func logStateErr(oc OperationContext, inv *Invoice, state string, err error) {
	if err == nil {
		return
	}
	log := oc.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("failed to record invoice action state",
		zap.String("invoice_id", inv.ID),
		zap.String("state", state),
		zap.Error(err))
}
