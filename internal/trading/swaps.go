package trading

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// ChargeOvernightSwaps charges every open position the swap accrued up to at.
// Replaying an operation id charges nothing, and no period is charged twice.
// Charged accounts are recomputed, so a swap can raise a margin call or stop out.
func (e *Engine) ChargeOvernightSwaps(ctx context.Context, operationID string, at time.Time) (int, error) {
	_, span := telemetry.Tracer.Start(ctx, "trading.ChargeOvernightSwaps", trace.WithAttributes(
		attribute.String("operation.id", operationID),
	))
	defer span.End()

	if operationID == "" {
		return 0, fmt.Errorf("charge swaps: operation id is required")
	}

	charged := 0
	err := e.run(func(o *op) error {
		for _, pos := range e.orders.ByStatus(domain.OrderStatusActive, domain.OrderStatusClosing) {
			account, err := e.accounts.Get(pos.AccountID)
			if err != nil {
				e.logger.Error("swap skipped", "order_id", pos.ID, "error", err)
				continue
			}
			charge, ok, err := e.calc.SwapFor(pos, account, at)
			if err != nil {
				e.logger.Error("swap skipped", "order_id", pos.ID, "error", err)
				continue
			}
			if !ok || !e.swaps.Claim(operationID, pos.ID) {
				continue
			}

			pos.SwapCommission = pos.SwapCommission.Add(charge.Amount)
			pos.SwapsChargedUntil = charge.To
			e.store(pos)
			o.touch(pos.AccountID)

			telemetry.SwapsChargedTotal.Inc()
			o.emit(domain.SwapCharged{
				OperationID: operationID,
				OrderID:     pos.ID,
				AccountID:   pos.AccountID,
				Amount:      charge.Amount,
				From:        charge.From,
				To:          charge.To,
			})
			charged++
		}

		// Charged accounts may change level.
		e.settle(o)
		return nil
	})

	span.SetAttributes(attribute.Int("positions.charged", charged))
	e.logger.Info("overnight swaps charged", "operation_id", operationID, "positions", charged)
	return charged, err
}
