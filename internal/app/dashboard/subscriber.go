package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"atelier-system/internal/common/logger"
	"atelier-system/internal/connections/rabbitmq"
	"atelier-system/internal/domain"
)

// Run consumes the order-moved fanout and keeps the aggregate totals,
// printing a summary on every move. Blocks until ctx is cancelled.
func Run(ctx context.Context, client *rabbitmq.Client, log *logger.Logger) error {
	if err := client.DeclareTopology(); err != nil {
		return err
	}
	msgs, err := client.Consume(rabbitmq.DashboardQueue, "dashboard", 10)
	if err != nil {
		return err
	}

	closeCh := client.NotifyClose()
	d := New()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("dashboard_stopped", nil)
			return nil
		case amqpErr := <-closeCh:
			if amqpErr != nil {
				return amqpErr
			}
			return errors.New("amqp channel closed")
		case <-ticker.C:
			d.Print(os.Stdout)
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("consume channel closed")
			}
			var ev domain.OrderMoved
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				log.Error("order_moved_decode_failed", err, nil)
				// malformed stays malformed, never requeue
				_ = rabbitmq.Resolve(msg, rabbitmq.ErrDrop)
				continue
			}
			d.Apply(ev.Kind, ev.Order)
			log.Info("order_moved_observed", map[string]any{
				"order_id": ev.OrderID,
				"from":     string(ev.From),
				"to":       string(ev.To),
				"customer": ev.Customer,
			})
			_ = rabbitmq.Resolve(msg, nil)
		}
	}
}
