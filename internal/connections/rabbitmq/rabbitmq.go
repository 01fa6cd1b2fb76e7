// Package rabbitmq owns the AMQP connection and the order-moved fanout
// topology.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"atelier-system/internal/config"
	"atelier-system/internal/domain"
)

const (
	// OrderMovedExchange fans every committed transition out to all
	// interested consumers.
	OrderMovedExchange = "orders_moved_fanout"
	// DashboardQueue feeds the dashboard aggregator.
	DashboardQueue = "dashboard.q"
)

// Sentinel results a consumer handler can return to steer ack/nack.
var (
	ErrRequeue = errors.New("requeue")
	ErrDrop    = errors.New("drop")
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	acks <-chan amqp.Confirmation
	mu   sync.Mutex // serializes Publish while waiting on confirms
}

// Dial connects, opens a channel and enables publisher confirms.
func Dial(cfg config.RabbitMQ) (*Client, error) {
	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	scheme := "amqp"
	if cfg.UseTLS {
		scheme = "amqps"
	}
	url := fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, cfg.User, cfg.Password, cfg.Host, cfg.Port, vhost)

	var (
		conn *amqp.Connection
		err  error
	)
	if cfg.UseTLS {
		conn, err = amqp.DialTLS(url, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(url)
	}
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Client{conn: conn, ch: ch, acks: acks}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Ping is a lightweight liveness check.
func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// DeclareTopology declares the fanout exchange and dashboard queue.
// Idempotent.
func (c *Client) DeclareTopology() error {
	if err := c.ch.ExchangeDeclare(OrderMovedExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(DashboardQueue, true, false, false, false, nil); err != nil {
		return err
	}
	return c.ch.QueueBind(DashboardQueue, "", OrderMovedExchange, false, nil)
}

// publish sends body and waits for the broker's confirm.
func (c *Client) publish(ctx context.Context, exchange, key string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}); err != nil {
		return err
	}
	select {
	case conf := <-c.acks:
		if conf.Ack {
			return nil
		}
		return errors.New("publish NACK from broker")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOrderMoved sends a committed transition to the fanout. Satisfies
// the transition bus Publisher contract.
func (c *Client) PublishOrderMoved(ctx context.Context, ev domain.OrderMoved) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.publish(ctx, OrderMovedExchange, "", body)
}

// Consume starts delivering from queue with the given prefetch. Callers
// settle each message through Resolve.
func (c *Client) Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return c.ch.Consume(queue, consumer, false, false, false, false, nil)
}

// NotifyClose relays channel-level close errors for monitoring loops.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.ch.NotifyClose(make(chan *amqp.Error, 1))
}

// Resolve acks or nacks msg per the handler verdict: nil acks, ErrRequeue
// nacks back onto the queue, anything else drops.
func Resolve(msg amqp.Delivery, verdict error) error {
	switch {
	case verdict == nil:
		return msg.Ack(false)
	case errors.Is(verdict, ErrRequeue):
		return msg.Nack(false, true)
	default:
		return msg.Nack(false, false)
	}
}
