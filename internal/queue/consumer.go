package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-seat-inventory/internal/model"
)

// OrderReleaser returns the seats of a closed order to inventory.
type OrderReleaser interface {
	ReleaseOrder(ctx context.Context, orderSN, messageID string) error
}

// Consumer drains the order.closed queue.
type Consumer struct {
	url      string
	releaser OrderReleaser
	log      logrus.FieldLogger
}

func NewConsumer(url string, releaser OrderReleaser, log logrus.FieldLogger) *Consumer {
	return &Consumer{url: url, releaser: releaser, log: log.WithField("consumer", OrderClosedQueue)}
}

// Run consumes until ctx is done, reconnecting with backoff when the broker
// goes away.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.WithError(err).Warnf("dial broker failed; retrying in %s", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WithError(err).Warn("consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.WithError(err).Warn("set qos failed")
	}
	if _, err := ch.QueueDeclare(OrderClosedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(OrderClosedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	err := c.Handle(ctx, d.MessageId, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, model.ErrDependencyFailure):
		// transient; let the broker redeliver
		c.log.WithError(err).Warn("release order failed; requeueing")
		_ = d.Nack(false, !d.Redelivered)
	default:
		c.log.WithError(err).Error("dropping order.closed message")
		_ = d.Nack(false, false)
	}
}

// Handle decodes one order.closed payload and releases its seats. A
// duplicate delivery is not an error.
func (c *Consumer) Handle(ctx context.Context, messageID string, body []byte) error {
	var ev OrderClosedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.OrderSN == "" {
		return errors.New("order_sn missing")
	}
	if ev.MessageID == "" {
		ev.MessageID = messageID
	}
	if ev.MessageID == "" {
		ev.MessageID = ev.OrderSN
	}
	err := c.releaser.ReleaseOrder(ctx, ev.OrderSN, ev.MessageID)
	if errors.Is(err, model.ErrDuplicateRequest) {
		c.log.WithField("order_sn", ev.OrderSN).Info("order already released")
		return nil
	}
	if err == nil {
		c.log.WithFields(logrus.Fields{"order_sn": ev.OrderSN, "reason": ev.Reason}).Info("order seats released")
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
