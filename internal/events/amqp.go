// Package events ingests domain events from the platform's AMQP fanout
// exchange and hands them to the dispatcher. HTTP ingestion via POST
// /v1/events is the other entry point; both produce identical deliveries.
package events

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"webhookd/internal/config"
	"webhookd/internal/model"
	"webhookd/internal/webhooks"
)

// message is the wire form upstream services publish: an envelope plus the
// owning organization.
type message struct {
	OrgID string `json:"orgId"`
	model.EventEnvelope
}

type Consumer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	dispatcher *webhooks.Dispatcher
	log        *logrus.Logger
}

// NewConsumer dials the broker and binds a durable queue to the fanout
// exchange.
func NewConsumer(cfg config.AMQPConfig, d *webhooks.Dispatcher, log *logrus.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, "", cfg.Exchange, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: q.Name, dispatcher: d, log: log}, nil
}

// Start consumes until ctx is done. Malformed messages are acked and
// dropped; dispatch failures are nacked for redelivery.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.queue, "webhookd", false, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				c.handle(ctx, d)
			}
		}
	}()
	return nil
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.WithError(err).Warn("dropping malformed event message")
		_ = d.Ack(false)
		return
	}
	if msg.OrgID == "" {
		c.log.Warn("dropping event message without orgId")
		_ = d.Ack(false)
		return
	}
	if _, err := c.dispatcher.Dispatch(ctx, msg.OrgID, msg.EventEnvelope); err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			c.log.WithError(err).Warn("dropping invalid event message")
			_ = d.Ack(false)
			return
		}
		c.log.WithError(err).Error("dispatch failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) Close() error {
	if err := c.ch.Close(); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}
