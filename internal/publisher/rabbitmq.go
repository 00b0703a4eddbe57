package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"market_watcher/internal/domain"
)

// RabbitMQ delivers alerts to a topic exchange, using the destination as the
// routing key. Publishes are mandatory and confirmed, so a destination without
// a bound queue is reported as not found.
type RabbitMQ struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	channel *amqp.Channel
	returns chan amqp.Return
	closes  chan *amqp.Error
}

type Config struct {
	URL      string
	Exchange string
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	r := &RabbitMQ{
		conn:     conn,
		exchange: cfg.Exchange,
		logger:   logger,
	}

	if err := r.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("connected to rabbitmq", "exchange", cfg.Exchange)

	return r, nil
}

func (r *RabbitMQ) openChannel() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		r.exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}

	r.channel = ch
	r.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	r.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// AlertMessage is the JSON body published for every alert.
type AlertMessage struct {
	Destination string       `json:"destination"`
	Alert       domain.Alert `json:"alert"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (r *RabbitMQ) Deliver(ctx context.Context, destination string, alert *domain.Alert) error {
	msg := AlertMessage{
		Destination: destination,
		Alert:       *alert,
		Timestamp:   time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", domain.ErrDeliveryOther, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel == nil || r.channel.IsClosed() {
		if err := r.openChannel(); err != nil {
			return classifyAMQP(err)
		}
	}
	r.drainReturns()

	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		r.exchange,
		destination,
		true,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    fmt.Sprintf("%d-%d", alert.SubscriptionID, alert.ListingID),
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return classifyAMQP(err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return classifyAMQP(err)
	}
	if !acked {
		select {
		case reason := <-r.closes:
			if reason != nil {
				return classifyAMQP(reason)
			}
		default:
		}
		return fmt.Errorf("%w: broker nacked publish", domain.ErrDeliveryOther)
	}

	// The broker sends basic.return before the ack of an unroutable message.
	select {
	case ret := <-r.returns:
		if ret.ReplyCode == amqp.NoRoute {
			return fmt.Errorf("%w: no queue bound for %q", domain.ErrDeliveryNotFound, destination)
		}
		return fmt.Errorf("%w: returned %d %s", domain.ErrDeliveryOther, ret.ReplyCode, ret.ReplyText)
	default:
	}

	r.logger.Debug("published alert",
		"destination", destination,
		"listing_id", alert.ListingID,
	)

	return nil
}

func (r *RabbitMQ) drainReturns() {
	for {
		select {
		case <-r.returns:
		default:
			return
		}
	}
}

func classifyAMQP(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return fmt.Errorf("%w: %v", domain.ErrDeliveryPermissionDenied, err)
		case amqp.NotFound:
			return fmt.Errorf("%w: %v", domain.ErrDeliveryNotFound, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrDeliveryOther, err)
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
