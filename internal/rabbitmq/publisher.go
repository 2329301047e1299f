package rabbitmq

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/observability"
)

const defaultConfirmTimeout = 5 * time.Second

// Publisher publishes notification, audit and websocket events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// Typed is implemented by events that name their AMQP message type.
type Typed interface {
	MessageType() string
}

// Options configures NewPublisher.
type Options struct {
	URL      string
	Exchange string
	// ConfirmPrefixes lists the routing key prefixes whose publishes wait for
	// the broker to confirm them. Other publishes are fire-and-forget.
	ConfirmPrefixes []string
	ConfirmTimeout  time.Duration
}

// NewPublisher builds a RabbitMQ publisher, or a noop publisher when AMQP is
// disabled or the broker cannot be reached at startup.
func NewPublisher(opts Options) Publisher {
	if opts.URL == "" {
		jww.INFO.Printf("[AMQP] disabled, using noop: empty amqp url")
		return noopPublisher{reason: "empty amqp url"}
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}

	p := &amqpPublisher{opts: opts}
	if err := p.connect(); err != nil {
		jww.WARN.Printf("[AMQP] disabled, using noop: %v", err)
		return noopPublisher{reason: err.Error()}
	}
	jww.INFO.Printf("[AMQP] connected exchange=%s confirm=%v", opts.Exchange, opts.ConfirmPrefixes)
	return p
}

type amqpPublisher struct {
	opts Options

	// mu guards the connection and serializes publishes so delivery tags
	// match confirmations.
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// connect must be called with p.mu held or before p is shared.
func (p *amqpPublisher) connect() error {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.opts.URL)
		if err != nil {
			return errors.Wrap(err, "dial broker")
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(p.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return errors.Wrapf(err, "declare exchange %s", p.opts.Exchange)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return errors.Wrap(err, "enable publisher confirms")
	}
	p.ch = ch
	return nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	msg, err := publishing(event, headers, time.Now())
	if err != nil {
		return err
	}

	confirm, err := p.send(ctx, routingKey, msg)
	if err == nil && confirm != nil && needsConfirm(p.opts.ConfirmPrefixes, routingKey) {
		err = p.await(ctx, routingKey, confirm)
	}
	if err != nil {
		observability.IncAMQPPublishError()
		jww.WARN.Printf("[AMQP] publish failed routing_key=%s: %v", routingKey, err)
	}
	return err
}

func (p *amqpPublisher) send(ctx context.Context, routingKey string, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		jww.INFO.Printf("[AMQP] channel closed, reopening")
		if err := p.connect(); err != nil {
			return nil, err
		}
	}
	return p.ch.PublishWithDeferredConfirmWithContext(ctx, p.opts.Exchange, routingKey, false, false, msg)
}

func (p *amqpPublisher) await(ctx context.Context, routingKey string, confirm *amqp.DeferredConfirmation) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.ConfirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return errors.Wrapf(err, "confirm of %s", routingKey)
	}
	if !acked {
		return errors.Errorf("broker nacked publish to %s", routingKey)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// publishing builds the AMQP message of event. The x-request-id header
// doubles as the message id.
func publishing(event any, headers map[string]string, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, errors.Wrap(err, "marshal event")
	}

	table := amqp.Table{}
	for key, value := range headers {
		table[key] = value
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		MessageId:    headers["x-request-id"],
		Headers:      table,
		Body:         body,
	}
	if typed, ok := event.(Typed); ok {
		msg.Type = typed.MessageType()
	}
	return msg, nil
}

func needsConfirm(prefixes []string, routingKey string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(routingKey, prefix) {
			return true
		}
	}
	return false
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	msgType := "untyped"
	if typed, ok := event.(Typed); ok {
		msgType = typed.MessageType()
	}
	jww.DEBUG.Printf("[AMQP] noop publish routing_key=%s type=%s request_id=%s", routingKey, msgType, headers["x-request-id"])
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
