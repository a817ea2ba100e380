package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultPublishBuffer is how many events may wait for the broker.
	DefaultPublishBuffer = 256

	dialTimeout    = 2 * time.Second
	publishTimeout = 2 * time.Second
	maxRedialWait  = 30 * time.Second
)

var (
	// ErrPublishBufferFull is returned when events arrive faster than the
	// broker accepts them; the event is dropped.
	ErrPublishBufferFull = errors.New("lifecycle event buffer full")

	errBrokerBackoff = errors.New("broker unavailable, waiting to redial")
)

// Publisher sends lifecycle events to RabbitMQ.  Publish only queues the
// event; Run owns the broker connection and delivers the queue.  While the
// broker is down Run redials with a growing delay and drops what it cannot
// send, so callers never wait on the broker.
type Publisher struct {
	url    string
	log    *slog.Logger
	events chan LifecycleEvent
	dial   func() (*amqp.Connection, error)
	now    func() time.Time

	// Owned by Run.
	conn      *amqp.Connection
	ch        *amqp.Channel
	redialAt  time.Time
	redialGap time.Duration
}

// NewPublisher returns a Publisher for url buffering up to buffer events
// (DefaultPublishBuffer when not positive).  No connection is made until
// Run handles the first event.
func NewPublisher(url string, buffer int, log *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = DefaultPublishBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		url:    url,
		log:    log,
		events: make(chan LifecycleEvent, buffer),
		now:    time.Now,
	}
	p.dial = func() (*amqp.Connection, error) {
		return amqp.DialConfig(p.url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(dialTimeout),
		})
	}
	return p
}

// Publish queues ev for delivery.  It never blocks; a full buffer drops
// the event and returns ErrPublishBufferFull.
func (p *Publisher) Publish(_ context.Context, ev LifecycleEvent) error {
	select {
	case p.events <- ev:
		return nil
	default:
		p.log.Warn("lifecycle event dropped",
			slog.String("op", "queue.publisher.publish"),
			slog.String("type", string(ev.Type)),
			slog.String("booking_id", ev.BookingID),
			slog.Any("error", ErrPublishBufferFull))
		return ErrPublishBufferFull
	}
}

// Run delivers queued events until ctx is cancelled, then closes the
// broker connection.
func (p *Publisher) Run(ctx context.Context) {
	defer p.reset()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			_ = p.send(ctx, ev)
		}
	}
}

// send delivers one event as a persistent JSON message on LifecycleQueue.
func (p *Publisher) send(ctx context.Context, ev LifecycleEvent) error {
	const op = "queue.publisher.send"
	log := p.log.With(slog.String("op", op), slog.String("type", string(ev.Type)), slog.String("booking_id", ev.BookingID))

	body, err := json.Marshal(ev)
	if err != nil {
		log.Error("marshal event failed", slog.Any("error", err))
		return err
	}

	ch, err := p.channel()
	if err != nil {
		if !errors.Is(err, errBrokerBackoff) {
			log.Warn("rabbitmq unavailable", slog.Any("error", err), slog.Duration("retry_in", p.redialGap))
		}
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Type:         string(ev.Type),
		Body:         body,
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := ch.PublishWithContext(pctx,
		"",             // default exchange
		LifecycleQueue, // routing key = queue name
		false,          // mandatory
		false,          // immediate
		pub,
	); err != nil {
		log.Warn("publish failed", slog.Any("error", err))
		p.reset()
		return err
	}
	log.Debug("event published")
	return nil
}

// channel returns an open channel, dialing when needed.  After a failed
// dial no new attempt is made until the backoff has passed.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if p.now().Before(p.redialAt) {
		return nil, errBrokerBackoff
	}

	ch, err := p.open()
	if err != nil {
		switch {
		case p.redialGap == 0:
			p.redialGap = time.Second
		case p.redialGap < maxRedialWait:
			p.redialGap *= 2
		}
		p.redialAt = p.now().Add(p.redialGap)
		return nil, err
	}
	p.redialGap, p.redialAt = 0, time.Time{}
	return ch, nil
}

func (p *Publisher) open() (*amqp.Channel, error) {
	conn, err := p.dial()
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(LifecycleQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}
