// Package rabbitmq hands send jobs to an SMS gateway through a RabbitMQ queue.
// A send counts as accepted once the broker confirms the publish.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"bulksms/internal/transport"
	logx "bulksms/pkg/logx"
)

var ErrNack = errors.New("amqp: broker rejected publish")

type Config struct {
	URL       string
	Queue     string
	PartLimit int
	// ConfirmTimeout bounds the wait for the broker ack when ctx has no deadline.
	ConfirmTimeout time.Duration
}

// Job is the message body consumed by the gateway.
type Job struct {
	ID        string    `json:"id"`
	Number    string    `json:"number"`
	Message   string    `json:"message"`
	Parts     []string  `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher is a transport.Sender. The connection is dialed lazily and
// redialed on the next send after a failure.
type Publisher struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
}

var _ transport.Sender = (*Publisher)(nil)

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = "bulksms.send"
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{
		cfg: cfg,
		log: log.With(logx.String("comp", "transport.amqp")),
		now: time.Now,
	}, nil
}

func (p *Publisher) newJob(number, message string) Job {
	return Job{
		ID:        uuid.NewString(),
		Number:    number,
		Message:   message,
		Parts:     transport.SplitParts(message, p.cfg.PartLimit),
		CreatedAt: p.now().UTC(),
	}
}

func (p *Publisher) Send(ctx context.Context, number, message string) error {
	job := p.newJob(number, message)
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLocked(); err != nil {
		return fmt.Errorf("amqp connect: %w", err)
	}

	err = p.ch.Publish("", p.cfg.Queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     job.ID,
		CorrelationId: number,
		Timestamp:     job.CreatedAt,
		Body:          body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}

	wait := p.cfg.ConfirmTimeout
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.resetLocked()
			return errors.New("amqp: channel closed before confirm")
		}
		if !c.Ack {
			return fmt.Errorf("%w (job %s)", ErrNack, job.ID)
		}
		p.log.Debug("job published", logx.String("job", job.ID), logx.Int("parts", len(job.Parts)))
		return nil
	case <-ctx.Done():
		// The confirm may still arrive; drop the channel so it is not
		// mistaken for the next job's.
		p.resetLocked()
		return ctx.Err()
	case <-timer.C:
		p.resetLocked()
		return errors.New("amqp: confirm timed out")
	}
}

func (p *Publisher) ensureLocked() error {
	if p.ch != nil {
		select {
		case err := <-p.closed:
			p.log.Warn("amqp connection lost", logx.Any("err", err))
			p.resetLocked()
		default:
			return nil
		}
	}

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := ch.QueueDeclare(p.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return err
	}
	p.conn = conn
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	p.log.Info("amqp connected", logx.String("queue", p.cfg.Queue))
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch = nil
	p.conn = nil
	p.confirms = nil
	p.closed = nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
