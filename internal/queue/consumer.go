package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JonMunkholm/dataload/internal/logging"
	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/scheduler"
)

// Submitter admits jobs. *scheduler.Scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, job pipeline.Job) (scheduler.Status, error)
}

// Config configures a Consumer.
type Config struct {
	URL      string
	Queue    string
	Prefetch int

	// BaseDir resolves relative paths in messages.
	BaseDir string

	// MaxReconnectDelay caps the backoff between broker reconnects.
	MaxReconnectDelay time.Duration
}

// Consumer reads job messages and submits them.
type Consumer struct {
	cfg    Config
	submit Submitter
	log    *slog.Logger
}

// NewConsumer returns a Consumer for cfg.Queue.
func NewConsumer(cfg Config, submit Submitter, log *slog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		submit: submit,
		log:    log.With("component", "queue", "queue", cfg.Queue),
	}
}

// Run consumes until ctx is done, reconnecting with backoff when the
// broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	err := retry.Do(
		func() error { return c.consume(ctx) },
		retry.Attempts(0),
		retry.Context(ctx),
		retry.Delay(time.Second),
		retry.MaxDelay(c.cfg.MaxReconnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("amqp consumer reconnecting", "attempt", n+1, "error", err)
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// consume runs one broker session. It returns nil only when ctx is done.
func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare %s: %w", c.cfg.Queue, err)
	}

	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", c.cfg.Queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.log.Info("amqp consumer started", "prefetch", c.cfg.Prefetch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", amqpErr)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handle(ctx, d.Body, d)
		}
	}
}

// acknowledger is the part of amqp.Delivery handle needs.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// handle submits one message and settles it:
//
//	admitted or already known   ack
//	scheduler busy or closing   nack, requeue
//	anything else               nack, drop
func (c *Consumer) handle(ctx context.Context, body []byte, d acknowledger) {
	job, err := Decode(body, c.cfg.BaseDir)
	if err != nil {
		c.log.Warn("dropping job message", "error", err)
		c.settle(d.Nack(false, false))
		return
	}

	st, err := c.submit.Submit(ctx, job)
	switch {
	case err == nil:
		logging.ForJob(ctx, st.ID, "amqp").Info("job submitted", "path", job.Path, "target", job.Target)
		c.settle(d.Ack(false))
	case errors.Is(err, scheduler.ErrDuplicate):
		c.log.Info("job already submitted", "job_id", job.ID)
		c.settle(d.Ack(false))
	case errors.Is(err, scheduler.ErrBusy), errors.Is(err, scheduler.ErrClosed),
		errors.Is(err, context.Canceled):
		c.log.Info("requeueing job message", "job_id", job.ID, "error", err)
		c.settle(d.Nack(false, true))
	default:
		c.log.Error("job message rejected", "job_id", job.ID, "error", err)
		c.settle(d.Nack(false, false))
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.log.Error("amqp settle", "error", err)
	}
}
