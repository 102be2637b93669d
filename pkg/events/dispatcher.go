package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/edgestore/pkg/metrics"
	"github.com/orneryd/edgestore/pkg/storage"
)

// ErrDispatcherStopped is returned by Publish after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Workers is the number of goroutines delivering events.
	Workers int

	// QueueSize bounds the events waiting for a worker. Publish blocks
	// while the queue is full.
	QueueSize int

	// InitialInterval, MaxInterval and MaxElapsedTime shape the exponential
	// backoff between delivery attempts of one event. After MaxElapsedTime
	// the event is left in the journal for the next start.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:         4,
		QueueSize:       1024,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// Dispatcher delivers events asynchronously.
//
// Publish journals the event (when a journal is configured) and queues it.
// Workers hand each event to its listener, retrying failures with
// exponential backoff. Validation failures are never retried. A delivered
// event, or one that can never succeed, is acknowledged in the journal; an
// event that still fails when the backoff gives up stays pending and is
// delivered again by the next Start.
//
// Example:
//
//	d := events.NewDispatcher(handlers, journal, events.DefaultDispatcherConfig(), logger)
//	if err := d.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer d.Stop()
//
//	manager := g.Manager(d)
type Dispatcher struct {
	handlers Handlers
	journal  *Journal
	config   DispatcherConfig
	logger   logrus.FieldLogger

	queue chan Envelope

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    <-chan struct{}
	stop    chan struct{} // closed by Stop
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. journal may be nil, in which case
// events are only held in memory.
func NewDispatcher(handlers Handlers, journal *Journal, cfg DispatcherConfig, logger logrus.FieldLogger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = def.MaxElapsedTime
	}
	return &Dispatcher{
		handlers: handlers,
		journal:  journal,
		config:   cfg,
		logger:   logger.WithField("component", "event_dispatcher"),
		queue:    make(chan Envelope, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Start replays the journal's pending events and starts the workers.
// Workers stop when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = ctx.Done()
	d.mu.Unlock()

	var pending []Envelope
	if d.journal != nil {
		var err error
		if pending, err = d.journal.Pending(); err != nil {
			d.cancel()
			return fmt.Errorf("reading pending events: %w", err)
		}
	}

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	if len(pending) > 0 {
		d.logger.WithField("pending", len(pending)).Info("redelivering journaled events")
		metrics.PendingEvents.Add(float64(len(pending)))
		// Replay outside the caller so a long backlog does not block Start.
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for _, env := range pending {
				select {
				case d.queue <- env:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	d.logger.WithField("workers", d.config.Workers).Info("event dispatcher started")
	return nil
}

// Publish journals env and queues it for delivery. While the queue is full
// it blocks until a worker frees a slot, the dispatcher stops or ctx ends.
// Events published before Start wait in the queue for the workers.
func (d *Dispatcher) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return ErrDispatcherStopped
	}
	done := d.done
	if d.journal != nil {
		var err error
		if env, err = d.journal.Append(env); err != nil {
			d.mu.RUnlock()
			return fmt.Errorf("journaling %s: %w", env, err)
		}
	}
	d.mu.RUnlock()
	metrics.PendingEvents.Inc()

	// The event is journaled; if it cannot be queued the next Start
	// delivers it.
	select {
	case d.queue <- env:
		return nil
	case <-d.stop:
		return ErrDispatcherStopped
	case <-done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the workers and waits for in-flight deliveries to end. Events
// still queued remain in the journal.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stop)
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	var result *multierror.Error
	if d.journal != nil {
		if err := d.journal.Sync(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	d.logger.Info("event dispatcher stopped")
	return result.ErrorOrNil()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	logger := d.logger.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.queue:
			d.deliver(ctx, logger, env)
		}
	}
}

// deliver runs the listener for env until it succeeds, fails permanently or
// the backoff gives up.
func (d *Dispatcher) deliver(ctx context.Context, logger logrus.FieldLogger, env Envelope) {
	kind := string(env.Kind)
	logger = logger.WithFields(logrus.Fields{"kind": kind, "seq": env.Sequence})
	start := time.Now()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.config.InitialInterval
	policy.MaxInterval = d.config.MaxInterval
	policy.MaxElapsedTime = d.config.MaxElapsedTime

	var count int
	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		n, err := d.handlers.Deliver(ctx, env)
		if err == nil {
			count = n
			return nil
		}
		if storage.IsValidationError(err) {
			return backoff.Permanent(err)
		}
		metrics.EventsDelivered.WithLabelValues(kind, "retry").Inc()
		logger.WithError(err).Warn("event delivery failed, retrying")
		return err
	}, backoff.WithContext(policy, ctx))

	metrics.EventDeliveryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.EventsDelivered.WithLabelValues(kind, "ok").Inc()
		logger.WithField("count", count).Debug("event delivered")
		d.ack(logger, env)
	case storage.IsValidationError(err):
		metrics.EventsDelivered.WithLabelValues(kind, "failed").Inc()
		logger.WithError(err).Error("dropping invalid event")
		d.ack(logger, env)
	case ctx.Err() != nil:
		// Shutting down; the event stays journaled.
	default:
		metrics.EventsDelivered.WithLabelValues(kind, "failed").Inc()
		logger.WithError(err).Error("giving up on event, it stays pending until restart")
	}
}

func (d *Dispatcher) ack(logger logrus.FieldLogger, env Envelope) {
	metrics.PendingEvents.Dec()
	if d.journal == nil || env.Sequence == 0 {
		return
	}
	if err := d.journal.Ack(env.Sequence); err != nil {
		logger.WithError(err).Error("failed to acknowledge event")
	}
}
