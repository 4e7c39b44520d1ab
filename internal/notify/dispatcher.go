package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/ledgerkeeper/internal/metrics"
	"github.com/eddiefleurent/ledgerkeeper/internal/retry"
)

// Sink delivers a single event.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Name() string
}

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	QueueSize     int
	RatePerSecond float64
	Burst         int
	Retry         retry.Config
}

// DefaultDispatcherConfig is one message per second with a small burst.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:     256,
		RatePerSecond: 1,
		Burst:         5,
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
			Timeout:        time.Minute,
		},
	}
}

// Dispatcher queues events and delivers them to a Sink from one worker
// goroutine, rate limited and with bounded retry. Notify never blocks; a
// full queue drops the event.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	limiter *rate.Limiter
	cfg     DispatcherConfig
	logger  logrus.FieldLogger

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	started   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. Call Run to start delivery.
func NewDispatcher(sink Sink, cfg DispatcherConfig, logger logrus.FieldLogger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
		logger:  logger.WithField("sink", sink.Name()),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Notify enqueues e, dropping it if the queue is full or the dispatcher is closed.
func (d *Dispatcher) Notify(e Event) {
	select {
	case <-d.closed:
		d.drop(e, "dispatcher closed")
		return
	default:
	}
	select {
	case d.queue <- e:
	default:
		d.drop(e, "queue full")
	}
}

func (d *Dispatcher) drop(e Event, why string) {
	d.dropped.Add(1)
	metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
	d.logger.WithFields(logrus.Fields{"kind": e.Kind, "ticker": e.Ticker, "reason": why}).Warn("notification dropped")
}

// Run delivers events until ctx is canceled or Close is called, then
// drains whatever is already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.started.Store(true)
	defer close(d.done)
	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		case <-d.closed:
			d.drain(ctx)
			return nil
		case <-ctx.Done():
			d.drain(context.Background())
			return nil
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-d.queue:
			d.deliver(drainCtx, e)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	if err := d.limiter.Wait(ctx); err != nil {
		d.failed.Add(1)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.WithError(err).WithField("kind", e.Kind).Warn("rate limiter wait aborted")
		return
	}
	_, err := retry.Do(ctx, d.cfg.Retry, d.logger, "notify", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.sink.Send(ctx, e)
	})
	if err != nil {
		d.failed.Add(1)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.WithError(err).WithFields(logrus.Fields{"kind": e.Kind, "ticker": e.Ticker}).Error("notification delivery failed")
		return
	}
	d.delivered.Add(1)
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// Close stops accepting events and, if Run is active, waits for it to
// drain the queue. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	if d.started.Load() {
		<-d.done
	}
}

// Stats reports delivery counters.
func (d *Dispatcher) Stats() (delivered, failed, dropped int64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}
