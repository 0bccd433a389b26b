package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"segmentd/internal/config"
	"segmentd/internal/training"
)

// ErrBufferFull is returned when an event is dropped because the buffer is full.
var ErrBufferFull = errors.New("notify buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("notifier is closed")

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
}

// Config configures webhook delivery.
type Config struct {
	URL            string        // webhook destination
	SigningKey     string        // HMAC key, empty disables signing
	Source         string        // CloudEvents source attribute
	BufferSize     int           // pending events, split across workers (default: 1000)
	Workers        int           // concurrent deliveries, each owning a set of subjects (default: 2)
	HTTPTimeout    time.Duration // per request (default: 10s)
	MaxRetries     int           // retries after the first attempt (default: 3, negative disables)
	InitialBackoff time.Duration // default: 100ms
	MaxBackoff     time.Duration // default: 5s
}

// LoadConfigFromEnv loads delivery tuning from environment variables.
// URL and SigningKey are left to the caller.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 2),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "segmentd"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Stats holds delivery counters.
type Stats struct {
	QueueDepth int   `json:"queueDepth"`
	Queued     int64 `json:"queued"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Retries    int64 `json:"retries"`
}

// Dispatcher queues events in memory and delivers them asynchronously.
// Events with the same subject share one worker and are delivered in the
// order they were dispatched. It implements training.Observer.
type Dispatcher struct {
	queues  []chan *Event
	sender  *Sender
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewDispatcher starts the delivery workers.
func NewDispatcher(cfg Config, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		queues:   make([]chan *Event, cfg.Workers),
		sender:   NewSender(cfg.HTTPTimeout),
		cfg:      cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	perWorker := max(cfg.BufferSize/cfg.Workers, 1)
	d.wg.Add(cfg.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan *Event, perWorker)
		go d.worker(d.queues[i])
	}

	d.logger.Info("Notifier started", "destination", extractHost(cfg.URL), "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Dispatch queues an event without blocking.
func (d *Dispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queueFor(event.Subject) <- event:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotifyDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full", "type", event.Type, "subject", event.Subject)
		return ErrBufferFull
	}
}

// JobStarted implements training.Observer.
func (d *Dispatcher) JobStarted(job training.Job) {
	d.publish(EventTypeStart, job)
}

// JobProgress implements training.Observer.
func (d *Dispatcher) JobProgress(job training.Job) {
	d.publish(EventTypeProgress, job)
}

// JobExited implements training.Observer.
func (d *Dispatcher) JobExited(job training.Job) {
	d.publish(EventTypeExit, job)
}

func (d *Dispatcher) publish(eventType string, job training.Job) {
	_ = d.Dispatch(jobEvent(eventType, d.cfg.Source, job))
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth: d.pending(),
		Queued:     d.queued.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		Retries:    d.retries.Load(),
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// The context deadline bounds the drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Notifier shutting down", "queued", d.pending())
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Notifier shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Notifier shutdown timed out", "remaining", d.pending())
		return ctx.Err()
	}
}

func (d *Dispatcher) queueFor(subject string) chan *Event {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

func (d *Dispatcher) pending() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

func (d *Dispatcher) worker(queue chan *Event) {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue(queue)
			return
		case event := <-queue:
			d.deliver(event)
		}
	}
}

func (d *Dispatcher) drainQueue(queue chan *Event) {
	for {
		select {
		case event := <-queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotifyFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", extractHost(d.cfg.URL), "type", event.Type, "error", err)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	var lastErr error
	for attempt := range max(d.cfg.MaxRetries, 0) + 1 {
		if attempt > 0 {
			d.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt, d.cfg.InitialBackoff, d.cfg.MaxBackoff)):
			}
		}

		lastErr = d.sender.Send(ctx, d.cfg.URL, event, d.cfg.SigningKey)
		if lastErr == nil {
			return nil
		}
		if IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost returns the URL host for logs, keeping credentials and paths out.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ training.Observer = (*Dispatcher)(nil)
