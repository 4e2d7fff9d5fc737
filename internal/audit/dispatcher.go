package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/models"
)

// Sink receives batches of security events. Implementations must be safe for
// concurrent use by the dispatcher workers.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.SecurityEvent) error
}

// Recorder is what services depend on
type Recorder interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

type Options struct {
	BufferSize    int
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	SinkTimeout   time.Duration
}

// Dispatcher fans events out to every sink from a bounded buffer. Record
// never blocks: when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	opts    Options
	sinks   []Sink
	buckets *bucketing.BucketingManager
	logger  *zap.Logger

	ch        chan models.SecurityEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewDispatcher(opts Options, buckets *bucketing.BucketingManager, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		opts:    opts,
		sinks:   sinks,
		buckets: buckets,
		logger:  logger,
		ch:      make(chan models.SecurityEvent, opts.BufferSize),
		done:    make(chan struct{}),
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Record stamps id, time and partition fields, then enqueues
func (d *Dispatcher) Record(_ context.Context, event models.SecurityEvent) {
	if d == nil || d.closed.Load() {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.EventDate = bucketing.DateBucket(event.OccurredAt)
	if d.buckets != nil {
		key := event.Phone
		if key == "" {
			key = event.SessionID
		}
		event.EventBucket = d.buckets.EventBucket(key)
	}

	select {
	case d.ch <- event:
	case <-d.done:
	default:
		d.dropped.Add(1)
		metrics.AuditEventsDroppedTotal.Inc()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.SecurityEvent, 0, d.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.deliver(batch)
		batch = make([]models.SecurityEvent, 0, d.opts.BatchSize)
	}

	for {
		select {
		case event := <-d.ch:
			batch = append(batch, event)
			if len(batch) >= d.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					batch = append(batch, event)
					if len(batch) >= d.opts.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(batch []models.SecurityEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SinkTimeout)
		err := sink.Write(ctx, batch)
		cancel()
		if err != nil {
			metrics.AuditSinkErrorsTotal.WithLabelValues(sink.Name()).Inc()
			d.logger.Warn("audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
	}
}

// Close drains buffered events into the sinks and stops the workers
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
