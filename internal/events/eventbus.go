package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/clipguard/internal/logger"
)

// Config holds event bus configuration.
type Config struct {
	BufferSize int
	Workers    int
	// Dedup suppresses repeats of an event within its window. Nil disables it.
	Dedup *DedupConfig
}

// DefaultConfig returns the default event bus configuration.
func DefaultConfig() *Config {
	return &Config{
		BufferSize: 256,
		Workers:    2,
		Dedup:      DefaultDedupConfig(),
	}
}

// Bus delivers events to consumers on a fixed set of workers. Publishing
// never blocks: events are dropped when the buffer is full.
type Bus struct {
	eventChan chan Event
	workers   int
	dedup     *Deduplicator

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	mu      sync.Mutex

	consumers []Consumer

	received   atomic.Uint64
	suppressed atomic.Uint64
	processed  atomic.Uint64
	dropped    atomic.Uint64
	errored    atomic.Uint64

	log logger.Logger
}

// New creates a bus. Workers start when the first consumer registers.
func New(cfg *Config, log logger.Logger) *Bus {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = logger.Global().Module("events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		eventChan: make(chan Event, cfg.BufferSize),
		workers:   cfg.Workers,
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
	if cfg.Dedup != nil {
		b.dedup = NewDeduplicator(cfg.Dedup)
	}

	log.Debug("event bus created",
		logger.Int("buffer_size", cfg.BufferSize),
		logger.Int("workers", cfg.Workers),
		logger.Bool("dedup", b.dedup != nil))
	return b
}

// RegisterConsumer adds a consumer. Names must be unique.
func (b *Bus) RegisterConsumer(consumer Consumer) error {
	if b == nil {
		return fmt.Errorf("event bus not initialized")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx.Err() != nil {
		return fmt.Errorf("event bus is shut down")
	}
	for _, existing := range b.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}
	b.consumers = append(b.consumers, consumer)

	b.log.Info("registered event consumer", logger.String("consumer", consumer.Name()))

	if !b.running.Swap(true) {
		for i := range b.workers {
			b.wg.Go(func() { b.worker(i) })
		}
	}
	return nil
}

// TryPublish queues event without blocking. It returns false when the event
// was suppressed, dropped, or nobody is listening.
func (b *Bus) TryPublish(event Event) bool {
	if b == nil || event == nil || !b.running.Load() {
		return false
	}

	if !b.dedup.ShouldProcess(event) {
		b.suppressed.Add(1)
		return false
	}

	select {
	case b.eventChan <- event:
		b.received.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.log.Debug("event dropped due to full buffer",
			logger.String("component", event.GetComponent()),
			logger.String("category", event.GetCategory()))
		return false
	}
}

func (b *Bus) worker(id int) {
	log := b.log.With(logger.Int("worker_id", id))
	for {
		select {
		case <-b.ctx.Done():
			b.drain(log)
			return
		case event := <-b.eventChan:
			b.processEvent(event, log)
		}
	}
}

// drain delivers whatever is still buffered at shutdown.
func (b *Bus) drain(log logger.Logger) {
	for {
		select {
		case event := <-b.eventChan:
			b.processEvent(event, log)
		default:
			return
		}
	}
}

func (b *Bus) processEvent(event Event, log logger.Logger) {
	b.mu.Lock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, consumer := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.errored.Add(1)
					log.Error("consumer panicked",
						logger.String("consumer", consumer.Name()),
						logger.Any("panic", r),
						logger.String("category", event.GetCategory()))
				}
			}()

			if err := consumer.ProcessEvent(event); err != nil {
				b.errored.Add(1)
				log.Warn("consumer error",
					logger.String("consumer", consumer.Name()),
					logger.String("category", event.GetCategory()),
					logger.Error(err))
				return
			}
			b.processed.Add(1)
		}()
	}
	event.MarkReported()
}

// Shutdown stops accepting events, delivers what is buffered and waits for
// the workers up to timeout.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	b.running.Store(false)
	b.cancel()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		b.log.Debug("event bus shutdown complete")
		return nil
	case <-timer.C:
		b.log.Warn("event bus shutdown timeout exceeded", logger.Duration("timeout", timeout))
		return fmt.Errorf("event bus shutdown timeout exceeded")
	}
}

// Stats returns current event bus statistics.
func (b *Bus) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	return Stats{
		EventsReceived:   b.received.Load(),
		EventsSuppressed: b.suppressed.Load(),
		EventsProcessed:  b.processed.Load(),
		EventsDropped:    b.dropped.Load(),
		ConsumerErrors:   b.errored.Load(),
	}
}

// PublisherAdapter adapts a Bus to the errors package's EventPublisher.
type PublisherAdapter struct {
	bus *Bus
}

// NewPublisherAdapter creates an adapter for bus.
func NewPublisherAdapter(bus *Bus) *PublisherAdapter {
	return &PublisherAdapter{bus: bus}
}

// TryPublish accepts any value and publishes it when it is an Event.
func (a *PublisherAdapter) TryPublish(event any) bool {
	e, ok := event.(Event)
	if !ok || a.bus == nil {
		return false
	}
	return a.bus.TryPublish(e)
}
