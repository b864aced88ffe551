package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RecorderConfig contains configuration for the event recorder.
type RecorderConfig struct {
	// AsyncBuffer is the size of the write queue.
	// Default: 1024
	AsyncBuffer int

	// WriteTimeout bounds each storage write.
	// Default: 5 seconds
	WriteTimeout time.Duration
}

// DefaultRecorderConfig returns the default recorder configuration.
func DefaultRecorderConfig() *RecorderConfig {
	return &RecorderConfig{
		AsyncBuffer:  1024,
		WriteTimeout: 5 * time.Second,
	}
}

// Recorder writes events asynchronously. Record never blocks: when the
// queue is full the event is dropped and counted.
type Recorder struct {
	storage Storage
	config  *RecorderConfig
	queue   chan *Event
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger

	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// NewRecorder creates a recorder and starts its writer.
func NewRecorder(storage Storage, config *RecorderConfig) *Recorder {
	if config == nil {
		config = DefaultRecorderConfig()
	}
	if config.AsyncBuffer <= 0 {
		config.AsyncBuffer = DefaultRecorderConfig().AsyncBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultRecorderConfig().WriteTimeout
	}

	r := &Recorder{
		storage: storage,
		config:  config,
		queue:   make(chan *Event, config.AsyncBuffer),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "events.recorder"),
	}

	r.wg.Add(1)
	go r.worker()

	return r
}

// Record enqueues ev, filling in ID and Time when unset. It is safe to
// call on a nil Recorder.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}

	select {
	case r.queue <- &ev:
	default:
		r.dropped.Add(1)
		r.logger.Debug("event queue full, dropping event", "kind", ev.Kind, "host", ev.Host)
	}
}

// Recorded returns the number of events written to storage.
func (r *Recorder) Recorded() uint64 {
	if r == nil {
		return 0
	}
	return r.recorded.Load()
}

// Dropped returns the number of events lost to a full queue or shutdown.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close drains queued events and stops the writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.queue:
			r.write(ev)

		case <-r.done:
			for {
				select {
				case ev := <-r.queue:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	if err := r.storage.Store(ctx, ev); err != nil {
		r.dropped.Add(1)
		r.logger.Error("failed to store event", "id", ev.ID, "kind", ev.Kind, "error", err)
		return
	}
	r.recorded.Add(1)
}
