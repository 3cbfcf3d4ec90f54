package oplog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	batchMax     = 200
	idleTimeout  = 250 * time.Millisecond
	writeTimeout = 5 * time.Second
)

// Writer persists or forwards a batch of events.
type Writer interface {
	Write(ctx context.Context, events []Event) error
}

// Recorder buffers events and hands them to writers on a background
// goroutine. Log never blocks: when the buffer is full the event is
// dropped and counted. A nil *Recorder is a valid no-op sink.
type Recorder struct {
	ch      chan Event
	writers []Writer
	logger  *slog.Logger
	dropped atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	stop      chan struct{}
}

// NewRecorder creates a recorder holding up to buffer pending events.
// Call Start to begin delivery and Close to flush on shutdown.
func NewRecorder(buffer int, logger *slog.Logger, writers ...Writer) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1000
	}
	return &Recorder{
		ch:      make(chan Event, buffer),
		writers: writers,
		logger:  logger,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// Log enqueues an event, filling EventID and CreatedAt when unset.
func (r *Recorder) Log(e Event) {
	if r == nil {
		return
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Detail = compactDetail(e.Detail)

	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer
// was full.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Start launches the delivery goroutine. Calling it more than once has
// no further effect.
func (r *Recorder) Start() {
	if r == nil {
		return
	}
	r.startOnce.Do(func() { go r.run() })
}

// Close stops delivery after flushing whatever is already buffered.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.Start()
		close(r.stop)
		<-r.done
	})
}

func (r *Recorder) run() {
	defer close(r.done)

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	batch := make([]Event, 0, batchMax)
	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= batchMax {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-timer.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(idleTimeout)
		case <-r.stop:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
				default:
					if len(batch) > 0 {
						r.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for _, w := range r.writers {
		if err := w.Write(ctx, batch); err != nil {
			r.logger.Warn("operation log write failed", "events", len(batch), "error", err)
		}
	}
}
