package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/logging"
)

// BufferedSink decouples the deployment path from audit delivery. A
// single flusher goroutine drains a bounded channel and writes each
// record downstream, retrying failed deliveries. When the buffer is
// full, Write blocks until space frees up, so records are never
// silently dropped while the sink is open.
type BufferedSink struct {
	dest       Sink
	retries    int
	retryDelay time.Duration
	logger     *logging.Logger

	mu     sync.RWMutex
	closed bool

	ch   chan Record
	done chan struct{}
}

// NewBufferedSink starts the flusher. bufferSize must be positive;
// retries is the number of additional delivery attempts after the
// first. A nil logger is replaced with a nop.
func NewBufferedSink(dest Sink, bufferSize, retries int, retryDelay time.Duration, logger *logging.Logger) *BufferedSink {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &BufferedSink{
		dest:       dest,
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger.Named("audit"),
		ch:         make(chan Record, bufferSize),
		done:       make(chan struct{}),
	}
	go s.flush()
	return s
}

func (s *BufferedSink) Write(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case s.ch <- rec:
		BufferDepth.Set(float64(len(s.ch)))
		return nil
	default:
	}

	WriteBlocked.Inc()
	s.logger.Warn(ctx, "audit buffer full, write blocking",
		zap.String("plan_id", rec.PlanID),
		zap.String("event_type", string(rec.EventType)),
	)
	select {
	case s.ch <- rec:
		BufferDepth.Set(float64(len(s.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes, drains the buffer, and closes the
// downstream sink.
func (s *BufferedSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.dest.Close(ctx)
}

func (s *BufferedSink) flush() {
	defer close(s.done)
	for rec := range s.ch {
		BufferDepth.Set(float64(len(s.ch)))
		s.deliver(rec)
	}
}

func (s *BufferedSink) deliver(rec Record) {
	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			DeliveryRetries.Inc()
			time.Sleep(s.retryDelay)
		}
		if err = s.dest.Write(ctx, rec); err == nil {
			RecordsTotal.WithLabelValues("delivered").Inc()
			return
		}
	}

	RecordsTotal.WithLabelValues("failed").Inc()
	s.logger.Error(ctx, "audit record lost after retries",
		zap.String("plan_id", rec.PlanID),
		zap.String("event_type", string(rec.EventType)),
		zap.Int("attempts", s.retries+1),
		zap.Error(err),
	)
}
