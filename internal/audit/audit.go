// Package audit delivers classification audit records to a collaborator
// sink. The engine emits records fire-and-forget; buffering and failure
// handling live here, never on the response path.
package audit

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/domain"
)

// Sink receives one record per classification result. Emit must not
// block the caller.
type Sink interface {
	Emit(record domain.AuditRecord)
}

// LogSink writes audit records as structured log entries. The default
// sink when no external audit collaborator is configured.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs the record at info level.
func (s *LogSink) Emit(record domain.AuditRecord) {
	s.logger.WithFields(logrus.Fields{
		"correlation_id":  record.CorrelationID,
		"specimen_id":     record.SpecimenID,
		"organism":        record.Organism,
		"antibiotic":      record.Antibiotic,
		"method":          record.Method,
		"decision":        record.Decision,
		"fired_rules":     record.FiredRules,
		"catalog_version": record.CatalogVersion,
		"timestamp":       record.Timestamp,
	}).Info("Classification audit record")
}

// DefaultBufferSize bounds the async sink's in-flight record queue.
const DefaultBufferSize = 1024

// AsyncSink decouples emission from delivery through a bounded channel.
// When the buffer is full the record is dropped and counted; audit
// pressure never slows classification.
type AsyncSink struct {
	logger   *logrus.Logger
	delegate Sink
	records  chan domain.AuditRecord

	mu      sync.Mutex
	dropped uint64
	closed  bool
	done    chan struct{}
}

// NewAsyncSink wraps a delegate sink with a buffered delivery goroutine.
func NewAsyncSink(logger *logrus.Logger, delegate Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	s := &AsyncSink{
		logger:   logger,
		delegate: delegate,
		records:  make(chan domain.AuditRecord, buffer),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for record := range s.records {
		s.delegate.Emit(record)
	}
}

// Emit enqueues the record, dropping it when the buffer is full.
func (s *AsyncSink) Emit(record domain.AuditRecord) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.records <- record:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.logger.WithField("dropped_total", n).Warn("Audit buffer full, record dropped")
	}
}

// Dropped reports how many records were discarded due to backpressure.
func (s *AsyncSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains buffered records and stops the delivery goroutine. The
// context bounds the drain.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.records)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
