package audit

import (
	"context"
	"sync"
	"time"

	"trust-service/internal/metrics"
	"trust-service/internal/models"
	"trust-service/internal/util"

	"go.uber.org/zap"
)

// Sink receives batches of already-written audit events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.AuditEvent) error
}

type MirrorConfig struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Mirror copies audit events to external sinks in the background. The local
// log stays authoritative: a full queue drops events and sink errors are only
// logged.
type Mirror struct {
	cfg     MirrorConfig
	sinks   []Sink
	queue   chan models.AuditEvent
	batch   []models.AuditEvent
	metrics *metrics.Metrics
	logger  *zap.Logger

	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewMirror(cfg MirrorConfig, sinks []Sink, m *metrics.Metrics, logger *zap.Logger) *Mirror {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = util.Get()
	}

	mr := &Mirror{
		cfg:     cfg,
		sinks:   sinks,
		queue:   make(chan models.AuditEvent, cfg.Buffer),
		batch:   make([]models.AuditEvent, 0, cfg.BatchSize),
		metrics: m,
		logger:  logger,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go mr.run()
	return mr
}

// Enqueue never blocks.
func (mr *Mirror) Enqueue(ev models.AuditEvent) {
	select {
	case <-mr.closeCh:
		return
	default:
	}
	select {
	case mr.queue <- ev:
	default:
		mr.metrics.MirrorDropped("queue", 1)
		mr.logger.Warn("Audit mirror queue full, dropping event", zap.String("event_type", string(ev.Type)))
	}
}

func (mr *Mirror) run() {
	defer close(mr.done)
	ticker := time.NewTicker(mr.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-mr.queue:
			mr.batch = append(mr.batch, ev)
			if len(mr.batch) >= mr.cfg.BatchSize {
				mr.flush()
			}
		case <-ticker.C:
			mr.flush()
		case <-mr.closeCh:
			for {
				select {
				case ev := <-mr.queue:
					mr.batch = append(mr.batch, ev)
				default:
					mr.flush()
					return
				}
			}
		}
	}
}

func (mr *Mirror) flush() {
	if len(mr.batch) == 0 {
		return
	}
	events := make([]models.AuditEvent, len(mr.batch))
	copy(events, mr.batch)
	mr.batch = mr.batch[:0]

	for _, sink := range mr.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), mr.cfg.WriteTimeout)
		err := sink.Write(ctx, events)
		cancel()
		if err != nil {
			mr.metrics.MirrorDropped(sink.Name(), len(events))
			mr.logger.Error("Audit mirror write failed",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
		}
	}
}

// Close drains the queue, flushes the last batch and waits for the worker.
func (mr *Mirror) Close() {
	mr.closeOnce.Do(func() {
		close(mr.closeCh)
	})
	<-mr.done
}
