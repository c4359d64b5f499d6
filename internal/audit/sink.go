// Package audit provides a best-effort, append-only audit event sink.
// Emission never blocks and never fails the caller: a full buffer drops the
// event and a failed write is logged and swallowed. An audit outage must not
// be able to fail a login, a lockout decision, or a tier check.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dealgrid/dealgrid-api/internal/models"
)

// Store persists audit records.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Config tunes the sink's worker pool.
type Config struct {
	Workers      int
	BufferSize   int
	WriteTimeout time.Duration
}

// Sink is a buffered asynchronous audit dispatcher.
type Sink struct {
	store  Store
	logger *zap.Logger

	events       chan models.AuditLog
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSink builds and starts a sink.
func NewSink(store Store, logger *zap.Logger, cfg Config) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		store:        store,
		logger:       logger,
		events:       make(chan models.AuditLog, cfg.BufferSize),
		writeTimeout: cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

// Emit queues an audit event. Fire-and-forget: a full buffer or a closed
// sink drops the event.
func (s *Sink) Emit(event models.AuditLog) {
	if s == nil {
		return
	}
	select {
	case <-s.ctx.Done():
		return
	case s.events <- event:
	default:
		s.logger.Warn("audit buffer full, dropping event",
			zap.String("action", event.Action),
			zap.String("resource", event.Resource),
		)
	}
}

// Close stops the workers after draining buffered events.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.events:
			s.write(event)
		case <-s.ctx.Done():
			// Drain whatever is already buffered, then exit.
			for {
				select {
				case event := <-s.events:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(event models.AuditLog) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.store.CreateAuditLog(ctx, &event); err != nil {
		s.logger.Warn("failed to write audit event",
			zap.String("action", event.Action),
			zap.String("resource", event.Resource),
			zap.Error(err),
		)
	}
}
