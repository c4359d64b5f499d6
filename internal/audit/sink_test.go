package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dealgrid/dealgrid-api/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	records []*models.AuditLog
	err     error
}

func (m *memStore) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, log)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestSinkWritesEvents(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, zap.NewNop(), Config{Workers: 1, BufferSize: 8})

	for i := 0; i < 5; i++ {
		sink.Emit(models.AuditLog{Action: models.AuditActionLogin, Resource: "auth", Outcome: models.AuditOutcomeSuccess})
	}
	sink.Close()

	assert.Equal(t, 5, store.count())
}

func TestSinkSwallowsWriteFailures(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	sink := NewSink(store, zap.NewNop(), Config{Workers: 1, BufferSize: 4})

	// Must not panic, block, or surface the error.
	sink.Emit(models.AuditLog{Action: models.AuditActionLoginFailed, Resource: "auth"})
	sink.Close()

	assert.Equal(t, 0, store.count())
}

func TestSinkDropsWhenBufferFull(t *testing.T) {
	store := &memStore{}
	block := make(chan struct{})
	slow := &blockingStore{inner: store, release: block}
	sink := NewSink(slow, zap.NewNop(), Config{Workers: 1, BufferSize: 1})

	// First event occupies the worker, second fills the buffer, the rest
	// must drop without blocking the caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			sink.Emit(models.AuditLog{Action: models.AuditActionLogin, Resource: "auth"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a saturated sink")
	}

	close(block)
	sink.Close()
	require.LessOrEqual(t, store.count(), 3)
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, zap.NewNop(), Config{})
	sink.Close()

	sink.Emit(models.AuditLog{Action: models.AuditActionLogout, Resource: "auth"})
	assert.Equal(t, 0, store.count())
}

type blockingStore struct {
	inner   *memStore
	release chan struct{}
}

func (b *blockingStore) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.inner.CreateAuditLog(ctx, log)
}
