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

	"optiledger/backend/internal/domain"
)

type captureWriter struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	fail    bool
}

func (w *captureWriter) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("writer down")
	}
	w.entries = append(w.entries, entry)
	return nil
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func TestRecorderWritesInBackground(t *testing.T) {
	writer := &captureWriter{}
	rec := NewRecorder(writer, zap.NewNop(), 8)

	rec.Record(domain.AuditEntry{Action: "sale.void", EntityType: "sale", EntityID: "sale-1", User: "admin"})
	rec.Record(domain.AuditEntry{Action: "payment.delete", EntityType: "sale", EntityID: "sale-1", User: "admin"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rec.Close(ctx))

	assert.Equal(t, 2, writer.count())
	assert.Equal(t, "sale.void", writer.entries[0].Action)
	assert.False(t, writer.entries[0].CreatedAt.IsZero())
}

func TestRecorderFailuresDoNotPropagate(t *testing.T) {
	writer := &captureWriter{fail: true}
	rec := NewRecorder(writer, zap.NewNop(), 8)

	// Record never returns an error, even with the writer down.
	rec.Record(domain.AuditEntry{Action: "sale.create", EntityType: "sale", EntityID: "sale-2"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rec.Close(ctx))
	assert.Equal(t, 0, writer.count())
}

func TestRecorderDropsAfterClose(t *testing.T) {
	writer := &captureWriter{}
	rec := NewRecorder(writer, zap.NewNop(), 8)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rec.Close(ctx))

	rec.Record(domain.AuditEntry{Action: "late", EntityType: "sale", EntityID: "sale-3"})
	assert.Equal(t, 0, writer.count())
}
