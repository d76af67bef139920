package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// insertCapture implements store.Repository, recording audit inserts.
// The other sub-repositories are never touched by the recorder.
type insertCapture struct {
	store.Repository

	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (c *insertCapture) Audit() store.AuditRepository { return c }

func (c *insertCapture) Insert(_ context.Context, e *model.AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *insertCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func TestEvent_BuildsEntry(t *testing.T) {
	e := Event(model.EventInvalidAPIKey, "user-1", "cu_abcd", "1.2.3.4", "agent", map[string]any{
		"reason": "test",
	})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, model.EventInvalidAPIKey, e.EventType)
	assert.True(t, e.UserID.Valid)
	assert.Equal(t, "user-1", e.UserID.String)
	assert.True(t, e.KeyPrefix.Valid)
	assert.Equal(t, "cu_abcd", e.KeyPrefix.String)
	assert.Equal(t, "1.2.3.4", e.IPAddress)
	assert.JSONEq(t, `{"reason":"test"}`, e.DetailsJSON)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestEvent_AnonymousEntry(t *testing.T) {
	e := Event(model.EventRateLimitExceeded, "", "", "1.2.3.4", "", nil)

	assert.False(t, e.UserID.Valid, "pre-identity events carry no user")
	assert.False(t, e.KeyPrefix.Valid)
	assert.Equal(t, "{}", e.DetailsJSON)
}

func TestRecorder_FlushesOnStop(t *testing.T) {
	capture := &insertCapture{}
	rec := NewRecorder(zap.NewNop(), capture)
	rec.Start(context.Background())

	for i := 0; i < 7; i++ {
		rec.Record(Event(model.EventSessionRecorded, "user-1", "", "", "", nil))
	}

	rec.Stop()
	assert.Equal(t, 7, capture.count(), "Stop must drain and persist everything buffered")
}

func TestRecorder_FlushesFullBatches(t *testing.T) {
	capture := &insertCapture{}
	rec := NewRecorder(zap.NewNop(), capture).(*recorder)
	rec.batchSize = 5
	rec.flushTime = time.Hour // only batch-size flushes during the test
	rec.Start(context.Background())

	for i := 0; i < 5; i++ {
		rec.Record(Event(model.EventSessionRecorded, "user-1", "", "", "", nil))
	}

	require.Eventually(t, func() bool {
		return capture.count() == 5
	}, 2*time.Second, 10*time.Millisecond)

	rec.Stop()
}

func TestRecorder_DropsWhenBufferFull(t *testing.T) {
	capture := &insertCapture{}
	rec := &recorder{
		logger:    zap.NewNop(),
		repo:      capture,
		entryChan: make(chan *model.AuditEntry, 2),
		done:      make(chan struct{}),
		batchSize: 50,
		flushTime: time.Hour,
	}

	// No worker running: the third record has nowhere to go and must be
	// dropped instead of blocking the caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			rec.Record(Event(model.EventSessionRecorded, "u", "", "", "", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	assert.Len(t, rec.entryChan, 2)
}
