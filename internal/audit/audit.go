package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"go.uber.org/zap"
)

// Recorder handles the asynchronous persistence of security events.
// Recording never blocks a request; a full buffer drops the event with
// a warning rather than stalling the hot path.
type Recorder interface {
	Record(e *model.AuditEntry)
	Start(ctx context.Context)
	Stop()
}

type recorder struct {
	logger    *zap.Logger
	repo      store.Repository
	entryChan chan *model.AuditEntry
	done      chan struct{}
	batchSize int
	flushTime time.Duration
}

func NewRecorder(logger *zap.Logger, repo store.Repository) Recorder {
	return &recorder{
		logger:    logger,
		repo:      repo,
		entryChan: make(chan *model.AuditEntry, 10000),
		done:      make(chan struct{}),
		batchSize: 50,
		flushTime: 5 * time.Second,
	}
}

// Event builds an audit entry. userID and keyPrefix may be empty:
// events like invalid_api_key precede identity resolution. Secret
// material never goes into details; prefixes only.
func Event(eventType model.EventType, userID, keyPrefix, ip, userAgent string, details map[string]any) *model.AuditEntry {
	detailsJSON := "{}"
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			detailsJSON = string(data)
		}
	}

	e := &model.AuditEntry{
		ID:          uuid.New().String(),
		EventType:   eventType,
		IPAddress:   ip,
		UserAgent:   userAgent,
		DetailsJSON: detailsJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if userID != "" {
		e.UserID = sql.NullString{String: userID, Valid: true}
	}
	if keyPrefix != "" {
		e.KeyPrefix = sql.NullString{String: keyPrefix, Valid: true}
	}
	return e
}

func (r *recorder) Record(e *model.AuditEntry) {
	select {
	case r.entryChan <- e:
	default:
		r.logger.Warn("Audit buffer full, dropping event", zap.String("event_type", string(e.EventType)))
	}
}

func (r *recorder) Start(ctx context.Context) {
	go r.worker(ctx)
}

// Stop drains the buffer and blocks until the final flush completes,
// so callers can safely close the database afterwards.
func (r *recorder) Stop() {
	close(r.entryChan)
	<-r.done
}

func (r *recorder) worker(ctx context.Context) {
	defer close(r.done)

	batch := make([]*model.AuditEntry, 0, r.batchSize)
	ticker := time.NewTicker(r.flushTime)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		for _, e := range batch {
			if err := r.repo.Audit().Insert(context.Background(), e); err != nil {
				r.logger.Error("Failed to persist audit entry",
					zap.String("event_type", string(e.EventType)),
					zap.Error(err),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-r.entryChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}
