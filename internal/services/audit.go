package services

import (
	"context"
	"sync"
	"time"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/otcheredev/dicom-viewer-core/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const auditWriteTimeout = 5 * time.Second

// AuditWriter persists audit rows
type AuditWriter interface {
	Create(ctx context.Context, entry *models.RetrievalAudit) error
}

// AuditSink writes terminal retrieval states asynchronously. Record never
// blocks; entries arriving while the buffer is full are dropped.
type AuditSink struct {
	writer     AuditWriter
	dataSource string
	log        zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan models.RetrievalAudit
	done    chan struct{}

	written prometheus.Counter
	dropped prometheus.Counter
	failed  prometheus.Counter
}

// NewAuditSink starts the writer goroutine. reg may be nil.
func NewAuditSink(writer AuditWriter, dataSource string, size int, logger zerolog.Logger, reg prometheus.Registerer) *AuditSink {
	if size < 1 {
		size = 1
	}
	counter := func(name, help string) prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "viewer",
			Subsystem: "audit",
			Name:      name,
			Help:      help,
		})
	}
	a := &AuditSink{
		writer:     writer,
		dataSource: dataSource,
		log:        logger.With().Str("component", "audit").Logger(),
		entries:    make(chan models.RetrievalAudit, size),
		done:       make(chan struct{}),
		written:    counter("written_total", "Audit rows persisted."),
		dropped:    counter("dropped_total", "Audit rows dropped because the buffer was full."),
		failed:     counter("failed_total", "Audit rows the writer rejected."),
	}
	go a.run()
	return a
}

// Record queues a completion. It is a scheduler.CompletionHook.
func (a *AuditSink) Record(c scheduler.Completion) {
	entry := models.RetrievalAudit{
		RequestID:    c.ID,
		DataSource:   a.dataSource,
		Class:        string(c.Request.Class),
		ResourceKind: string(c.Request.Resource.Kind),
		StudyUID:     c.Request.Resource.StudyUID,
		SeriesUID:    c.Request.Resource.SeriesUID,
		InstanceUID:  c.Request.Resource.InstanceUID,
		State:        string(c.State),
		QueuedMs:     c.Queued.Milliseconds(),
		Duration:     c.Duration.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if c.Err != nil {
		entry.ErrorMessage = c.Err.Error()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Inc()
		return
	}
	select {
	case a.entries <- entry:
	default:
		a.dropped.Inc()
	}
}

func (a *AuditSink) run() {
	defer close(a.done)
	for entry := range a.entries {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err := a.writer.Create(ctx, &entry)
		cancel()
		if err != nil {
			a.failed.Inc()
			a.log.Warn().
				Err(err).
				Str("request_id", entry.RequestID.String()).
				Msg("Failed to write audit entry")
			continue
		}
		a.written.Inc()
	}
}

// Close stops accepting entries and waits for the buffer to drain
func (a *AuditSink) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.entries)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
