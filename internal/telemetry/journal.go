package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const journalBatchSize = 64

const (
	JournalQueuePressureOK        = "ok"
	JournalQueuePressureElevated  = "elevated"
	JournalQueuePressureHigh      = "high"
	JournalQueuePressureSaturated = "saturated"
)

// JournalDiagnosticsReader exposes runtime queue/drop diagnostics.
type JournalDiagnosticsReader interface {
	JournalDiagnostics() JournalDiagnostics
}

// JournalDiagnostics captures journal queue pressure and drop signals.
type JournalDiagnostics struct {
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	EnqueueAcceptedTotal             int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal              int64            `json:"enqueue_dropped_total"`
	WriteDroppedTotal                int64            `json:"write_dropped_total"`
	TotalDroppedTotal                int64            `json:"total_dropped_total"`
	LastEnqueueDropAt                *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastWriteDropAt                  *time.Time       `json:"last_write_drop_at,omitempty"`
	WriteFailuresByClass             map[string]int64 `json:"write_failures_by_class,omitempty"`
	StoreDriver                      string           `json:"store_driver,omitempty"`
}

// JournalWriteFailure describes event records that could not be persisted.
type JournalWriteFailure struct {
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// JournalFailureHandler receives asynchronous journal write failure signals.
type JournalFailureHandler func(JournalWriteFailure)

var noopJournalFailureHandler = JournalFailureHandler(func(JournalWriteFailure) {})

// JournalMetrics holds optional callbacks the Journal invokes at key pipeline points.
type JournalMetrics struct {
	// OnEnqueue is called each time an event is successfully placed on the queue.
	OnEnqueue func()
	// OnDrop is called each time an event is dropped because the queue is full.
	OnDrop func()
	// OnFlush is called after each batch is flushed to storage.
	OnFlush func(batchSize int, duration time.Duration)
}

// Journal persists raw ingestion events asynchronously so the request path
// never blocks on the audit trail.
type Journal struct {
	store EventJournalStore
	queue chan *EventRecord
	wg    sync.WaitGroup

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.RWMutex
	workerCancel context.CancelFunc
	failureHook  atomic.Value // JournalFailureHandler
	metrics      atomic.Value // *JournalMetrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	writeDroppedTotal       atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastWriteDropUnixNano   atomic.Int64

	writeFailureConnection atomic.Int64
	writeFailureTimeout    atomic.Int64
	writeFailureContention atomic.Int64
	writeFailureConstraint atomic.Int64
	writeFailureUnknown    atomic.Int64
}

// EventJournalStore is the narrow slice of Store the journal needs.
type EventJournalStore interface {
	WriteEvents(ctx context.Context, records []*EventRecord) error
}

func NewJournal(store EventJournalStore, bufferSize int) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	journal := &Journal{
		store: store,
		queue: make(chan *EventRecord, bufferSize),
		done:  make(chan struct{}),
	}
	journal.failureHook.Store(noopJournalFailureHandler)
	journal.metrics.Store(&JournalMetrics{})
	return journal
}

// SetFailureHandler replaces the callback used for dropped journal write signals.
func (j *Journal) SetFailureHandler(handler JournalFailureHandler) {
	if j == nil {
		return
	}
	if handler == nil {
		handler = noopJournalFailureHandler
	}
	j.failureHook.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the journal pipeline.
func (j *Journal) SetMetrics(m *JournalMetrics) {
	if j == nil {
		return
	}
	if m == nil {
		m = &JournalMetrics{}
	}
	j.metrics.Store(m)
}

func (j *Journal) loadMetrics() *JournalMetrics {
	m, _ := j.metrics.Load().(*JournalMetrics)
	return m
}

// QueueLen returns the current number of records waiting in the write queue.
func (j *Journal) QueueLen() int {
	if j == nil {
		return 0
	}
	return len(j.queue)
}

func (j *Journal) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		// Keep the journal usable when Start is called without a live context.
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	j.lifecycleMu.Lock()
	j.workerCancel = cancel
	j.lifecycleMu.Unlock()

	j.wg.Add(1)
	go func(workerCtx context.Context) {
		defer j.wg.Done()
		defer j.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case record, ok := <-j.queue:
				if !ok {
					return
				}

				batch := make([]*EventRecord, 0, journalBatchSize)
				if record != nil {
					batch = append(batch, record)
				}
			drain:
				for len(batch) < journalBatchSize {
					select {
					case <-workerCtx.Done():
						// Use a fresh context so the drain flush is not
						// rejected by the store due to context cancellation.
						j.flushBatch(context.Background(), batch)
						return
					case next, ok := <-j.queue:
						if !ok {
							j.flushBatch(context.Background(), batch)
							return
						}
						if next != nil {
							batch = append(batch, next)
						}
					default:
						break drain
					}
				}
				j.flushBatch(workerCtx, batch)
			}
		}
	}(workerCtx)
}

func (j *Journal) Enqueue(record *EventRecord) bool {
	if j.stopped.Load() {
		return false
	}
	j.queueMu.RLock()
	defer j.queueMu.RUnlock()
	if j.stopped.Load() {
		return false
	}

	select {
	case j.queue <- record:
		j.enqueueAcceptedTotal.Add(1)
		j.observeQueueDepth(len(j.queue))
		if m := j.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		j.enqueueDroppedTotal.Add(1)
		j.observeQueueDepth(cap(j.queue))
		j.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := j.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (j *Journal) Stop() {
	_ = j.Shutdown(context.Background())
}

func (j *Journal) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	j.stopOnce.Do(func() {
		j.stopped.Store(true)
		j.queueMu.Lock()
		close(j.queue)
		j.queueMu.Unlock()
		if !j.started.Load() {
			j.markDone()
		}
	})

	select {
	case <-j.done:
		j.wg.Wait()
		j.cancelWorker()
		return nil
	case <-ctx.Done():
		j.cancelWorker()
		return ctx.Err()
	}
}

func (j *Journal) cancelWorker() {
	if j == nil {
		return
	}
	j.lifecycleMu.RLock()
	cancel := j.workerCancel
	j.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (j *Journal) markDone() {
	j.doneOnce.Do(func() {
		close(j.done)
	})
}

func (j *Journal) reportWriteFailure(failure JournalWriteFailure) {
	if j == nil || failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	j.writeDroppedTotal.Add(int64(failure.FailedCount))
	j.lastWriteDropUnixNano.Store(time.Now().UTC().UnixNano())
	count := int64(failure.FailedCount)
	switch failure.ErrorClass {
	case WriteErrorClassConnection:
		j.writeFailureConnection.Add(count)
	case WriteErrorClassTimeout:
		j.writeFailureTimeout.Add(count)
	case WriteErrorClassContention:
		j.writeFailureContention.Add(count)
	case WriteErrorClassConstraint:
		j.writeFailureConstraint.Add(count)
	default:
		j.writeFailureUnknown.Add(count)
	}
	handler, ok := j.failureHook.Load().(JournalFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// JournalDiagnostics returns a point-in-time snapshot of queue pressure and
// dropped-event counters for operator diagnostics.
func (j *Journal) JournalDiagnostics() JournalDiagnostics {
	if j == nil {
		return JournalDiagnostics{}
	}

	queueCapacity := cap(j.queue)
	queueDepth := len(j.queue)
	queueDepthHighWatermark := int(j.queueDepthHighWatermark.Load())
	if queueDepth > queueDepthHighWatermark {
		queueDepthHighWatermark = queueDepth
	}

	queueUtilPct := queueUtilizationPct(queueDepth, queueCapacity)
	queueHighWatermarkUtilPct := queueUtilizationPct(queueDepthHighWatermark, queueCapacity)

	enqueueDropped := j.enqueueDroppedTotal.Load()
	writeDropped := j.writeDroppedTotal.Load()

	snapshot := JournalDiagnostics{
		QueueCapacity:                    queueCapacity,
		QueueDepth:                       queueDepth,
		QueueDepthHighWatermark:          queueDepthHighWatermark,
		QueueUtilizationPct:              queueUtilPct,
		QueueHighWatermarkUtilizationPct: queueHighWatermarkUtilPct,
		QueuePressureState:               queuePressureState(queueUtilPct),
		QueueHighWatermarkPressureState:  queuePressureState(queueHighWatermarkUtilPct),
		EnqueueAcceptedTotal:             j.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:              enqueueDropped,
		WriteDroppedTotal:                writeDropped,
		TotalDroppedTotal:                enqueueDropped + writeDropped,
	}

	if ts := j.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := j.lastWriteDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteDropAt = &last
	}

	byClass := make(map[string]int64)
	if v := j.writeFailureConnection.Load(); v > 0 {
		byClass[WriteErrorClassConnection] = v
	}
	if v := j.writeFailureTimeout.Load(); v > 0 {
		byClass[WriteErrorClassTimeout] = v
	}
	if v := j.writeFailureContention.Load(); v > 0 {
		byClass[WriteErrorClassContention] = v
	}
	if v := j.writeFailureConstraint.Load(); v > 0 {
		byClass[WriteErrorClassConstraint] = v
	}
	if v := j.writeFailureUnknown.Load(); v > 0 {
		byClass[WriteErrorClassUnknown] = v
	}
	if len(byClass) > 0 {
		snapshot.WriteFailuresByClass = byClass
	}

	return snapshot
}

func (j *Journal) observeQueueDepth(depth int) {
	if j == nil || depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := j.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if j.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return JournalQueuePressureSaturated
	case utilizationPct >= 80:
		return JournalQueuePressureHigh
	case utilizationPct >= 50:
		return JournalQueuePressureElevated
	default:
		return JournalQueuePressureOK
	}
}

func (j *Journal) flushBatch(ctx context.Context, batch []*EventRecord) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := j.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if err := j.store.WriteEvents(ctx, batch); err == nil {
		return
	} else if len(batch) == 1 {
		j.reportWriteFailure(JournalWriteFailure{
			BatchSize:   1,
			FailedCount: 1,
			Err:         err,
		})
		return
	} else {
		// Fallback to per-record writes so a batch-level failure does not
		// drop the whole batch.
		failedWrites := 0
		var fallbackErr error
		for _, record := range batch {
			if recordErr := j.store.WriteEvents(ctx, []*EventRecord{record}); recordErr != nil {
				failedWrites++
				if fallbackErr == nil {
					fallbackErr = recordErr
				}
			}
		}
		if failedWrites > 0 {
			j.reportWriteFailure(JournalWriteFailure{
				BatchSize:   len(batch),
				FailedCount: failedWrites,
				Err:         errors.Join(err, fallbackErr),
			})
		}
	}
}
