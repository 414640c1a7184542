package metering

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const dispatcherBatchSize = 64

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// ErrQueueFull is returned by Dispatcher.Record when the event was dropped.
var ErrQueueFull = errors.New("metering queue is full")

// ErrDispatcherStopped is returned by Dispatcher.Record after Shutdown.
var ErrDispatcherStopped = errors.New("metering dispatcher is stopped")

// Publisher delivers events to the metering backend.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	PublishBatch(ctx context.Context, events []Event) error
}

// Diagnostics is a point-in-time view of the dispatcher queue.
type Diagnostics struct {
	QueueCapacity           int              `json:"queueCapacity"`
	QueueDepth              int              `json:"queueDepth"`
	QueueDepthHighWatermark int              `json:"queueDepthHighWatermark"`
	QueueUtilizationPct     int              `json:"queueUtilizationPct"`
	QueuePressureState      string           `json:"queuePressureState"`
	AcceptedTotal           int64            `json:"acceptedTotal"`
	PublishedTotal          int64            `json:"publishedTotal"`
	EnqueueDroppedTotal     int64            `json:"enqueueDroppedTotal"`
	PublishFailedTotal      int64            `json:"publishFailedTotal"`
	LastDropAt              *time.Time       `json:"lastDropAt,omitempty"`
	LastFailureAt           *time.Time       `json:"lastFailureAt,omitempty"`
	FailuresByClass         map[string]int64 `json:"failuresByClass,omitempty"`
}

// PublishFailure describes events the publisher could not deliver.
type PublishFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// DispatcherMetrics holds optional callbacks invoked at pipeline points.
type DispatcherMetrics struct {
	OnDrop    func()
	OnFlush   func(batchSize int, duration time.Duration)
	OnFailure func(PublishFailure)
}

// Dispatcher is an asynchronous Sink. Record never blocks: when the bounded
// queue is full the event is dropped and counted.
type Dispatcher struct {
	publisher Publisher
	queue     chan Event
	wg        sync.WaitGroup
	metrics   atomic.Pointer[DispatcherMetrics]

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	queueMu  sync.RWMutex
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	highWatermark  atomic.Int64
	acceptedTotal  atomic.Int64
	publishedTotal atomic.Int64
	droppedTotal   atomic.Int64
	failedTotal    atomic.Int64
	lastDropNano   atomic.Int64
	lastFailNano   atomic.Int64

	classMu         sync.Mutex
	failuresByClass map[string]int64
}

func NewDispatcher(publisher Publisher, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &Dispatcher{
		publisher:       publisher,
		queue:           make(chan Event, queueSize),
		done:            make(chan struct{}),
		failuresByClass: make(map[string]int64),
	}
	d.metrics.Store(&DispatcherMetrics{})
	return d
}

// SetMetrics replaces the metric callbacks.
func (d *Dispatcher) SetMetrics(m *DispatcherMetrics) {
	if m == nil {
		m = &DispatcherMetrics{}
	}
	d.metrics.Store(m)
}

func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	d.cancelMu.Lock()
	d.cancel = cancel
	d.cancelMu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case event, ok := <-d.queue:
				if !ok {
					return
				}
				batch := make([]Event, 0, dispatcherBatchSize)
				batch = append(batch, event)
			drain:
				for len(batch) < dispatcherBatchSize {
					select {
					case next, ok := <-d.queue:
						if !ok {
							d.flush(context.Background(), batch)
							return
						}
						batch = append(batch, next)
					default:
						break drain
					}
				}
				d.flush(workerCtx, batch)
			}
		}
	}()
}

// Record enqueues event for asynchronous delivery.
func (d *Dispatcher) Record(_ context.Context, event Event) error {
	if d.stopped.Load() {
		return ErrDispatcherStopped
	}
	d.queueMu.RLock()
	defer d.queueMu.RUnlock()
	if d.stopped.Load() {
		return ErrDispatcherStopped
	}

	select {
	case d.queue <- event:
		d.acceptedTotal.Add(1)
		d.observeDepth(len(d.queue))
		return nil
	default:
		d.droppedTotal.Add(1)
		d.observeDepth(cap(d.queue))
		d.lastDropNano.Store(time.Now().UTC().UnixNano())
		if m := d.metrics.Load(); m.OnDrop != nil {
			m.OnDrop()
		}
		return ErrQueueFull
	}
}

// Shutdown stops accepting events and waits for the queue to drain or ctx to
// end, whichever comes first.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		d.queueMu.Lock()
		close(d.queue)
		d.queueMu.Unlock()
		if !d.started.Load() {
			d.markDone()
		}
	})

	select {
	case <-d.done:
		d.wg.Wait()
		d.cancelWorker()
		return nil
	case <-ctx.Done():
		d.cancelWorker()
		return ctx.Err()
	}
}

func (d *Dispatcher) cancelWorker() {
	d.cancelMu.Lock()
	cancel := d.cancel
	d.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher) markDone() {
	d.doneOnce.Do(func() { close(d.done) })
}

func (d *Dispatcher) flush(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := d.metrics.Load(); m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if len(batch) == 1 {
		if err := d.publisher.Publish(ctx, batch[0]); err != nil {
			d.reportFailure(PublishFailure{Operation: "publish", BatchSize: 1, FailedCount: 1, Err: err})
			return
		}
		d.publishedTotal.Add(1)
		return
	}

	err := d.publisher.PublishBatch(ctx, batch)
	if err == nil {
		d.publishedTotal.Add(int64(len(batch)))
		return
	}

	// Retry one by one so a single bad event does not drop the batch.
	failed := 0
	var firstErr error
	for _, event := range batch {
		if eventErr := d.publisher.Publish(ctx, event); eventErr != nil {
			failed++
			if firstErr == nil {
				firstErr = eventErr
			}
			continue
		}
		d.publishedTotal.Add(1)
	}
	if failed > 0 {
		d.reportFailure(PublishFailure{
			Operation:   "publish_batch_fallback",
			BatchSize:   len(batch),
			FailedCount: failed,
			Err:         errors.Join(err, firstErr),
		})
	}
}

func (d *Dispatcher) reportFailure(failure PublishFailure) {
	failure.ErrorClass = ClassifyPublishError(failure.Err)
	d.failedTotal.Add(int64(failure.FailedCount))
	d.lastFailNano.Store(time.Now().UTC().UnixNano())

	d.classMu.Lock()
	d.failuresByClass[failure.ErrorClass] += int64(failure.FailedCount)
	d.classMu.Unlock()

	if m := d.metrics.Load(); m.OnFailure != nil {
		m.OnFailure(failure)
	}
}

// Snapshot returns current queue pressure and delivery counters.
func (d *Dispatcher) Snapshot() Diagnostics {
	capacity := cap(d.queue)
	depth := len(d.queue)
	high := int(d.highWatermark.Load())
	if depth > high {
		high = depth
	}
	util := utilizationPct(depth, capacity)

	snapshot := Diagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: high,
		QueueUtilizationPct:     util,
		QueuePressureState:      pressureState(util),
		AcceptedTotal:           d.acceptedTotal.Load(),
		PublishedTotal:          d.publishedTotal.Load(),
		EnqueueDroppedTotal:     d.droppedTotal.Load(),
		PublishFailedTotal:      d.failedTotal.Load(),
	}
	if ts := d.lastDropNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastDropAt = &last
	}
	if ts := d.lastFailNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastFailureAt = &last
	}

	d.classMu.Lock()
	if len(d.failuresByClass) > 0 {
		snapshot.FailuresByClass = make(map[string]int64, len(d.failuresByClass))
		for class, n := range d.failuresByClass {
			snapshot.FailuresByClass[class] = n
		}
	}
	d.classMu.Unlock()
	return snapshot
}

func (d *Dispatcher) observeDepth(depth int) {
	v := int64(depth)
	for {
		current := d.highWatermark.Load()
		if v <= current || d.highWatermark.CompareAndSwap(current, v) {
			return
		}
	}
}

func utilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return depth * 100 / capacity
}

func pressureState(pct int) string {
	switch {
	case pct >= 100:
		return QueuePressureSaturated
	case pct >= 80:
		return QueuePressureHigh
	case pct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
