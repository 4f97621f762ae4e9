package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BackpressureMode controls what HandleEvent does when the queue is
// full.
type BackpressureMode string

const (
	// BackpressureBlock makes HandleEvent a blocking enqueue; the
	// pipeline itself slows down rather than lose events.
	BackpressureBlock BackpressureMode = "block"
	// BackpressureDrop tries a non-blocking enqueue and counts a drop
	// on failure. Documented for burst absorption, not sustained
	// overload -- a persistently lagging exporter must be fixed, not
	// papered over by this mode.
	BackpressureDrop BackpressureMode = "drop"
)

// Exporter receives events from the single telemetry consumer goroutine.
// Export is never called concurrently with itself for a given Exporter,
// but may run on a different goroutine than Close.
type Exporter interface {
	Name() string
	Export(ctx context.Context, ev Event) error
	Close() error
}

// Manager is a bounded single-producer/single-consumer fan-out to N
// exporters.
type Manager struct {
	queue       chan Event
	mode        BackpressureMode
	granularity map[Granularity]bool
	exporters   []Exporter
	logger      *slog.Logger

	mu              sync.Mutex
	eventsDropped   int64
	exporterFailure map[string]int64

	consumerAlive int32
	shuttingDown  int32
	done          chan struct{}
}

// Config configures a Manager.
type Config struct {
	QueueCapacity int
	Mode          BackpressureMode
	Granularities []Granularity
	Logger        *slog.Logger
}

// New builds a Manager and starts its consumer goroutine.
func New(cfg Config, exporters ...Exporter) *Manager {
	cap := cfg.QueueCapacity
	if cap <= 0 {
		cap = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gran := make(map[Granularity]bool, len(cfg.Granularities))
	for _, g := range cfg.Granularities {
		gran[g] = true
	}
	if len(gran) == 0 {
		// No explicit filter configured means forward everything.
		gran = nil
	}

	m := &Manager{
		queue:           make(chan Event, cap),
		mode:            cfg.Mode,
		granularity:     gran,
		exporters:       exporters,
		logger:          logger.With("component", "telemetry"),
		exporterFailure: make(map[string]int64, len(exporters)),
		done:            make(chan struct{}),
	}
	atomic.StoreInt32(&m.consumerAlive, 1)
	go m.consume()
	return m
}

// HandleEvent is the producer path. It filters by configured
// granularity, then enqueues according to the backpressure mode.
func (m *Manager) HandleEvent(ev Event) {
	if m.granularity != nil && !m.granularity[ev.Kind] {
		return
	}
	if atomic.LoadInt32(&m.shuttingDown) == 1 {
		return
	}
	if atomic.LoadInt32(&m.consumerAlive) == 0 {
		m.logger.Error("telemetry consumer is dead, disabling further events")
		return
	}

	if m.mode == BackpressureDrop {
		select {
		case m.queue <- ev:
		default:
			m.mu.Lock()
			m.eventsDropped++
			m.mu.Unlock()
		}
		return
	}

	// BackpressureBlock: a full queue here intentionally slows the
	// producer down.
	m.queue <- ev
}

func (m *Manager) consume() {
	defer atomic.StoreInt32(&m.consumerAlive, 0)
	ctx := context.Background()
	for ev := range m.queue {
		for _, exp := range m.exporters {
			if err := exp.Export(ctx, ev); err != nil {
				m.mu.Lock()
				m.exporterFailure[exp.Name()]++
				m.mu.Unlock()
				m.logger.Error("telemetry exporter failed", "exporter", exp.Name(), "error", err)
			}
		}
	}
	close(m.done)
}

// Shutdown follows the documented sequence: refuse new events, close the
// queue so the consumer drains what remains, wait for the consumer
// (bounded by timeout), then close every exporter.
func (m *Manager) Shutdown(timeout time.Duration) {
	atomic.StoreInt32(&m.shuttingDown, 1)
	close(m.queue)

	select {
	case <-m.done:
	case <-time.After(timeout):
		m.logger.Error("telemetry consumer did not exit within shutdown timeout")
	}

	for _, exp := range m.exporters {
		if err := exp.Close(); err != nil {
			m.logger.Error("telemetry exporter close failed", "exporter", exp.Name(), "error", err)
		}
	}
}

// EventsDropped returns the number of events dropped under
// BackpressureDrop.
func (m *Manager) EventsDropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventsDropped
}

// ExporterFailures returns a snapshot of per-exporter failure counts.
func (m *Manager) ExporterFailures() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.exporterFailure))
	for k, v := range m.exporterFailure {
		out[k] = v
	}
	return out
}
