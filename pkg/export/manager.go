// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/loadguard/pkg/config"
	"github.com/mbeema/loadguard/pkg/engine"
	"github.com/mbeema/loadguard/pkg/health"
	"github.com/mbeema/loadguard/pkg/redact"
	"go.uber.org/zap"
)

// Record is an engine event prepared for export. Paths and details are
// already redacted.
type Record struct {
	Time           time.Time
	Kind           string
	SeverityText   string
	SeverityNumber int32 // OTEL SeverityNumber (1-24)
	Entry          string
	Module         string
	Path           string
	Handle         string
	Detail         string
	PID            int
}

// Body is the human-readable one-line summary of the record.
func (r *Record) Body() string {
	switch engine.EventKind(r.Kind) {
	case engine.EventLoaded:
		return "module loaded: " + r.Module
	case engine.EventDenied:
		return "module load denied: " + r.Module
	case engine.EventRedirected:
		return "module redirected: " + r.Module
	case engine.EventRedirectMiss:
		return "override file missing: " + r.Module
	case engine.EventReleased:
		return "redirected module unloaded: " + r.Module
	case engine.EventMissed:
		return "module loaded outside interception: " + r.Module
	case engine.EventHookFailed:
		return "entry point not intercepted: " + r.Entry
	default:
		return r.Kind + ": " + r.Module
	}
}

// Exporter is the interface for event exporters.
type Exporter interface {
	ExportEvents(ctx context.Context, records []*Record) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 10000

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
	exportTimeout  = 10 * time.Second
)

// Manager batches engine events and hands them to the configured exporters.
// It implements engine.Observer; OnEvent never blocks the intercepted thread.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter
	redactor  *redact.Redactor
	stats     *health.Stats
	pid       int

	eventCh chan *Record

	exported atomic.Int64
	dropped  atomic.Int64

	batchSize     int
	flushInterval time.Duration

	circuitBreaker *CircuitBreaker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters      *config.ExportersConfig
	ServiceName    string
	ServiceVersion string
	Redactor       *redact.Redactor
	Stats          *health.Stats
}

// NewManager creates an export manager with the exporters enabled in mc.
// An OTLP exporter that cannot be created is logged and skipped.
func NewManager(mc *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var exporters []Exporter
	cfg := mc.Exporters

	if cfg.OTLP.Enabled {
		var exp Exporter
		var err error
		if cfg.OTLP.Protocol == "http" {
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, logger)
		} else {
			exp, err = NewOTLPExporter(&cfg.OTLP, mc.ServiceName, mc.ServiceVersion, logger)
		}
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			exporters = append(exporters, exp)
		}
	}

	if cfg.Stdout.Enabled {
		exporters = append(exporters, NewStdoutExporter(cfg.Stdout.Format, nil))
	}

	return NewManagerWithExporters(mc.Redactor, mc.Stats, logger, exporters...), nil
}

// NewManagerWithExporters creates a manager around an explicit exporter set.
func NewManagerWithExporters(redactor *redact.Redactor, stats *health.Stats, logger *zap.Logger, exporters ...Exporter) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = health.NewStats()
	}
	m := &Manager{
		logger:         logger,
		exporters:      exporters,
		redactor:       redactor,
		stats:          stats,
		pid:            os.Getpid(),
		eventCh:        make(chan *Record, defaultChannelSize),
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		stopCh:         make(chan struct{}),
	}
	m.circuitBreaker.OnStateChange(func(from, to CircuitState) {
		m.logger.Warn("export circuit state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	})
	return m
}

// Exporters returns the number of active exporters.
func (m *Manager) Exporters() int {
	return len(m.exporters)
}

// OnEvent queues an engine event for export, dropping it if the queue is full.
func (m *Manager) OnEvent(ev engine.Event) {
	if len(m.exporters) == 0 {
		return
	}
	rec := m.toRecord(ev)
	select {
	case m.eventCh <- rec:
	default:
		m.drop(1)
	}
}

func (m *Manager) toRecord(ev engine.Event) *Record {
	sevText, sevNum := severityFor(ev.Kind)
	rec := &Record{
		Time:           ev.Time,
		Kind:           string(ev.Kind),
		SeverityText:   sevText,
		SeverityNumber: sevNum,
		Entry:          ev.Entry,
		Module:         ev.Module,
		Path:           m.redactor.Redact(ev.Path),
		Detail:         m.redactor.Redact(ev.Detail),
		PID:            m.pid,
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if ev.Handle != 0 {
		rec.Handle = ev.Handle.String()
	}
	return rec
}

// severityFor maps an event kind onto OTEL log severities.
func severityFor(kind engine.EventKind) (string, int32) {
	switch kind {
	case engine.EventMissed:
		return "ERROR", 17
	case engine.EventRedirectMiss, engine.EventHookFailed:
		return "WARN", 13
	case engine.EventLoaded, engine.EventReleased:
		return "DEBUG", 5
	default:
		return "INFO", 9
	}
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processEvents(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes queued events and shuts down exporters. It is safe to call
// more than once.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, exp := range m.exporters {
			if err := exp.Shutdown(ctx); err != nil {
				m.logger.Error("exporter shutdown error", zap.Error(err))
			}
		}

		m.logger.Info("export manager stopped",
			zap.Int64("events_exported", m.exported.Load()),
			zap.Int64("dropped", m.dropped.Load()),
		)
	})
	return nil
}

func (m *Manager) processEvents(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Record, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(flushCtx context.Context) {
		for {
			select {
			case rec := <-m.eventCh:
				batch = append(batch, rec)
			default:
				if len(batch) > 0 {
					m.flush(flushCtx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case rec := <-m.eventCh:
			batch = append(batch, rec)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = make([]*Record, 0, m.batchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = make([]*Record, 0, m.batchSize)
			}

		case <-m.stopCh:
			drain(ctx)
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) flush(ctx context.Context, batch []*Record) {
	for _, exp := range m.exporters {
		if m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportEvents(expCtx, batch)
		}) {
			m.exported.Add(int64(len(batch)))
			m.stats.EventsExported.Add(int64(len(batch)))
		} else {
			m.drop(len(batch))
		}
	}
}

// retryExport attempts an export with exponential backoff behind the circuit
// breaker and reports whether it succeeded.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) bool {
	if !m.circuitBreaker.Allow() {
		m.logger.Debug("circuit breaker open, dropping batch")
		return false
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, exportTimeout)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return true
		}

		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries || !m.circuitBreaker.Allow() {
			m.logger.Error("event export failed",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		m.logger.Warn("event export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

func (m *Manager) drop(n int) {
	m.dropped.Add(int64(n))
	m.stats.EventsDropped.Add(int64(n))
}

// Stats returns the exported and dropped event counts.
func (m *Manager) Stats() (exported, dropped int64) {
	return m.exported.Load(), m.dropped.Load()
}

// QueueDepth returns the number of events waiting to be batched.
func (m *Manager) QueueDepth() int {
	return len(m.eventCh)
}
