// Package scheduler reconciles the durable job queue against live device
// state: it dispatches queued jobs to idle, capable printers and tracks
// in-flight jobs to completion or failure.
package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openfab/printfleet/internal/events"
	"github.com/openfab/printfleet/internal/metrics"
	"github.com/openfab/printfleet/internal/printer"
	"github.com/openfab/printfleet/internal/queue"
)

// RegistryView is the slice of the printer registry the scheduler consumes.
type RegistryView interface {
	Get(name string) (printer.Controller, error)
	Names() []string
}

// DefaultPollInterval is the tick cadence when none is configured.
const DefaultPollInterval = 2 * time.Second

// TickSummary reports what one reconciliation pass did.
type TickSummary struct {
	Checked    int
	Dispatched []string
	Completed  []string
	Failed     []string
}

// Scheduler runs the reconciliation loop. One background goroutine ticks at
// the poll interval; Start and Stop are idempotent.
type Scheduler struct {
	registry RegistryView
	queue    *queue.Queue
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	active  map[string]string // job ID -> printer name
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Options configures a Scheduler.
type Options struct {
	PollInterval time.Duration
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

// New creates a stopped scheduler.
func New(reg RegistryView, q *queue.Queue, bus *events.Bus, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		registry: reg,
		queue:    q,
		bus:      bus,
		metrics:  opts.Metrics,
		logger:   logger,
		interval: interval,
		active:   make(map[string]string),
	}
}

// Start launches the polling loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop halts the polling loop and waits for the in-progress tick to finish.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Active returns a copy of the in-flight job → printer assignments.
func (s *Scheduler) Active() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.active))
	for k, v := range s.active {
		out[k] = v
	}
	return out
}

// Tick runs one reconciliation pass: in-flight jobs are checked against
// adapter state, then queued jobs are dispatched to idle printers in
// priority order. A misbehaving printer only affects its own job.
func (s *Scheduler) Tick(ctx context.Context) TickSummary {
	start := time.Now()
	defer func() { s.metrics.ObserveTick(time.Since(start).Seconds()) }()

	var summary TickSummary
	claimed := make(map[string]bool)

	// Reconcile in-flight jobs first so a printer that just finished can be
	// redispatched further down in the same pass.
	for jobID, printerName := range s.Active() {
		summary.Checked++
		claimed[printerName] = true
		s.reconcile(ctx, jobID, printerName, claimed, &summary)
	}

	// Build the idle pool from printers not claimed by an in-flight job.
	idle := s.idlePrinters(ctx, claimed)

	// Dispatch queued jobs, highest priority first, earliest submission on
	// ties (the queue orders them that way).
	for _, job := range s.queue.ListByStatus(queue.StatusQueued) {
		name, ctrl := s.match(job, idle)
		if ctrl == nil {
			continue
		}
		delete(idle, name) // one claim per printer per tick
		s.dispatch(ctx, job, name, ctrl, &summary)
	}

	s.mu.Lock()
	s.metrics.SetInFlight(len(s.active))
	s.mu.Unlock()
	return summary
}

// reconcile advances one in-flight job from its adapter's observed state.
func (s *Scheduler) reconcile(ctx context.Context, jobID, printerName string, claimed map[string]bool, summary *TickSummary) {
	ctrl, err := s.registry.Get(printerName)
	if err != nil {
		if printer.IsNotFound(err) {
			s.failJob(jobID, printerName, "printer "+printerName+" is no longer registered", summary)
			delete(claimed, printerName)
			return
		}
		// Anything else is isolated and retried next tick.
		s.logger.Error("registry lookup failed", "job_id", jobID, "printer", printerName, "error", err)
		return
	}

	job, err := s.queue.Get(jobID)
	if err != nil {
		s.logger.Error("in-flight job missing from queue", "job_id", jobID)
		s.forget(jobID)
		return
	}

	switch st := ctrl.State(ctx); st.Status {
	case printer.StatusError:
		s.failJob(jobID, printerName, "printer entered error state", summary)
		delete(claimed, printerName)
	case printer.StatusIdle:
		s.completeJob(jobID, printerName, summary)
		delete(claimed, printerName)
	default:
		if job.Status == queue.StatusStarting {
			if err := s.queue.SetStatus(jobID, queue.StatusPrinting); err != nil {
				s.logger.Error("status update failed", "job_id", jobID, "error", err)
			}
		}
		if progress, ok := ctrl.Job(ctx); ok && progress.Completion != nil {
			s.bus.Publish(events.Event{
				Type:   events.TypeJobProgress,
				Source: "scheduler",
				Data: map[string]any{
					"job_id":       jobID,
					"printer_name": printerName,
					"completion":   *progress.Completion,
				},
			})
		}
	}
}

// idlePrinters queries every unclaimed registered printer and returns the
// idle ones. The online gauge counts connected printers as a side effect.
func (s *Scheduler) idlePrinters(ctx context.Context, claimed map[string]bool) map[string]printer.Controller {
	idle := make(map[string]printer.Controller)
	online := 0
	for _, name := range s.registry.Names() {
		ctrl, err := s.registry.Get(name)
		if err != nil {
			continue // unregistered between Names and Get
		}
		if claimed[name] {
			online++
			continue
		}
		st := ctrl.State(ctx)
		if st.Connected {
			online++
		}
		if st.Status == printer.StatusIdle {
			idle[name] = ctrl
		}
	}
	s.metrics.SetOnline(online)
	return idle
}

// match finds an eligible idle printer for the job: its named target if it
// has one, otherwise the first idle printer (sorted order) that accepts the
// job's file type.
func (s *Scheduler) match(job queue.Job, idle map[string]printer.Controller) (string, printer.Controller) {
	ext := strings.ToLower(filepath.Ext(job.FileName))
	if job.PrinterName != "" {
		ctrl, ok := idle[job.PrinterName]
		if ok && ctrl.Capabilities().SupportsExtension(ext) {
			return job.PrinterName, ctrl
		}
		return "", nil
	}
	for _, name := range s.registry.Names() {
		if ctrl, ok := idle[name]; ok && ctrl.Capabilities().SupportsExtension(ext) {
			return name, ctrl
		}
	}
	return "", nil
}

// dispatch hands one job to its matched printer.
func (s *Scheduler) dispatch(ctx context.Context, job queue.Job, printerName string, ctrl printer.Controller, summary *TickSummary) {
	// Track before StartPrint so the job is in-flight for exactly its
	// STARTING+PRINTING lifetime.
	if err := s.queue.SetStatus(job.ID, queue.StatusStarting); err != nil {
		s.logger.Error("status update failed", "job_id", job.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.active[job.ID] = printerName
	s.mu.Unlock()

	if err := ctrl.StartPrint(ctx, job.FileName); err != nil {
		s.failJob(job.ID, printerName, "start failed: "+err.Error(), summary)
		return
	}

	if err := s.queue.SetStatus(job.ID, queue.StatusPrinting); err != nil {
		s.logger.Error("status update failed", "job_id", job.ID, "error", err)
	}
	summary.Dispatched = append(summary.Dispatched, job.ID)
	s.metrics.Dispatched()
	s.logger.Info("job dispatched", "job_id", job.ID, "printer", printerName, "file", job.FileName)
	s.bus.Publish(events.Event{
		Type:   events.TypeJobStarted,
		Source: "scheduler",
		Data: map[string]any{
			"job_id":       job.ID,
			"printer_name": printerName,
			"file_name":    job.FileName,
		},
	})
}

func (s *Scheduler) completeJob(jobID, printerName string, summary *TickSummary) {
	if err := s.queue.SetStatus(jobID, queue.StatusCompleted); err != nil {
		s.logger.Error("status update failed", "job_id", jobID, "error", err)
	}
	s.forget(jobID)
	summary.Completed = append(summary.Completed, jobID)
	s.metrics.Completed()
	s.logger.Info("job completed", "job_id", jobID, "printer", printerName)
	s.bus.Publish(events.Event{
		Type:   events.TypeJobCompleted,
		Source: "scheduler",
		Data: map[string]any{
			"job_id":       jobID,
			"printer_name": printerName,
		},
	})
}

func (s *Scheduler) failJob(jobID, printerName, detail string, summary *TickSummary) {
	if err := s.queue.Fail(jobID, detail); err != nil {
		s.logger.Error("status update failed", "job_id", jobID, "error", err)
	}
	s.forget(jobID)
	summary.Failed = append(summary.Failed, jobID)
	s.metrics.Failed()
	s.logger.Warn("job failed", "job_id", jobID, "printer", printerName, "detail", detail)
	s.bus.Publish(events.Event{
		Type:   events.TypeJobFailed,
		Source: "scheduler",
		Data: map[string]any{
			"job_id":       jobID,
			"printer_name": printerName,
			"error":        detail,
		},
	})
}

func (s *Scheduler) forget(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
}
