// Package safety implements the emergency coordinator: it can halt any
// printer immediately regardless of job state, arbitrates physical safety
// interlocks, and keeps an append-only record of every stop attempt.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfab/printfleet/internal/events"
	"github.com/openfab/printfleet/internal/metrics"
	"github.com/openfab/printfleet/internal/printer"
)

// Reason classifies why an emergency stop was requested.
type Reason string

const (
	ReasonUserRequest       Reason = "user_request"
	ReasonAgentRequest      Reason = "agent_request"
	ReasonThermalRunaway    Reason = "thermal_runaway"
	ReasonCollisionDetected Reason = "collision_detected"
	ReasonInterlockBreach   Reason = "interlock_breach"
	ReasonPowerAnomaly      Reason = "power_anomaly"
	ReasonMaterialJam       Reason = "material_jam"
	ReasonSoftwareFault     Reason = "software_fault"
)

// Interlock is one named physical or software sensor gating a printer.
type Interlock struct {
	Name        string
	PrinterID   string
	Engaged     bool
	Critical    bool
	LastChecked time.Time
}

// Record is the immutable result of one stop attempt. GcodeSent and
// ActionsTaken are always equal length and positionally paired.
type Record struct {
	PrinterID    string
	Success      bool
	Reason       Reason
	Timestamp    time.Time
	ActionsTaken []string
	GcodeSent    []string
	Error        string
}

// failSafeSequence is the canonical vendor-independent stop sequence used
// when the hardware halt is unavailable or fails. Order matters: M112 halts
// the firmware mid-motion, the heater shutoffs are defense in depth, and the
// steppers are released only after thermal and motion concerns are resolved.
var failSafeSequence = []struct {
	Gcode  string
	Action string
}{
	{"M112", "emergency_stop_m112"},
	{"M104 S0", "hotend_heater_off"},
	{"M140 S0", "bed_heater_off"},
	{"M84", "steppers_disabled"},
}

// RegistryView is the slice of the printer registry the coordinator consumes.
// It doubles as the live-printer provider for fleet-wide stops.
type RegistryView interface {
	Get(name string) (printer.Controller, error)
	Names() []string
}

const defaultHistoryCap = 200

// Coordinator arbitrates emergency stops and safety interlocks. All methods
// are safe for concurrent use; one mutex covers the stopped set, the
// interlock table and the history. Stop attempts never raise: every outcome
// is captured in the returned Record.
type Coordinator struct {
	registry RegistryView
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu         sync.Mutex
	stopped    map[string]bool
	interlocks map[string]map[string]*Interlock // printer ID -> interlock name
	history    []Record                         // most recent first
	historyCap int
}

// Options configures a Coordinator.
type Options struct {
	HistoryCap int
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// New creates a coordinator over the given registry view.
func New(reg RegistryView, bus *events.Bus, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	histCap := opts.HistoryCap
	if histCap <= 0 {
		histCap = defaultHistoryCap
	}
	return &Coordinator{
		registry:   reg,
		bus:        bus,
		metrics:    opts.Metrics,
		logger:     logger,
		stopped:    make(map[string]bool),
		interlocks: make(map[string]map[string]*Interlock),
		historyCap: histCap,
	}
}

// EmergencyStop halts one printer. The adapter's native hardware stop is
// preferred; on failure the canonical fail-safe G-code sequence is sent
// command by command, and every attempted command is recorded even when
// delivery fails partway. The printer is marked stopped regardless of
// outcome: an unsuccessful stop must never look like "not stopped".
func (c *Coordinator) EmergencyStop(ctx context.Context, printerID string, reason Reason) Record {
	rec := Record{
		PrinterID: printerID,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	ctrl, err := c.registry.Get(printerID)
	switch {
	case err != nil:
		rec.Success = false
		rec.Error = "no adapter available: " + err.Error()
	default:
		if stopErr := ctrl.EmergencyStop(ctx); stopErr == nil {
			rec.Success = true
		} else {
			c.logger.Warn("hardware stop failed, sending fail-safe sequence",
				"printer", printerID, "error", stopErr)
			c.sendFailSafe(ctx, ctrl, &rec)
		}
	}

	c.mu.Lock()
	c.stopped[printerID] = true
	c.history = append([]Record{rec}, c.history...)
	if len(c.history) > c.historyCap {
		c.history = c.history[:c.historyCap]
	}
	c.mu.Unlock()

	c.metrics.Stop(rec.Success)
	c.logger.Warn("emergency stop executed",
		"printer", printerID, "reason", reason, "success", rec.Success, "error", rec.Error)
	c.publish(events.Event{
		Type:   events.TypeEmergencyStop,
		Source: "safety",
		Data: map[string]any{
			"printer_id": printerID,
			"reason":     string(reason),
			"success":    rec.Success,
		},
	})
	return rec
}

// sendFailSafe delivers the canonical sequence one command at a time. Later
// commands are still attempted when an earlier one fails: a lost M112 is no
// reason to leave the heaters on.
func (c *Coordinator) sendFailSafe(ctx context.Context, ctrl printer.Controller, rec *Record) {
	var failures []string
	for _, step := range failSafeSequence {
		rec.GcodeSent = append(rec.GcodeSent, step.Gcode)
		rec.ActionsTaken = append(rec.ActionsTaken, step.Action)
		if err := ctrl.SendGcode(ctx, []string{step.Gcode}); err != nil {
			failures = append(failures, step.Gcode+": "+err.Error())
		}
	}
	if len(failures) == 0 {
		rec.Success = true
		return
	}
	rec.Success = false
	if len(failures) < len(failSafeSequence) {
		rec.Error = fmt.Sprintf("G-code delivery failed (partial, %d/%d commands): %s",
			len(failures), len(failSafeSequence), strings.Join(failures, "; "))
		return
	}
	rec.Error = "G-code delivery failed: " + strings.Join(failures, "; ")
}

// StopAll halts every known printer: the union of printers with registered
// interlocks, printers in the live registry, and printers already marked
// stopped. Records are returned sorted by printer ID.
func (c *Coordinator) StopAll(ctx context.Context, reason Reason) []Record {
	targets := make(map[string]bool)
	c.mu.Lock()
	for id := range c.interlocks {
		targets[id] = true
	}
	for id := range c.stopped {
		targets[id] = true
	}
	c.mu.Unlock()
	for _, name := range c.registry.Names() {
		targets[name] = true
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, c.EmergencyStop(ctx, id, reason))
	}
	return records
}

// IsStopped reports whether the printer is currently marked stopped.
func (c *Coordinator) IsStopped(printerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped[printerID]
}

// ClearStop lifts a printer's stopped mark. It refuses while any critical
// interlock for the printer is disengaged, and returns false for a printer
// that was never stopped. Non-critical interlocks never block clearing.
func (c *Coordinator) ClearStop(printerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped[printerID] {
		return false
	}
	for _, il := range c.interlocks[printerID] {
		if il.Critical && !il.Engaged {
			return false
		}
	}
	delete(c.stopped, printerID)
	c.logger.Info("stop cleared", "printer", printerID)
	return true
}

// RegisterInterlock adds or replaces the interlock keyed by (printer, name).
func (c *Coordinator) RegisterInterlock(printerID, name string, critical, engaged bool) {
	c.mu.Lock()
	if c.interlocks[printerID] == nil {
		c.interlocks[printerID] = make(map[string]*Interlock)
	}
	c.interlocks[printerID][name] = &Interlock{
		Name:        name,
		PrinterID:   printerID,
		Engaged:     engaged,
		Critical:    critical,
		LastChecked: time.Now(),
	}
	c.mu.Unlock()
	c.logger.Info("interlock registered",
		"printer", printerID, "interlock", name, "critical", critical, "engaged", engaged)
}

// UpdateInterlock records a new sensor reading. Disengaging a critical
// interlock triggers an emergency stop; re-engaging never does. The
// interlock mutation and the stop run as two separate critical sections —
// the lock is released before EmergencyStop re-acquires it, so the trigger
// cannot deadlock.
func (c *Coordinator) UpdateInterlock(ctx context.Context, printerID, name string, engaged bool) error {
	c.mu.Lock()
	il, ok := c.interlocks[printerID][name]
	if !ok {
		c.mu.Unlock()
		return printer.NewError(printer.KindNotFound, "safety.interlock",
			fmt.Sprintf("interlock %s/%s is not registered", printerID, name))
	}
	wasEngaged := il.Engaged
	il.Engaged = engaged
	il.LastChecked = time.Now()
	trigger := wasEngaged && !engaged && il.Critical
	c.mu.Unlock()

	if wasEngaged && !engaged {
		c.logger.Warn("interlock disengaged",
			"printer", printerID, "interlock", name, "critical", il.Critical)
		c.publish(events.Event{
			Type:   events.TypeInterlockAlarm,
			Source: "safety",
			Data: map[string]any{
				"printer_id": printerID,
				"interlock":  name,
				"critical":   il.Critical,
			},
		})
	}
	if trigger {
		c.EmergencyStop(ctx, printerID, ReasonInterlockBreach)
	}
	return nil
}

// Interlocks returns copies of the interlocks registered for a printer.
func (c *Coordinator) Interlocks(printerID string) []Interlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Interlock, 0, len(c.interlocks[printerID]))
	for _, il := range c.interlocks[printerID] {
		out = append(out, *il)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns stop records most recent first, filtered by printer when
// printerID is non-empty and capped at limit when limit > 0.
func (c *Coordinator) History(printerID string, limit int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, rec := range c.history {
		if printerID != "" && rec.PrinterID != printerID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// publish is best-effort: event delivery must never alter a stop's outcome.
func (c *Coordinator) publish(ev events.Event) {
	if c.bus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event publish panicked", "type", ev.Type, "panic", r)
		}
	}()
	c.bus.Publish(ev)
}
