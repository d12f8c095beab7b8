// Package printer defines the shared contract implemented by every
// vendor-specific device adapter, plus the status/state/capability model the
// scheduler and the emergency coordinator operate on.
package printer

import (
	"context"
	"time"
)

// Status is the normalized printer status derived from vendor state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPrinting   Status = "printing"
	StatusPaused     Status = "paused"
	StatusBusy       Status = "busy"
	StatusError      Status = "error"
	StatusCancelling Status = "cancelling"
	StatusOffline    Status = "offline"
	StatusUnknown    Status = "unknown"
)

// TempReading is one actual/target pair for a heated zone.
type TempReading struct {
	Actual float64
	Target float64
}

// State is an immutable snapshot of a printer at one point in time.
// Adapters produce a fresh value on every query and never mutate a returned
// snapshot.
type State struct {
	Connected bool
	Status    Status
	Tool      *TempReading
	Bed       *TempReading
	Chamber   *TempReading
}

// Progress is a snapshot of the job a printer is currently executing.
// Fields the vendor did not report stay nil.
type Progress struct {
	FileName      string
	Completion    *float64 // 0-100
	PrintTime     *time.Duration
	PrintTimeLeft *time.Duration
}

// Capabilities declares which optional operations an adapter supports.
// Callers branch on these flags, never on the adapter's concrete type, so new
// vendors plug in without touching scheduler or safety code.
type Capabilities struct {
	CanUpload         bool
	CanSetTemp        bool
	CanSendGcode      bool
	CanPause          bool
	CanSnapshot       bool
	CanStream         bool
	CanProbeBed       bool
	CanUpdateFirmware bool
	CanDetectFilament bool

	SupportedExtensions []string
}

// SupportsExtension reports whether the adapter accepts files with the given
// extension (leading dot, case-insensitive match is the caller's concern).
func (c Capabilities) SupportsExtension(ext string) bool {
	for _, e := range c.SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Controller is the uniform control surface over one physical printer.
//
// State and Job never fail on connectivity: an unreachable transport yields
// Status == StatusOffline and an unparseable vendor payload yields
// StatusUnknown, so pollers can loop over a fleet without per-call error
// special-casing. All other operations return a *Error whose Kind classifies
// the failure.
type Controller interface {
	// Name returns the registry name this adapter was built for.
	Name() string

	// Capabilities returns the fixed capability descriptor for this adapter
	// instance.
	Capabilities() Capabilities

	// State returns a fresh status snapshot. Never returns an error;
	// connectivity problems map to StatusOffline.
	State(ctx context.Context) State

	// Job returns progress for the active job. ok is false when no job is
	// running or the printer is unreachable.
	Job(ctx context.Context) (p Progress, ok bool)

	ListFiles(ctx context.Context) ([]string, error)
	UploadFile(ctx context.Context, path string) error
	DeleteFile(ctx context.Context, path string) error

	StartPrint(ctx context.Context, fileName string) error
	CancelPrint(ctx context.Context) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error

	// EmergencyStop triggers the vendor's native hardware halt. The safety
	// coordinator falls back to a raw G-code sequence when this fails.
	EmergencyStop(ctx context.Context) error

	SetToolTemp(ctx context.Context, target float64) error
	SetBedTemp(ctx context.Context, target float64) error
	SendGcode(ctx context.Context, commands []string) error

	// Snapshot returns a camera still; only valid when CanSnapshot.
	Snapshot(ctx context.Context) ([]byte, error)
	// StreamURL returns the camera stream endpoint; only valid when CanStream.
	StreamURL() (string, error)

	// Disconnect tears down the transport and any reader goroutine. Safe to
	// call at any time, including mid-request, and safe to call twice.
	Disconnect() error
}
