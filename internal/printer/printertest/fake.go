// Package printertest provides a scriptable in-memory Controller for
// scheduler and safety tests.
package printertest

import (
	"context"
	"sync"

	"github.com/openfab/printfleet/internal/printer"
)

// Fake is a printer.Controller whose behavior is driven by public fields.
// Zero value reports an idle, connected printer that accepts everything.
type Fake struct {
	mu sync.Mutex

	PrinterName string
	Caps        printer.Capabilities

	// Next states returned by State(); the last entry repeats once the
	// script runs out. Empty means idle.
	States []printer.State

	// Progress returned by Job() when ProgressOK.
	Progress   printer.Progress
	ProgressOK bool

	// Errors injected into the corresponding operations.
	StartErr error
	StopErr  error
	GcodeErr error

	// GcodeFailAfter, when >= 0, fails SendGcode calls after that many
	// successful ones (partial-delivery scenarios).
	GcodeFailAfter int

	stateIdx   int
	starts     []string
	gcode      [][]string
	stopCalls  int
	gcodeCalls int
}

// New returns a Fake named name, idle and connected.
func New(name string) *Fake {
	return &Fake{
		PrinterName:    name,
		GcodeFailAfter: -1,
		Caps: printer.Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			SupportedExtensions: []string{".gcode"},
		},
	}
}

func (f *Fake) Name() string                       { return f.PrinterName }
func (f *Fake) Capabilities() printer.Capabilities { return f.Caps }

func (f *Fake) State(ctx context.Context) printer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.States) == 0 {
		return printer.State{Connected: true, Status: printer.StatusIdle}
	}
	st := f.States[f.stateIdx]
	if f.stateIdx < len(f.States)-1 {
		f.stateIdx++
	}
	return st
}

func (f *Fake) Job(ctx context.Context) (printer.Progress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Progress, f.ProgressOK
}

func (f *Fake) StartPrint(ctx context.Context, fileName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.starts = append(f.starts, fileName)
	return nil
}

func (f *Fake) EmergencyStop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.StopErr
}

func (f *Fake) SendGcode(ctx context.Context, commands []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcodeCalls++
	if f.GcodeErr != nil {
		return f.GcodeErr
	}
	if f.GcodeFailAfter >= 0 && f.gcodeCalls > f.GcodeFailAfter {
		return printer.NewError(printer.KindTransient, "fake.gcode", "injected gcode failure")
	}
	cp := make([]string, len(commands))
	copy(cp, commands)
	f.gcode = append(f.gcode, cp)
	return nil
}

// Starts returns the file names passed to successful StartPrint calls.
func (f *Fake) Starts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.starts))
	copy(out, f.starts)
	return out
}

// Gcode returns the command batches delivered via SendGcode.
func (f *Fake) Gcode() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.gcode))
	copy(out, f.gcode)
	return out
}

// StopCalls returns how many times EmergencyStop was invoked.
func (f *Fake) StopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

func (f *Fake) ListFiles(ctx context.Context) ([]string, error)  { return nil, nil }
func (f *Fake) UploadFile(ctx context.Context, path string) error { return nil }
func (f *Fake) DeleteFile(ctx context.Context, path string) error { return nil }
func (f *Fake) CancelPrint(ctx context.Context) error             { return nil }
func (f *Fake) PausePrint(ctx context.Context) error              { return nil }
func (f *Fake) ResumePrint(ctx context.Context) error             { return nil }
func (f *Fake) SetToolTemp(ctx context.Context, target float64) error { return nil }
func (f *Fake) SetBedTemp(ctx context.Context, target float64) error  { return nil }
func (f *Fake) Snapshot(ctx context.Context) ([]byte, error) {
	return nil, printer.NewError(printer.KindFatal, "fake.snapshot", "snapshot not supported")
}
func (f *Fake) StreamURL() (string, error) {
	return "", printer.NewError(printer.KindFatal, "fake.stream", "stream not supported")
}
func (f *Fake) Disconnect() error { return nil }
