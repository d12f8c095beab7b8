// Package octoprint implements the device adapter for OctoPrint-fronted
// printers over its plain REST API.
package octoprint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openfab/printfleet/internal/printer"
)

// Options configures one OctoPrint adapter.
type Options struct {
	Name    string
	BaseURL string // e.g. http://voron-1.local
	APIKey  string
	Timeout time.Duration

	// Webcam endpoints; empty disables the snapshot/stream capabilities.
	SnapshotURL string
	StreamURL   string
}

// Adapter controls one printer through OctoPrint.
type Adapter struct {
	name   string
	client *client
	caps   printer.Capabilities
	opts   Options
	logger *slog.Logger
}

var _ printer.Controller = (*Adapter)(nil)

// New creates an OctoPrint adapter. No connection is made until first use;
// REST is connectionless so there is no handshake to hold open.
func New(opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:   opts.Name,
		client: newClient(opts.BaseURL, opts.APIKey, opts.Timeout),
		opts:   opts,
		logger: logger.With("printer", opts.Name, "protocol", "octoprint"),
		caps: printer.Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			CanSnapshot:         opts.SnapshotURL != "",
			CanStream:           opts.StreamURL != "",
			CanProbeBed:         true,
			SupportedExtensions: []string{".gcode", ".gco", ".g"},
		},
	}
}

func (a *Adapter) Name() string                       { return a.name }
func (a *Adapter) Capabilities() printer.Capabilities { return a.caps }

// stateResponse mirrors GET /api/printer.
type stateResponse struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Operational   bool `json:"operational"`
			Printing      bool `json:"printing"`
			Cancelling    bool `json:"cancelling"`
			Pausing       bool `json:"pausing"`
			Paused        bool `json:"paused"`
			Error         bool `json:"error"`
			Ready         bool `json:"ready"`
			ClosedOrError bool `json:"closedOrError"`
		} `json:"flags"`
	} `json:"state"`
	Temperature map[string]struct {
		Actual float64 `json:"actual"`
		Target float64 `json:"target"`
	} `json:"temperature"`
}

// State queries the printer synchronously. Transport failures map to
// StatusOffline and undecodable payloads to StatusUnknown so fleet pollers
// never need a try/catch around connectivity.
func (a *Adapter) State(ctx context.Context) printer.State {
	var resp stateResponse
	if err := a.client.do(ctx, http.MethodGet, "/api/printer", nil, &resp); err != nil {
		if printer.KindOf(err) == printer.KindTransient || printer.KindOf(err) == printer.KindNotFound {
			return printer.State{Connected: false, Status: printer.StatusOffline}
		}
		a.logger.Warn("state query failed", "error", err)
		return printer.State{Connected: false, Status: printer.StatusUnknown}
	}

	st := printer.State{Connected: true, Status: statusFromFlags(resp)}
	if t, ok := resp.Temperature["tool0"]; ok {
		st.Tool = &printer.TempReading{Actual: t.Actual, Target: t.Target}
	}
	if t, ok := resp.Temperature["bed"]; ok {
		st.Bed = &printer.TempReading{Actual: t.Actual, Target: t.Target}
	}
	if t, ok := resp.Temperature["chamber"]; ok {
		st.Chamber = &printer.TempReading{Actual: t.Actual, Target: t.Target}
	}
	return st
}

// statusFromFlags translates OctoPrint's boolean flag set. Cancelling and
// error shadow running states, which shadow idle states.
func statusFromFlags(resp stateResponse) printer.Status {
	f := resp.State.Flags
	switch {
	case f.Cancelling:
		return printer.StatusCancelling
	case f.Error || f.ClosedOrError:
		return printer.StatusError
	case f.Printing:
		return printer.StatusPrinting
	case f.Pausing, f.Paused:
		return printer.StatusPaused
	case f.Operational || f.Ready:
		return printer.StatusIdle
	default:
		return printer.StatusUnknown
	}
}

// jobResponse mirrors GET /api/job.
type jobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *float64 `json:"printTime"`
		PrintTimeLeft *float64 `json:"printTimeLeft"`
	} `json:"progress"`
}

func (a *Adapter) Job(ctx context.Context) (printer.Progress, bool) {
	var resp jobResponse
	if err := a.client.do(ctx, http.MethodGet, "/api/job", nil, &resp); err != nil {
		return printer.Progress{}, false
	}
	if resp.Job.File.Name == "" {
		return printer.Progress{}, false
	}
	p := printer.Progress{FileName: resp.Job.File.Name, Completion: resp.Progress.Completion}
	if resp.Progress.PrintTime != nil {
		d := time.Duration(*resp.Progress.PrintTime) * time.Second
		p.PrintTime = &d
	}
	if resp.Progress.PrintTimeLeft != nil {
		d := time.Duration(*resp.Progress.PrintTimeLeft) * time.Second
		p.PrintTimeLeft = &d
	}
	return p, true
}

type filesResponse struct {
	Files []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"files"`
}

func (a *Adapter) ListFiles(ctx context.Context) ([]string, error) {
	var resp filesResponse
	if err := a.client.do(ctx, http.MethodGet, "/api/files/local", nil, &resp); err != nil {
		return nil, err
	}
	var names []string
	for _, f := range resp.Files {
		if f.Type == "machinecode" || f.Type == "" {
			names = append(names, f.Name)
		}
	}
	return names, nil
}

func (a *Adapter) UploadFile(ctx context.Context, path string) error {
	return a.client.upload(ctx, path)
}

func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	return a.client.do(ctx, http.MethodDelete, "/api/files/local/"+path, nil, nil)
}

func (a *Adapter) StartPrint(ctx context.Context, fileName string) error {
	body := map[string]any{"command": "select", "print": true}
	if err := a.client.do(ctx, http.MethodPost, "/api/files/local/"+fileName, body, nil); err != nil {
		return err
	}
	a.logger.Info("print started", "file", fileName)
	return nil
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	return a.client.do(ctx, http.MethodPost, "/api/job", map[string]any{"command": "cancel"}, nil)
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	return a.client.do(ctx, http.MethodPost, "/api/job",
		map[string]any{"command": "pause", "action": "pause"}, nil)
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	return a.client.do(ctx, http.MethodPost, "/api/job",
		map[string]any{"command": "pause", "action": "resume"}, nil)
}

// EmergencyStop issues M112 through OctoPrint's command endpoint; OctoPrint
// has no dedicated hardware-halt API.
func (a *Adapter) EmergencyStop(ctx context.Context) error {
	return a.SendGcode(ctx, []string{"M112"})
}

func (a *Adapter) SetToolTemp(ctx context.Context, target float64) error {
	body := map[string]any{"command": "target", "targets": map[string]float64{"tool0": target}}
	return a.client.do(ctx, http.MethodPost, "/api/printer/tool", body, nil)
}

func (a *Adapter) SetBedTemp(ctx context.Context, target float64) error {
	body := map[string]any{"command": "target", "target": target}
	return a.client.do(ctx, http.MethodPost, "/api/printer/bed", body, nil)
}

// SendGcode posts the commands as a JSON array of ASCII strings, the framing
// OctoPrint expects.
func (a *Adapter) SendGcode(ctx context.Context, commands []string) error {
	body := map[string]any{"commands": commands}
	return a.client.do(ctx, http.MethodPost, "/api/printer/command", body, nil)
}

func (a *Adapter) Snapshot(ctx context.Context) ([]byte, error) {
	if !a.caps.CanSnapshot {
		return nil, printer.NewError(printer.KindFatal, "octoprint.snapshot", "no snapshot URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.opts.SnapshotURL, nil)
	if err != nil {
		return nil, printer.WrapError(printer.KindFatal, "octoprint.snapshot", "build request", err)
	}
	resp, err := a.client.http.Do(req)
	if err != nil {
		return nil, printer.WrapError(printer.KindTransient, "octoprint.snapshot", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, printer.NewError(printer.KindTransient, "octoprint.snapshot",
			fmt.Sprintf("server returned %s", resp.Status))
	}
	return io.ReadAll(resp.Body)
}

func (a *Adapter) StreamURL() (string, error) {
	if !a.caps.CanStream {
		return "", printer.NewError(printer.KindFatal, "octoprint.stream", "no stream URL configured")
	}
	return a.opts.StreamURL, nil
}

// Disconnect is a no-op for REST; there is no persistent connection.
func (a *Adapter) Disconnect() error { return nil }
