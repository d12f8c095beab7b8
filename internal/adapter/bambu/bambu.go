// Package bambu implements the device adapter for Bambu Lab printers. The
// control plane is MQTT over implicit TLS on port 8883; file transfer rides a
// separate implicit-TLS FTPS session on port 990 that must resume the control
// plane's TLS session to satisfy the vendor firmware.
package bambu

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/openfab/printfleet/internal/adapter"
	"github.com/openfab/printfleet/internal/printer"
)

// Options configures one Bambu adapter.
type Options struct {
	Name       string
	Host       string
	Serial     string
	AccessCode string
	Timeout    time.Duration
}

// Adapter controls one Bambu printer.
//
// The paho callback never touches adapter state: it forwards raw report
// payloads through a channel to the run loop, which is the single writer of
// the cached snapshot. Public methods read the snapshot under the lock.
type Adapter struct {
	opts   Options
	caps   printer.Capabilities
	logger *slog.Logger

	// tlsCfg is shared between MQTT and FTPS so the data plane can resume
	// the control plane's TLS session. The firmware rejects FTPS sessions
	// that do not resume.
	tlsCfg *tls.Config

	redial *adapter.Redialer
	seq    atomic.Int64

	dialMu    sync.Mutex // serializes connect attempts
	mu        sync.Mutex
	client    mqtt.Client
	connected bool
	snap      snapshot
	ready     chan struct{} // closed once the first report has been merged

	reports chan []byte
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

var _ printer.Controller = (*Adapter)(nil)

// New creates a Bambu adapter. The MQTT connection is established lazily on
// first use.
func New(opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = adapter.DefaultConnectTimeout
	}
	return &Adapter{
		opts:   opts,
		logger: logger.With("printer", opts.Name, "protocol", "bambu"),
		tlsCfg: &tls.Config{
			// The printer presents a self-signed certificate; identity is
			// established by the per-device access code instead.
			InsecureSkipVerify: true,
			ClientSessionCache: tls.NewLRUClientSessionCache(4),
		},
		redial:  adapter.NewRedialer(time.Second, time.Minute),
		ready:   make(chan struct{}),
		reports: make(chan []byte, 16),
		stop:    make(chan struct{}),
		caps: printer.Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			CanDetectFilament:   true,
			SupportedExtensions: []string{".3mf", ".gcode"},
		},
	}
}

func (a *Adapter) Name() string                       { return a.opts.Name }
func (a *Adapter) Capabilities() printer.Capabilities { return a.caps }

func (a *Adapter) reportTopic() string  { return "device/" + a.opts.Serial + "/report" }
func (a *Adapter) requestTopic() string { return "device/" + a.opts.Serial + "/request" }

// ensureConnected lazily establishes the MQTT session. A broken client is
// torn down before a fresh connect; attempts during the reconnect cooldown
// fail fast.
func (a *Adapter) ensureConnected(ctx context.Context) error {
	a.dialMu.Lock()
	defer a.dialMu.Unlock()

	a.mu.Lock()
	if a.connected && a.client != nil && a.client.IsConnectionOpen() {
		a.mu.Unlock()
		return nil
	}
	stale := a.client
	a.client = nil
	a.connected = false
	a.mu.Unlock()

	if stale != nil {
		stale.Disconnect(0)
	}
	if err := a.redial.Allow(); err != nil {
		return err
	}

	copts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:8883", a.opts.Host)).
		SetClientID("printfleet-" + a.opts.Name).
		SetUsername("bblp").
		SetPassword(a.opts.AccessCode).
		SetTLSConfig(a.tlsCfg).
		SetAutoReconnect(false).
		SetConnectTimeout(a.opts.Timeout)

	client := mqtt.NewClient(copts)
	token := client.Connect()
	if !token.WaitTimeout(a.opts.Timeout) {
		a.redial.Failure()
		return adapter.ConnectError("bambu.connect", context.DeadlineExceeded,
			"check the printer is on the same network",
			"enable LAN mode in the printer settings",
			"verify port 8883 is not blocked")
	}
	if err := token.Error(); err != nil {
		a.redial.Failure()
		return adapter.ConnectError("bambu.connect", err,
			"verify the LAN access code",
			"check the printer is on the same network")
	}

	sub := client.Subscribe(a.reportTopic(), 0, a.onReport)
	if !sub.WaitTimeout(a.opts.Timeout) || sub.Error() != nil {
		client.Disconnect(0)
		a.redial.Failure()
		return adapter.ConnectError("bambu.subscribe", sub.Error(),
			"verify the device serial matches the printer")
	}

	a.mu.Lock()
	a.client = client
	a.connected = true
	if !a.started {
		a.started = true
		a.wg.Add(1)
		go a.run(a.stop)
	}
	a.mu.Unlock()
	a.redial.Success()
	a.logger.Info("mqtt connected", "host", a.opts.Host)

	// Ask for a full state document so the cache fills promptly.
	return a.publish(map[string]any{"pushing": map[string]any{
		"command":     "pushall",
		"sequence_id": a.nextSeq(),
	}})
}

// onReport runs on paho's callback goroutine. It only forwards the payload;
// parsing and state mutation happen on the run loop.
func (a *Adapter) onReport(_ mqtt.Client, msg mqtt.Message) {
	a.mu.Lock()
	stop := a.stop
	a.mu.Unlock()
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	select {
	case a.reports <- payload:
	case <-stop:
	default:
		// Reports arrive every second; dropping one under backpressure is
		// harmless, the next full push supersedes it.
	}
}

// run owns the snapshot: it is the only goroutine that mutates it.
func (a *Adapter) run(stop chan struct{}) {
	defer a.wg.Done()
	for {
		select {
		case raw := <-a.reports:
			a.mu.Lock()
			first := !a.snap.haveReport
			if err := a.snap.merge(raw); err != nil {
				a.mu.Unlock()
				a.logger.Debug("undecodable report dropped", "error", err)
				continue
			}
			if first && a.snap.haveReport {
				close(a.ready)
			}
			a.mu.Unlock()
		case <-stop:
			return
		}
	}
}

// State reads the cached snapshot, connecting and waiting briefly for the
// first report when the cache is empty. Unreachable transport maps to
// StatusOffline.
func (a *Adapter) State(ctx context.Context) printer.State {
	if err := a.ensureConnected(ctx); err != nil {
		return printer.State{Connected: false, Status: printer.StatusOffline}
	}
	a.waitReady(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap.state(a.connected)
}

func (a *Adapter) Job(ctx context.Context) (printer.Progress, bool) {
	if err := a.ensureConnected(ctx); err != nil {
		return printer.Progress{}, false
	}
	a.waitReady(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap.progress()
}

// waitReady blocks until the first report is cached, the context is done, or
// the bounded wait elapses.
func (a *Adapter) waitReady(ctx context.Context) {
	a.mu.Lock()
	ready := a.ready
	have := a.snap.haveReport
	a.mu.Unlock()
	if have {
		return
	}
	select {
	case <-ready:
	case <-ctx.Done():
	case <-time.After(a.opts.Timeout):
	}
}

func (a *Adapter) nextSeq() string {
	return strconv.FormatInt(a.seq.Add(1), 10)
}

// publish sends one request envelope fire-and-forget. MQTT has no reply
// framing here; command acknowledgements arrive as report updates.
func (a *Adapter) publish(envelope map[string]any) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return printer.NewError(printer.KindTransient, "bambu.publish", "not connected")
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return printer.WrapError(printer.KindFatal, "bambu.publish", "encode request", err)
	}
	token := client.Publish(a.requestTopic(), 0, false, payload)
	if !token.WaitTimeout(a.opts.Timeout) {
		return printer.NewError(printer.KindTransient, "bambu.publish", "publish timed out")
	}
	if err := token.Error(); err != nil {
		return printer.WrapError(printer.KindTransient, "bambu.publish", "publish failed", err)
	}
	return nil
}

// command wraps a print-namespace command and publishes it.
func (a *Adapter) command(ctx context.Context, body map[string]any) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	body["sequence_id"] = a.nextSeq()
	return a.publish(map[string]any{"print": body})
}

func (a *Adapter) StartPrint(ctx context.Context, fileName string) error {
	err := a.command(ctx, map[string]any{
		"command":      "project_file",
		"param":        "Metadata/plate_1.gcode",
		"url":          "file:///sdcard/" + fileName,
		"subtask_name": fileName,
		"use_ams":      false,
		"timelapse":    false,
		"bed_leveling": true,
	})
	if err == nil {
		a.logger.Info("print started", "file", fileName)
	}
	return err
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	return a.command(ctx, map[string]any{"command": "stop", "param": ""})
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	return a.command(ctx, map[string]any{"command": "pause", "param": ""})
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	return a.command(ctx, map[string]any{"command": "resume", "param": ""})
}

// EmergencyStop uses the firmware stop command, the closest the vendor
// protocol has to a hardware halt.
func (a *Adapter) EmergencyStop(ctx context.Context) error {
	if err := a.command(ctx, map[string]any{"command": "stop", "param": ""}); err != nil {
		return printer.WrapError(printer.KindSafety, "bambu.estop", "firmware stop failed", err)
	}
	return nil
}

func (a *Adapter) SetToolTemp(ctx context.Context, target float64) error {
	return a.SendGcode(ctx, []string{fmt.Sprintf("M104 S%.0f", target)})
}

func (a *Adapter) SetBedTemp(ctx context.Context, target float64) error {
	return a.SendGcode(ctx, []string{fmt.Sprintf("M140 S%.0f", target)})
}

// SendGcode joins the commands into one newline-separated string inside the
// vendor envelope, the framing the firmware expects.
func (a *Adapter) SendGcode(ctx context.Context, commands []string) error {
	return a.command(ctx, map[string]any{
		"command": "gcode_line",
		"param":   strings.Join(commands, "\n"),
	})
}

func (a *Adapter) Snapshot(ctx context.Context) ([]byte, error) {
	return nil, printer.NewError(printer.KindFatal, "bambu.snapshot", "camera access not supported over LAN protocol")
}

func (a *Adapter) StreamURL() (string, error) {
	return "", printer.NewError(printer.KindFatal, "bambu.stream", "camera access not supported over LAN protocol")
}

// Disconnect tears down the MQTT session and the run loop. Safe to call
// twice and safe to call mid-request.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.connected = false
	started := a.started
	a.started = false
	stop := a.stop
	a.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	if started {
		close(stop)
		a.wg.Wait()
		a.mu.Lock()
		a.stop = make(chan struct{})
		a.mu.Unlock()
	}
	return nil
}
