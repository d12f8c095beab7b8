// Package sdcp implements the device adapter for printers speaking SDCP, a
// websocket protocol without HTTP-style request/response framing: outgoing
// commands carry a correlation ID and replies arrive asynchronously on the
// same socket, interleaved with push status frames.
package sdcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openfab/printfleet/internal/adapter"
	"github.com/openfab/printfleet/internal/printer"
)

// Options configures one SDCP adapter.
type Options struct {
	Name    string
	Host    string
	Port    int // defaults to 3030
	Timeout time.Duration
}

// Adapter controls one SDCP printer.
//
// One reader goroutine owns the socket's read side and the cached status
// snapshot; it resolves the pending-request table when a reply's RequestID
// matches. Writes are serialized by writeMu (gorilla allows one concurrent
// writer).
type Adapter struct {
	opts   Options
	caps   printer.Capabilities
	logger *slog.Logger
	redial *adapter.Redialer

	connID string // per-process connection identity sent in every frame

	dialMu      sync.Mutex // serializes connect attempts
	mu          sync.Mutex
	conn        *websocket.Conn
	mainboardID string
	status      *statusPayload
	ready       chan struct{}
	pending     map[string]chan *responseData

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

var _ printer.Controller = (*Adapter)(nil)

// New creates an SDCP adapter; the socket is dialed lazily on first use.
func New(opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Port == 0 {
		opts.Port = 3030
	}
	if opts.Timeout <= 0 {
		opts.Timeout = adapter.DefaultConnectTimeout
	}
	return &Adapter{
		opts:    opts,
		logger:  logger.With("printer", opts.Name, "protocol", "sdcp"),
		redial:  adapter.NewRedialer(time.Second, time.Minute),
		connID:  uuid.New().String(),
		ready:   make(chan struct{}),
		pending: make(map[string]chan *responseData),
		caps: printer.Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			SupportedExtensions: []string{".gcode", ".ctb", ".goo"},
		},
	}
}

func (a *Adapter) Name() string                       { return a.opts.Name }
func (a *Adapter) Capabilities() printer.Capabilities { return a.caps }

func (a *Adapter) wsURL() string {
	return fmt.Sprintf("ws://%s:%d/websocket", a.opts.Host, a.opts.Port)
}

// ensureConnected lazily dials the socket, tearing down a stale connection
// first. Attempts inside the reconnect cooldown fail fast.
func (a *Adapter) ensureConnected(ctx context.Context) error {
	a.dialMu.Lock()
	defer a.dialMu.Unlock()

	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.redial.Allow(); err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: a.opts.Timeout}
	conn, _, err := dialer.DialContext(ctx, a.wsURL(), nil)
	if err != nil {
		a.redial.Failure()
		return adapter.ConnectError("sdcp.connect", err,
			"check the printer is powered on and on the network",
			"verify SDCP is enabled in the firmware settings",
			fmt.Sprintf("verify port %d is reachable", a.opts.Port))
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.redial.Success()

	a.wg.Add(1)
	go a.readLoop(conn)
	a.logger.Info("websocket connected", "url", a.wsURL())

	// Fire-and-forget refresh so the status cache fills promptly.
	return a.send(ctx, cmdStatusRefresh, nil, false, nil)
}

// readLoop owns the read side: it merges push status frames into the cached
// snapshot and resolves pending requests by correlation ID. On read failure
// it tears the connection down and fails all waiters.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.teardown(conn)
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			a.logger.Debug("undecodable frame dropped", "error", err)
			continue
		}
		switch {
		case strings.Contains(frame.Topic, "/response/"):
			a.resolve(frame.Data)
		case strings.Contains(frame.Topic, "/status/"):
			if frame.Status != nil {
				a.mergeStatus(frame.Status)
			}
		case strings.Contains(frame.Topic, "/attributes/"):
			if frame.Data != nil && frame.Data.MainboardID != "" {
				a.mu.Lock()
				a.mainboardID = frame.Data.MainboardID
				a.mu.Unlock()
			}
		}
	}
}

func (a *Adapter) mergeStatus(st *statusPayload) {
	a.mu.Lock()
	first := a.status == nil
	a.status = st
	ready := a.ready
	a.mu.Unlock()
	if first {
		close(ready)
	}
}

func (a *Adapter) resolve(data *responseData) {
	if data == nil || data.RequestID == "" {
		return
	}
	a.mu.Lock()
	ch, ok := a.pending[data.RequestID]
	if ok {
		delete(a.pending, data.RequestID)
	}
	if data.MainboardID != "" {
		a.mainboardID = data.MainboardID
	}
	a.mu.Unlock()
	if ok {
		ch <- data
	}
}

// teardown closes the connection and unblocks every in-flight waiter.
func (a *Adapter) teardown(conn *websocket.Conn) {
	conn.Close()
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	waiters := a.pending
	a.pending = make(map[string]chan *responseData)
	a.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// send writes one command frame. When await is true it registers the
// correlation ID in the pending table and blocks until the reader resolves
// it, the context ends, or the timeout elapses; otherwise it is
// fire-and-forget. A non-nil out receives the reply body.
func (a *Adapter) send(ctx context.Context, cmd int, data map[string]any, await bool, out any) error {
	op := fmt.Sprintf("sdcp.cmd%d", cmd)

	a.mu.Lock()
	conn := a.conn
	board := a.mainboardID
	a.mu.Unlock()
	if conn == nil {
		return printer.NewError(printer.KindTransient, op, "not connected")
	}

	reqID := strings.ReplaceAll(uuid.New().String(), "-", "")
	frame := requestFrame{
		ID: a.connID,
		Data: requestData{
			Cmd:         cmd,
			Data:        data,
			RequestID:   reqID,
			MainboardID: board,
			TimeStamp:   time.Now().UnixMilli(),
			From:        1,
		},
		Topic: "sdcp/request/" + board,
	}

	var replyCh chan *responseData
	if await {
		replyCh = make(chan *responseData, 1)
		a.mu.Lock()
		a.pending[reqID] = replyCh
		a.mu.Unlock()
	}

	a.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(a.opts.Timeout))
	err := conn.WriteJSON(frame)
	a.writeMu.Unlock()
	if err != nil {
		a.mu.Lock()
		delete(a.pending, reqID)
		a.mu.Unlock()
		return printer.WrapError(printer.KindTransient, op, "write failed", err)
	}
	if !await {
		return nil
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return printer.NewError(printer.KindTransient, op, "connection lost awaiting reply")
		}
		var a0 ack
		if len(reply.Data) > 0 {
			if err := json.Unmarshal(reply.Data, &a0); err != nil {
				return printer.WrapError(printer.KindTransient, op, "decode reply", err)
			}
			if a0.Ack != 0 {
				return printer.NewError(printer.KindFatal, op, fmt.Sprintf("firmware refused command (ack %d)", a0.Ack))
			}
		}
		if out != nil && len(reply.Data) > 0 {
			if err := json.Unmarshal(reply.Data, out); err != nil {
				return printer.WrapError(printer.KindTransient, op, "decode reply body", err)
			}
		}
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, reqID)
		a.mu.Unlock()
		return printer.WrapError(printer.KindTransient, op, "canceled awaiting reply", ctx.Err())
	case <-time.After(a.opts.Timeout):
		a.mu.Lock()
		delete(a.pending, reqID)
		a.mu.Unlock()
		return printer.NewError(printer.KindTransient, op, "timed out awaiting reply")
	}
}

// State reads the cached push snapshot, waiting briefly for the first status
// frame when the cache is empty.
func (a *Adapter) State(ctx context.Context) printer.State {
	if err := a.ensureConnected(ctx); err != nil {
		return printer.State{Connected: false, Status: printer.StatusOffline}
	}
	a.waitReady(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return printer.State{Connected: false, Status: printer.StatusOffline}
	}
	if a.status == nil {
		return printer.State{Connected: true, Status: printer.StatusUnknown}
	}
	st := printer.State{Connected: true, Status: a.status.status()}
	st.Tool = &printer.TempReading{Actual: a.status.TempOfNozzle, Target: a.status.TempTargetNozzle}
	st.Bed = &printer.TempReading{Actual: a.status.TempOfHotbed, Target: a.status.TempTargetHotbed}
	if a.status.TempOfBox != 0 {
		st.Chamber = &printer.TempReading{Actual: a.status.TempOfBox}
	}
	return st
}

func (a *Adapter) Job(ctx context.Context) (printer.Progress, bool) {
	if err := a.ensureConnected(ctx); err != nil {
		return printer.Progress{}, false
	}
	a.waitReady(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == nil || a.status.PrintInfo.Filename == "" {
		return printer.Progress{}, false
	}
	info := a.status.PrintInfo
	p := printer.Progress{FileName: info.Filename}
	if info.TotalLayer > 0 {
		pct := float64(info.CurrentLayer) / float64(info.TotalLayer) * 100
		p.Completion = &pct
	}
	if info.CurrentTicks > 0 {
		d := time.Duration(info.CurrentTicks) * time.Millisecond
		p.PrintTime = &d
	}
	if info.TotalTicks > info.CurrentTicks {
		d := time.Duration(info.TotalTicks-info.CurrentTicks) * time.Millisecond
		p.PrintTimeLeft = &d
	}
	return p, true
}

func (a *Adapter) waitReady(ctx context.Context) {
	a.mu.Lock()
	have := a.status != nil
	ready := a.ready
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

type fileListReply struct {
	FileList []struct {
		Name string `json:"name"`
	} `json:"FileList"`
}

func (a *Adapter) ListFiles(ctx context.Context) ([]string, error) {
	if err := a.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var reply fileListReply
	if err := a.send(ctx, cmdFileList, map[string]any{"Url": "/local"}, true, &reply); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(reply.FileList))
	for _, f := range reply.FileList {
		names = append(names, f.Name)
	}
	return names, nil
}

// UploadFile transfers the file over the printer's HTTP upload endpoint; the
// websocket channel carries control traffic only.
func (a *Adapter) UploadFile(ctx context.Context, path string) error {
	op := "sdcp.upload"
	f, err := os.Open(path)
	if err != nil {
		return printer.WrapError(printer.KindFatal, op, "open file", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("File", filepath.Base(path))
	if err != nil {
		return printer.WrapError(printer.KindFatal, op, "build form", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return printer.WrapError(printer.KindFatal, op, "read file", err)
	}
	w.WriteField("Uuid", uuid.New().String())
	if err := w.Close(); err != nil {
		return printer.WrapError(printer.KindFatal, op, "finalize form", err)
	}

	url := fmt.Sprintf("http://%s:%d/uploadFile/upload", a.opts.Host, a.opts.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return printer.WrapError(printer.KindFatal, op, "build request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	client := &http.Client{Timeout: a.opts.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return printer.WrapError(printer.KindTransient, op, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return printer.NewError(adapter.ClassifyHTTPStatus(resp.StatusCode), op,
			fmt.Sprintf("server returned %s", resp.Status))
	}
	a.logger.Info("file uploaded", "file", filepath.Base(path))
	return nil
}

func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.send(ctx, cmdBatchDelete, map[string]any{"FileList": []string{path}}, true, nil)
}

func (a *Adapter) StartPrint(ctx context.Context, fileName string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	err := a.send(ctx, cmdStartPrint, map[string]any{"Filename": fileName, "StartLayer": 0}, true, nil)
	if err == nil {
		a.logger.Info("print started", "file", fileName)
	}
	return err
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.send(ctx, cmdStopPrint, nil, true, nil)
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.send(ctx, cmdPausePrint, nil, true, nil)
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.send(ctx, cmdResumePrint, nil, true, nil)
}

// EmergencyStop issues the firmware stop opcode fire-and-forget: waiting for
// an acknowledgement would delay the halt and the reply may never come from a
// wedged mainboard.
func (a *Adapter) EmergencyStop(ctx context.Context) error {
	if err := a.ensureConnected(ctx); err != nil {
		return printer.WrapError(printer.KindSafety, "sdcp.estop", "cannot reach printer", err)
	}
	if err := a.send(ctx, cmdStopPrint, nil, false, nil); err != nil {
		return printer.WrapError(printer.KindSafety, "sdcp.estop", "stop command failed", err)
	}
	return nil
}

func (a *Adapter) SetToolTemp(ctx context.Context, target float64) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.send(ctx, cmdSetTemperature, map[string]any{"TempTargetNozzle": target}, true, nil)
}

func (a *Adapter) SetBedTemp(ctx context.Context, target float64) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	return a.send(ctx, cmdSetTemperature, map[string]any{"TempTargetHotbed": target}, true, nil)
}

// SendGcode sends one command per message, the framing SDCP requires.
func (a *Adapter) SendGcode(ctx context.Context, commands []string) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	for _, cmd := range commands {
		if err := a.send(ctx, cmdSendGcode, map[string]any{"Command": cmd}, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Snapshot(ctx context.Context) ([]byte, error) {
	return nil, printer.NewError(printer.KindFatal, "sdcp.snapshot", "snapshot not supported")
}

func (a *Adapter) StreamURL() (string, error) {
	return "", printer.NewError(printer.KindFatal, "sdcp.stream", "stream not supported")
}

// Disconnect closes the socket and waits for the reader to exit. Safe to
// call twice and safe mid-request: waiters are unblocked by teardown.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		a.teardown(conn)
	}
	a.wg.Wait()
	return nil
}
