package octoprint_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab/printfleet/internal/adapter/octoprint"
	"github.com/openfab/printfleet/internal/printer"
)

func newAdapter(url string) *octoprint.Adapter {
	return octoprint.New(octoprint.Options{
		Name:    "voron-1",
		BaseURL: url,
		APIKey:  "secret",
		Timeout: 2 * time.Second,
	}, nil)
}

func TestStateWhilePrinting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "/api/printer", r.URL.Path)
		w.Write([]byte(`{
			"state": {"text": "Printing", "flags": {"operational": true, "printing": true}},
			"temperature": {
				"tool0": {"actual": 209.8, "target": 210.0},
				"bed": {"actual": 60.1, "target": 60.0}
			}
		}`))
	}))
	defer srv.Close()

	st := newAdapter(srv.URL).State(context.Background())

	assert.True(t, st.Connected)
	assert.Equal(t, printer.StatusPrinting, st.Status)
	require.NotNil(t, st.Tool)
	assert.Equal(t, 209.8, st.Tool.Actual)
	assert.Equal(t, 210.0, st.Tool.Target)
	require.NotNil(t, st.Bed)
	assert.Equal(t, 60.1, st.Bed.Actual)
	assert.Nil(t, st.Chamber)
}

func TestStateFlagPrecedence(t *testing.T) {
	cases := []struct {
		name  string
		flags string
		want  printer.Status
	}{
		{"cancelling wins over printing", `{"cancelling": true, "printing": true}`, printer.StatusCancelling},
		{"error wins over printing", `{"error": true, "printing": true}`, printer.StatusError},
		{"closedOrError reads as error", `{"closedOrError": true}`, printer.StatusError},
		{"paused", `{"operational": true, "paused": true}`, printer.StatusPaused},
		{"pausing reads as paused", `{"operational": true, "pausing": true}`, printer.StatusPaused},
		{"operational idles", `{"operational": true}`, printer.StatusIdle},
		{"ready idles", `{"ready": true}`, printer.StatusIdle},
		{"no flags", `{}`, printer.StatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"state": {"flags": ` + tc.flags + `}}`))
			}))
			defer srv.Close()

			st := newAdapter(srv.URL).State(context.Background())
			assert.Equal(t, tc.want, st.Status)
		})
	}
}

func TestStateUnreachableMapsToOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	st := newAdapter(srv.URL).State(ctx)
	assert.False(t, st.Connected)
	assert.Equal(t, printer.StatusOffline, st.Status)
}

func TestTransientStatusIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"state": {"flags": {"operational": true}}}`))
	}))
	defer srv.Close()

	st := newAdapter(srv.URL).State(context.Background())
	assert.Equal(t, printer.StatusIdle, st.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFatalStatusIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := newAdapter(srv.URL).CancelPrint(context.Background())
	require.Error(t, err)
	assert.Equal(t, printer.KindFatal, printer.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartPrintSelectsAndPrints(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/files/local/benchy.gcode", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newAdapter(srv.URL).StartPrint(context.Background(), "benchy.gcode"))
	assert.Equal(t, "select", got["command"])
	assert.Equal(t, true, got["print"])
}

func TestSendGcodeFraming(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/printer/command", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := newAdapter(srv.URL)
	require.NoError(t, a.SendGcode(context.Background(), []string{"G28", "G1 Z10"}))
	assert.Equal(t, []any{"G28", "G1 Z10"}, got["commands"])
}

func TestEmergencyStopSendsM112(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/printer/command", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newAdapter(srv.URL).EmergencyStop(context.Background()))
	assert.Equal(t, []any{"M112"}, got["commands"])
}

func TestJobProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/job", r.URL.Path)
		w.Write([]byte(`{
			"job": {"file": {"name": "benchy.gcode"}},
			"progress": {"completion": 42.5, "printTime": 600, "printTimeLeft": 900}
		}`))
	}))
	defer srv.Close()

	p, ok := newAdapter(srv.URL).Job(context.Background())
	require.True(t, ok)
	assert.Equal(t, "benchy.gcode", p.FileName)
	require.NotNil(t, p.Completion)
	assert.Equal(t, 42.5, *p.Completion)
	require.NotNil(t, p.PrintTime)
	assert.Equal(t, 10*time.Minute, *p.PrintTime)
	require.NotNil(t, p.PrintTimeLeft)
	assert.Equal(t, 15*time.Minute, *p.PrintTimeLeft)
}

func TestJobWithoutSelectedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job": {"file": {"name": ""}}, "progress": {}}`))
	}))
	defer srv.Close()

	_, ok := newAdapter(srv.URL).Job(context.Background())
	assert.False(t, ok)
}

func TestListFilesFiltersFolders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files/local", r.URL.Path)
		w.Write([]byte(`{"files": [
			{"name": "benchy.gcode", "type": "machinecode"},
			{"name": "calibration", "type": "folder"},
			{"name": "cube.gcode", "type": "machinecode"}
		]}`))
	}))
	defer srv.Close()

	files, err := newAdapter(srv.URL).ListFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"benchy.gcode", "cube.gcode"}, files)
}

func TestDeleteMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newAdapter(srv.URL).DeleteFile(context.Background(), "ghost.gcode")
	require.Error(t, err)
	assert.True(t, printer.IsNotFound(err))
}

func TestCapabilitiesFollowWebcamConfig(t *testing.T) {
	bare := octoprint.New(octoprint.Options{Name: "x", BaseURL: "http://x"}, nil)
	assert.False(t, bare.Capabilities().CanSnapshot)
	assert.False(t, bare.Capabilities().CanStream)
	_, err := bare.StreamURL()
	assert.Error(t, err)

	cam := octoprint.New(octoprint.Options{
		Name:      "x",
		BaseURL:   "http://x",
		StreamURL: "http://x/webcam/?action=stream",
	}, nil)
	url, err := cam.StreamURL()
	require.NoError(t, err)
	assert.Equal(t, "http://x/webcam/?action=stream", url)
}
