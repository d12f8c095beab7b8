package bambu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab/printfleet/internal/printer"
)

func TestMergeKeepsAbsentFields(t *testing.T) {
	var s snapshot

	require.NoError(t, s.merge([]byte(`{"print": {
		"gcode_state": "RUNNING",
		"gcode_file": "benchy.3mf",
		"mc_percent": 12.0,
		"nozzle_temper": 219.5,
		"nozzle_target_temper": 220.0,
		"bed_temper": 55.0,
		"bed_target_temper": 55.0
	}}`)))

	// A later partial report only carries the fields that changed.
	require.NoError(t, s.merge([]byte(`{"print": {"mc_percent": 13.5}}`)))

	assert.Equal(t, "RUNNING", s.gcodeState)
	assert.Equal(t, "benchy.3mf", s.gcodeFile)
	require.NotNil(t, s.percent)
	assert.Equal(t, 13.5, *s.percent)
	require.NotNil(t, s.nozzle)
	assert.Equal(t, 219.5, s.nozzle.Actual)
	assert.Equal(t, 220.0, s.nozzle.Target)
}

func TestMergePartialTemperature(t *testing.T) {
	var s snapshot
	require.NoError(t, s.merge([]byte(`{"print": {"nozzle_temper": 30.0, "nozzle_target_temper": 220.0}}`)))
	// Actual moves, target stays.
	require.NoError(t, s.merge([]byte(`{"print": {"nozzle_temper": 110.2}}`)))

	require.NotNil(t, s.nozzle)
	assert.Equal(t, 110.2, s.nozzle.Actual)
	assert.Equal(t, 220.0, s.nozzle.Target)
}

func TestMergeRejectsGarbage(t *testing.T) {
	var s snapshot
	assert.Error(t, s.merge([]byte(`not json`)))
	assert.False(t, s.haveReport)
}

func TestStatusVocabulary(t *testing.T) {
	cases := []struct {
		name       string
		gcodeState string
		printError int64
		want       printer.Status
	}{
		{"running", "RUNNING", 0, printer.StatusPrinting},
		{"prepare reads as printing", "PREPARE", 0, printer.StatusPrinting},
		{"pause", "PAUSE", 0, printer.StatusPaused},
		{"slicing is busy", "SLICING", 0, printer.StatusBusy},
		{"idle", "IDLE", 0, printer.StatusIdle},
		{"finish reads as idle", "FINISH", 0, printer.StatusIdle},
		{"failed", "FAILED", 0, printer.StatusError},
		{"print error shadows running", "RUNNING", 83886082, printer.StatusError},
		{"unrecognized state", "CALIBRATING_NOZZLE", 0, printer.StatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := snapshot{haveReport: true, gcodeState: tc.gcodeState, printError: tc.printError}
			assert.Equal(t, tc.want, s.status())
		})
	}
}

func TestStatusBeforeFirstReport(t *testing.T) {
	var s snapshot
	assert.Equal(t, printer.StatusUnknown, s.status())
}

func TestStateRendering(t *testing.T) {
	var s snapshot
	require.NoError(t, s.merge([]byte(`{"print": {
		"gcode_state": "RUNNING",
		"nozzle_temper": 220.0,
		"bed_temper": 55.0,
		"chamber_temper": 40.0
	}}`)))

	st := s.state(true)
	assert.True(t, st.Connected)
	assert.Equal(t, printer.StatusPrinting, st.Status)
	require.NotNil(t, st.Chamber)
	assert.Equal(t, 40.0, st.Chamber.Actual)

	// Disconnected always reads offline regardless of the cached report.
	off := s.state(false)
	assert.False(t, off.Connected)
	assert.Equal(t, printer.StatusOffline, off.Status)
}

func TestStateReturnsCopies(t *testing.T) {
	var s snapshot
	require.NoError(t, s.merge([]byte(`{"print": {"gcode_state": "IDLE", "nozzle_temper": 25.0}}`)))

	st := s.state(true)
	st.Tool.Actual = 999
	assert.Equal(t, 25.0, s.nozzle.Actual)
}

func TestProgress(t *testing.T) {
	var s snapshot

	_, ok := s.progress()
	assert.False(t, ok)

	require.NoError(t, s.merge([]byte(`{"print": {
		"gcode_file": "benchy.3mf",
		"mc_percent": 61.0,
		"mc_remaining_time": 24.0
	}}`)))

	p, ok := s.progress()
	require.True(t, ok)
	assert.Equal(t, "benchy.3mf", p.FileName)
	require.NotNil(t, p.Completion)
	assert.Equal(t, 61.0, *p.Completion)
	require.NotNil(t, p.PrintTimeLeft)
	assert.Equal(t, "24m0s", p.PrintTimeLeft.String())
}
