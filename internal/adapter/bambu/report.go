package bambu

import (
	"encoding/json"
	"time"

	"github.com/openfab/printfleet/internal/printer"
)

// report mirrors the vendor's MQTT report payload. The printer publishes
// partial documents; absent fields must not clobber cached values, hence the
// pointer types.
type report struct {
	Print struct {
		GcodeState      *string  `json:"gcode_state"`
		GcodeFile       *string  `json:"gcode_file"`
		McPercent       *float64 `json:"mc_percent"`
		McRemainingTime *float64 `json:"mc_remaining_time"` // minutes
		NozzleTemper    *float64 `json:"nozzle_temper"`
		NozzleTarget    *float64 `json:"nozzle_target_temper"`
		BedTemper       *float64 `json:"bed_temper"`
		BedTarget       *float64 `json:"bed_target_temper"`
		ChamberTemper   *float64 `json:"chamber_temper"`
		PrintError      *int64   `json:"print_error"`
	} `json:"print"`
}

// snapshot is the merged device state owned by the adapter's run loop.
// Readers take copies under the adapter lock; the run loop is the only
// writer.
type snapshot struct {
	haveReport bool
	updatedAt  time.Time

	gcodeState    string
	gcodeFile     string
	percent       *float64
	remainingMin  *float64
	nozzle        *printer.TempReading
	bed           *printer.TempReading
	chamberActual *float64
	printError    int64
}

// merge folds one report into the snapshot, field by field.
func (s *snapshot) merge(raw []byte) error {
	var r report
	if err := json.Unmarshal(raw, &r); err != nil {
		return err
	}
	p := r.Print

	s.haveReport = true
	s.updatedAt = time.Now()

	if p.GcodeState != nil {
		s.gcodeState = *p.GcodeState
	}
	if p.GcodeFile != nil {
		s.gcodeFile = *p.GcodeFile
	}
	if p.McPercent != nil {
		v := *p.McPercent
		s.percent = &v
	}
	if p.McRemainingTime != nil {
		v := *p.McRemainingTime
		s.remainingMin = &v
	}
	if p.NozzleTemper != nil || p.NozzleTarget != nil {
		if s.nozzle == nil {
			s.nozzle = &printer.TempReading{}
		}
		if p.NozzleTemper != nil {
			s.nozzle.Actual = *p.NozzleTemper
		}
		if p.NozzleTarget != nil {
			s.nozzle.Target = *p.NozzleTarget
		}
	}
	if p.BedTemper != nil || p.BedTarget != nil {
		if s.bed == nil {
			s.bed = &printer.TempReading{}
		}
		if p.BedTemper != nil {
			s.bed.Actual = *p.BedTemper
		}
		if p.BedTarget != nil {
			s.bed.Target = *p.BedTarget
		}
	}
	if p.ChamberTemper != nil {
		v := *p.ChamberTemper
		s.chamberActual = &v
	}
	if p.PrintError != nil {
		s.printError = *p.PrintError
	}
	return nil
}

// status translates the vendor vocabulary. Error conditions shadow running
// states, running shadows idle; anything unrecognized is Unknown.
func (s *snapshot) status() printer.Status {
	if !s.haveReport {
		return printer.StatusUnknown
	}
	if s.printError != 0 {
		return printer.StatusError
	}
	switch s.gcodeState {
	case "FAILED":
		return printer.StatusError
	case "RUNNING", "PREPARE":
		return printer.StatusPrinting
	case "PAUSE":
		return printer.StatusPaused
	case "SLICING":
		return printer.StatusBusy
	case "IDLE", "FINISH":
		return printer.StatusIdle
	default:
		return printer.StatusUnknown
	}
}

// state renders an immutable printer.State from the snapshot.
func (s *snapshot) state(connected bool) printer.State {
	st := printer.State{Connected: connected, Status: s.status()}
	if !connected {
		st.Status = printer.StatusOffline
	}
	if s.nozzle != nil {
		v := *s.nozzle
		st.Tool = &v
	}
	if s.bed != nil {
		v := *s.bed
		st.Bed = &v
	}
	if s.chamberActual != nil {
		st.Chamber = &printer.TempReading{Actual: *s.chamberActual}
	}
	return st
}

// progress renders job progress from the snapshot; ok is false when no file
// is active.
func (s *snapshot) progress() (printer.Progress, bool) {
	if !s.haveReport || s.gcodeFile == "" {
		return printer.Progress{}, false
	}
	p := printer.Progress{FileName: s.gcodeFile}
	if s.percent != nil {
		v := *s.percent
		p.Completion = &v
	}
	if s.remainingMin != nil {
		d := time.Duration(*s.remainingMin) * time.Minute
		p.PrintTimeLeft = &d
	}
	return p, true
}
