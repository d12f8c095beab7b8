package sdcp

import (
	"encoding/json"

	"github.com/openfab/printfleet/internal/printer"
)

// SDCP command opcodes. One command per websocket message.
const (
	cmdStatusRefresh  = 0
	cmdAttributes     = 1
	cmdStartPrint     = 128
	cmdPausePrint     = 129
	cmdStopPrint      = 130
	cmdResumePrint    = 131
	cmdFileList       = 258
	cmdBatchDelete    = 259
	cmdSendGcode      = 403
	cmdSetTemperature = 404
)

// Machine status codes reported in Status.CurrentStatus.
const (
	machineIdle         = 0
	machinePrinting     = 1
	machineFileTransfer = 2
	machineExposureTest = 3
	machineDeviceTest   = 4
)

// Print subtask codes reported in Status.PrintInfo.Status.
const (
	printPausing  = 5
	printPaused   = 6
	printStopping = 7
	printStopped  = 8
	printComplete = 9
)

// requestFrame is one outgoing SDCP message.
type requestFrame struct {
	ID    string      `json:"Id"`
	Data  requestData `json:"Data"`
	Topic string      `json:"Topic"`
}

type requestData struct {
	Cmd         int            `json:"Cmd"`
	Data        map[string]any `json:"Data"`
	RequestID   string         `json:"RequestID"`
	MainboardID string         `json:"MainboardID"`
	TimeStamp   int64          `json:"TimeStamp"`
	From        int            `json:"From"`
}

// inboundFrame is one frame read off the socket. Topic routing decides which
// optional section is populated.
type inboundFrame struct {
	ID     string         `json:"Id"`
	Topic  string         `json:"Topic"`
	Status *statusPayload `json:"Status"`
	Data   *responseData  `json:"Data"`
}

type responseData struct {
	Cmd         int             `json:"Cmd"`
	RequestID   string          `json:"RequestID"`
	MainboardID string          `json:"MainboardID"`
	Data        json.RawMessage `json:"Data"`
}

// ack is the generic reply body; a nonzero Ack means the firmware refused the
// command.
type ack struct {
	Ack int `json:"Ack"`
}

// statusPayload is the push status document.
type statusPayload struct {
	CurrentStatus []int `json:"CurrentStatus"`
	PrintInfo     struct {
		Status       int    `json:"Status"`
		CurrentLayer int    `json:"CurrentLayer"`
		TotalLayer   int    `json:"TotalLayer"`
		CurrentTicks int64  `json:"CurrentTicks"` // milliseconds
		TotalTicks   int64  `json:"TotalTicks"`
		Filename     string `json:"Filename"`
		ErrorNumber  int    `json:"ErrorNumber"`
	} `json:"PrintInfo"`
	TempOfNozzle     float64 `json:"TempOfNozzle"`
	TempTargetNozzle float64 `json:"TempTargetNozzle"`
	TempOfHotbed     float64 `json:"TempOfHotbed"`
	TempTargetHotbed float64 `json:"TempTargetHotbed"`
	TempOfBox        float64 `json:"TempOfBox"`
}

// status translates the SDCP vocabulary: print errors shadow everything,
// cancelling/paused shadow printing, printing shadows busy, busy shadows idle.
func (s *statusPayload) status() printer.Status {
	if s.PrintInfo.ErrorNumber != 0 {
		return printer.StatusError
	}
	printing := false
	busy := false
	idle := false
	for _, c := range s.CurrentStatus {
		switch c {
		case machinePrinting:
			printing = true
		case machineFileTransfer, machineExposureTest, machineDeviceTest:
			busy = true
		case machineIdle:
			idle = true
		}
	}
	switch {
	case printing:
		switch s.PrintInfo.Status {
		case printPausing, printPaused:
			return printer.StatusPaused
		case printStopping:
			return printer.StatusCancelling
		case printStopped, printComplete:
			return printer.StatusIdle
		default:
			return printer.StatusPrinting
		}
	case busy:
		return printer.StatusBusy
	case idle:
		return printer.StatusIdle
	default:
		return printer.StatusUnknown
	}
}
