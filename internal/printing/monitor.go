package printing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// errorMessages maps printer error codes to operator text.
var errorMessages = map[coremodel.PrinterErrorCode]string{
	coremodel.ErrPaperOut:       "Paper out",
	coremodel.ErrCoverOpen:      "Cover open",
	coremodel.ErrPaperJam:       "Paper jam",
	coremodel.ErrCutterError:    "Cutter error",
	coremodel.ErrOverheated:     "Print head overheated",
	coremodel.ErrConnectionLost: "Connection to printer lost",
	coremodel.ErrUnknown:        "Unknown printer error",
}

// ErrorMessage returns the operator text for code.
func ErrorMessage(code coremodel.PrinterErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return errorMessages[coremodel.ErrUnknown]
}

// IsValidPrinterState reports whether s is one of the four states.
func IsValidPrinterState(s coremodel.PrinterState) bool {
	switch s {
	case coremodel.PrinterOnline, coremodel.PrinterOffline,
		coremodel.PrinterError, coremodel.PrinterBusy:
		return true
	}
	return false
}

// QueueLengthFunc reads the printer's current queue depth.
type QueueLengthFunc func(printerID coremodel.DeviceID) int

// Monitor keeps the current status per printer and emits a status event
// only when the effective status (state or error code) actually changes.
// lastSeen refreshes on every update regardless.
type Monitor struct {
	mu       sync.Mutex
	statuses map[coremodel.DeviceID]*coremodel.PrinterStatus
	sink     coremodel.EventSink
	queueLen QueueLengthFunc
	logger   *zap.Logger
}

// NewMonitor builds the monitor. sink and queueLen may be nil.
func NewMonitor(sink coremodel.EventSink, queueLen QueueLengthFunc, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		statuses: make(map[coremodel.DeviceID]*coremodel.PrinterStatus),
		sink:     sink,
		queueLen: queueLen,
		logger:   logger.With(zap.String("component", "printer-monitor")),
	}
}

// UpdatePrinterState records the observed state and emits at most one
// event: exactly one iff state or error code differ from the previous
// observation.
func (m *Monitor) UpdatePrinterState(id coremodel.DeviceID, state coremodel.PrinterState, errCode coremodel.PrinterErrorCode) {
	if !IsValidPrinterState(state) {
		m.logger.Warn("dropping invalid printer state",
			zap.String("printer_id", string(id)),
			zap.String("state", string(state)))
		return
	}
	if state != coremodel.PrinterError {
		errCode = ""
	}

	now := time.Now()
	m.mu.Lock()
	prev, known := m.statuses[id]
	changed := !known || prev.State != state || prev.ErrorCode != errCode

	status := &coremodel.PrinterStatus{
		PrinterID: id,
		State:     state,
		ErrorCode: errCode,
		LastSeen:  now,
	}
	if m.queueLen != nil {
		status.QueueLength = m.queueLen(id)
	}
	m.statuses[id] = status
	m.mu.Unlock()

	if changed && m.sink != nil {
		snapshot := *status
		m.sink.HandleEvent(coremodel.Event{
			Type:          coremodel.EventPrinterStatus,
			DeviceID:      id,
			At:            now,
			PrinterStatus: &snapshot,
		})
	}
}

// Status returns the last observed status for id.
func (m *Monitor) Status(id coremodel.DeviceID) (coremodel.PrinterStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[id]
	if !ok {
		return coremodel.PrinterStatus{}, false
	}
	out := *s
	if m.queueLen != nil {
		out.QueueLength = m.queueLen(id)
	}
	return out, true
}

// PrinterState implements StatusProvider for the router.
func (m *Monitor) PrinterState(id coremodel.DeviceID) (coremodel.PrinterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[id]
	if !ok {
		return "", false
	}
	return s.State, true
}

// Statuses snapshots all printers.
func (m *Monitor) Statuses() []coremodel.PrinterStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]coremodel.PrinterStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, *s)
	}
	return out
}
