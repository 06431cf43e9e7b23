package printing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

type eventCollector struct {
	mu     sync.Mutex
	events []coremodel.Event
}

func (c *eventCollector) HandleEvent(ev coremodel.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMonitorEmitsOnlyOnChange(t *testing.T) {
	sink := &eventCollector{}
	m := NewMonitor(sink, nil, zap.NewNop())

	m.UpdatePrinterState("p1", coremodel.PrinterOnline, "")
	assert.Equal(t, 1, sink.count(), "first observation emits")

	m.UpdatePrinterState("p1", coremodel.PrinterOnline, "")
	assert.Equal(t, 1, sink.count(), "same status stays silent")

	m.UpdatePrinterState("p1", coremodel.PrinterError, coremodel.ErrPaperOut)
	assert.Equal(t, 2, sink.count())

	// same state, different error code: effective status changed
	m.UpdatePrinterState("p1", coremodel.PrinterError, coremodel.ErrCoverOpen)
	assert.Equal(t, 3, sink.count())

	m.UpdatePrinterState("p1", coremodel.PrinterError, coremodel.ErrCoverOpen)
	assert.Equal(t, 3, sink.count())
}

func TestMonitorLastSeenRefreshesAlways(t *testing.T) {
	m := NewMonitor(nil, nil, zap.NewNop())
	m.UpdatePrinterState("p1", coremodel.PrinterOnline, "")
	first, ok := m.Status("p1")
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	m.UpdatePrinterState("p1", coremodel.PrinterOnline, "")
	second, ok := m.Status("p1")
	require.True(t, ok)
	assert.True(t, second.LastSeen.After(first.LastSeen), "lastSeen moves on every update")
}

func TestMonitorRejectsInvalidState(t *testing.T) {
	sink := &eventCollector{}
	m := NewMonitor(sink, nil, zap.NewNop())
	m.UpdatePrinterState("p1", coremodel.PrinterState("exploded"), "")
	assert.Equal(t, 0, sink.count())
	_, ok := m.Status("p1")
	assert.False(t, ok)
}

func TestMonitorClearsErrorCodeOutsideErrorState(t *testing.T) {
	m := NewMonitor(nil, nil, zap.NewNop())
	m.UpdatePrinterState("p1", coremodel.PrinterOnline, coremodel.ErrPaperOut)
	s, ok := m.Status("p1")
	require.True(t, ok)
	assert.Empty(t, s.ErrorCode)
}

func TestMonitorQueueLengthEnrichment(t *testing.T) {
	m := NewMonitor(nil, func(coremodel.DeviceID) int { return 4 }, zap.NewNop())
	m.UpdatePrinterState("p1", coremodel.PrinterBusy, "")
	s, ok := m.Status("p1")
	require.True(t, ok)
	assert.Equal(t, 4, s.QueueLength)
	assert.GreaterOrEqual(t, s.QueueLength, 0)
}

func TestIsValidPrinterState(t *testing.T) {
	for _, s := range []coremodel.PrinterState{
		coremodel.PrinterOnline, coremodel.PrinterOffline,
		coremodel.PrinterError, coremodel.PrinterBusy,
	} {
		assert.True(t, IsValidPrinterState(s))
	}
	assert.False(t, IsValidPrinterState("sleeping"))
	assert.False(t, IsValidPrinterState(""))
}

func TestErrorMessageTable(t *testing.T) {
	assert.Equal(t, "Paper out", ErrorMessage(coremodel.ErrPaperOut))
	assert.Equal(t, "Unknown printer error", ErrorMessage(coremodel.PrinterErrorCode("whatever")))
}
