package coremodel

import "time"

// EventType names one event on the public surface.
type EventType string

const (
	EventDeviceConnected      EventType = "deviceConnected"
	EventDeviceDisconnected   EventType = "deviceDisconnected"
	EventDeviceStatusChanged  EventType = "deviceStatusChanged"
	EventTransactionStarted   EventType = "transactionStarted"
	EventTransactionStatus    EventType = "transactionStatus"
	EventTransactionCompleted EventType = "transactionCompleted"
	EventDisplayMessage       EventType = "displayMessage"
	EventPrintReceipt         EventType = "printReceipt"
	EventPrinterStatus        EventType = "printerStatusChanged"
	EventError                EventType = "error"
)

// Event carries the subject id plus a typed payload. Exactly one payload
// pointer is set depending on Type.
type Event struct {
	Type     EventType
	DeviceID DeviceID
	At       time.Time

	Transaction   *Transaction
	PrinterStatus *PrinterStatus
	Message       string
	ReceiptLines  []string
	Err           error
}

// EventSink receives events from core components. Handlers must not block;
// slow consumers are expected to queue internally.
type EventSink interface {
	HandleEvent(ev Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) HandleEvent(ev Event) { f(ev) }
