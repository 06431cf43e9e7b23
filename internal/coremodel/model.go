package coremodel

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeviceID is the opaque identity of a configured peripheral.
type DeviceID string

// TransactionID identifies one payment transaction record.
type TransactionID string

// JobID identifies one queued print job.
type JobID string

// DeviceKind classifies a configured peripheral.
type DeviceKind string

const (
	DeviceKindPaymentTerminal DeviceKind = "payment-terminal"
	DeviceKindCashDrawer      DeviceKind = "cash-drawer"
	DeviceKindPrinter         DeviceKind = "printer"
)

// Protocol selects the wire protocol an engine speaks to the device.
type Protocol string

const (
	ProtocolGenericECR Protocol = "generic-ecr"
	ProtocolZVT        Protocol = "zvt"
	ProtocolPAX        Protocol = "pax"
	ProtocolESCPOS     Protocol = "esc-pos"
)

// ConnectionType discriminates the Connection union.
type ConnectionType string

const (
	ConnSerial      ConnectionType = "serial"
	ConnBluetooth   ConnectionType = "bluetooth"
	ConnNetwork     ConnectionType = "network"
	ConnUSB         ConnectionType = "usb"
	ConnSystemSpool ConnectionType = "system-spool"
)

// SerialParity for serial links.
type SerialParity string

const (
	ParityNone SerialParity = "none"
	ParityEven SerialParity = "even"
	ParityOdd  SerialParity = "odd"
)

// Connection is the tagged union of link parameters. Exactly one of the
// variant pointers is set, matching Type.
type Connection struct {
	Type      ConnectionType   `json:"type"`
	Serial    *SerialConn      `json:"serial,omitempty"`
	Bluetooth *BluetoothConn   `json:"bluetooth,omitempty"`
	Network   *NetworkConn     `json:"network,omitempty"`
	USB       *USBConn         `json:"usb,omitempty"`
	Spool     *SystemSpoolConn `json:"spool,omitempty"`
}

type SerialConn struct {
	Path     string       `json:"path"`
	BaudRate int          `json:"baudRate"`
	DataBits int          `json:"dataBits"`
	StopBits int          `json:"stopBits"`
	Parity   SerialParity `json:"parity"`
}

type BluetoothConn struct {
	MAC     string `json:"mac"`
	Channel int    `json:"channel"`
	Name    string `json:"name,omitempty"`
}

type NetworkConn struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Hostname string `json:"hostname,omitempty"`
}

type USBConn struct {
	VendorID   uint16 `json:"vendorId"`
	ProductID  uint16 `json:"productId"`
	SystemName string `json:"systemName,omitempty"`
}

type SystemSpoolConn struct {
	Name string `json:"name"`
}

// Validate checks that the variant matching Type is populated.
func (c Connection) Validate() error {
	switch c.Type {
	case ConnSerial:
		if c.Serial == nil || c.Serial.Path == "" {
			return fmt.Errorf("serial connection requires a path")
		}
	case ConnBluetooth:
		if c.Bluetooth == nil || c.Bluetooth.MAC == "" {
			return fmt.Errorf("bluetooth connection requires a MAC address")
		}
	case ConnNetwork:
		if c.Network == nil || c.Network.Host == "" || c.Network.Port <= 0 {
			return fmt.Errorf("network connection requires host and port")
		}
	case ConnUSB:
		if c.USB == nil {
			return fmt.Errorf("usb connection requires vendor/product ids")
		}
	case ConnSystemSpool:
		if c.Spool == nil || c.Spool.Name == "" {
			return fmt.Errorf("system-spool connection requires a printer name")
		}
	default:
		return fmt.Errorf("unknown connection type %q", c.Type)
	}
	return nil
}

// Address renders a stable address string used to cross-reference discovery
// results against configured devices.
func (c Connection) Address() string {
	switch c.Type {
	case ConnSerial:
		if c.Serial != nil {
			return c.Serial.Path
		}
	case ConnBluetooth:
		if c.Bluetooth != nil {
			return c.Bluetooth.MAC
		}
	case ConnNetwork:
		if c.Network != nil {
			return fmt.Sprintf("%s:%d", c.Network.Host, c.Network.Port)
		}
	case ConnUSB:
		if c.USB != nil {
			return fmt.Sprintf("usb:%04x:%04x", c.USB.VendorID, c.USB.ProductID)
		}
	case ConnSystemSpool:
		if c.Spool != nil {
			return "spool:" + c.Spool.Name
		}
	}
	return ""
}

// Device is one configured peripheral record.
type Device struct {
	ID         DeviceID
	Name       string
	Kind       DeviceKind
	Connection Connection
	Protocol   Protocol
	TerminalID string
	MerchantID string
	IsDefault  bool
	Enabled    bool
	Settings   map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TransactionKind is the requested terminal operation.
type TransactionKind string

const (
	TxSale           TransactionKind = "sale"
	TxRefund         TransactionKind = "refund"
	TxVoid           TransactionKind = "void"
	TxPreAuth        TransactionKind = "pre-auth"
	TxPreAuthComplete TransactionKind = "pre-auth-completion"
)

// TransactionStatus is the lifecycle state of a transaction record.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxProcessing TransactionStatus = "processing"
	TxApproved   TransactionStatus = "approved"
	TxDeclined   TransactionStatus = "declined"
	TxError      TransactionStatus = "error"
	TxTimeout    TransactionStatus = "timeout"
	TxCancelled  TransactionStatus = "cancelled"
)

// Terminal reports whether s is a final transaction status.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxApproved, TxDeclined, TxError, TxTimeout, TxCancelled:
		return true
	}
	return false
}

// CardType as reported by the terminal.
type CardType string

const (
	CardUnknown    CardType = "unknown"
	CardVisa       CardType = "visa"
	CardMastercard CardType = "mastercard"
	CardAmex       CardType = "amex"
	CardMaestro    CardType = "maestro"
	CardGirocard   CardType = "girocard"
)

// EntryMethod describes how the card was presented.
type EntryMethod string

const (
	EntryChip        EntryMethod = "chip"
	EntryContactless EntryMethod = "contactless"
	EntrySwipe       EntryMethod = "swipe"
	EntryManual      EntryMethod = "manual"
	EntryUnknown     EntryMethod = "unknown"
)

// Transaction is one audit record of a terminal transaction. Records are
// never mutated after the terminal's final response; a void is a new record
// referencing the original via OriginalTransactionID.
type Transaction struct {
	ID                    TransactionID
	DeviceID              DeviceID
	OrderID               string
	Kind                  TransactionKind
	AmountMinorUnits      int64
	TipAmountMinorUnits   int64
	Currency              string
	Status                TransactionStatus
	AuthorizationCode     string
	TerminalReference     string
	CardType              CardType
	CardLastFour          string
	EntryMethod           EntryMethod
	CardholderName        string
	CustomerReceipt       []string
	MerchantReceipt       []string
	ErrorMessage          string
	ErrorCode             string
	OriginalTransactionID TransactionID
	StartedAt             time.Time
	CompletedAt           *time.Time
	CreatedAt             time.Time
}

// PrintJobType routes a job to a printer role.
type PrintJobType string

const (
	JobReceipt       PrintJobType = "receipt"
	JobKitchenTicket PrintJobType = "kitchen-ticket"
	JobLabel         PrintJobType = "label"
	JobReport        PrintJobType = "report"
	JobTest          PrintJobType = "test"
)

// JobStatus is the queue state of a print job. Completed and failed are
// terminal.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobPrinting  JobStatus = "printing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// PrintJob is one queued unit of work for a printer. Data is the rendered
// ESC/POS byte payload produced by the layout collaborator.
type PrintJob struct {
	ID          JobID
	PrinterID   DeviceID
	Type        PrintJobType
	Data        []byte
	Priority    int
	Status      JobStatus
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// PrinterRole names the duty a printer serves; the router maps job types
// onto roles.
type PrinterRole string

const (
	RoleReceipt PrinterRole = "receipt"
	RoleKitchen PrinterRole = "kitchen"
	RoleLabel   PrinterRole = "label"
	RoleReport  PrinterRole = "report"
)

// Printer is one configured printer record.
type Printer struct {
	ID                DeviceID
	Name              string
	Kind              string
	Connection        Connection
	PaperSize         string
	CharacterSet      string
	Role              PrinterRole
	IsDefault         bool
	FallbackPrinterID DeviceID
	Enabled           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PrinterState is the reported availability of a printer.
type PrinterState string

const (
	PrinterOnline  PrinterState = "online"
	PrinterOffline PrinterState = "offline"
	PrinterError   PrinterState = "error"
	PrinterBusy    PrinterState = "busy"
)

// PrinterErrorCode refines PrinterError states.
type PrinterErrorCode string

const (
	ErrPaperOut       PrinterErrorCode = "paper-out"
	ErrCoverOpen      PrinterErrorCode = "cover-open"
	ErrPaperJam       PrinterErrorCode = "paper-jam"
	ErrCutterError    PrinterErrorCode = "cutter-error"
	ErrOverheated     PrinterErrorCode = "overheated"
	ErrConnectionLost PrinterErrorCode = "connection-lost"
	ErrUnknown        PrinterErrorCode = "unknown"
)

// PrinterStatus is the last observed status of one printer.
type PrinterStatus struct {
	PrinterID   DeviceID
	State       PrinterState
	ErrorCode   PrinterErrorCode
	LastSeen    time.Time
	QueueLength int
}

// MarshalConnection serializes a Connection for the JSON column of the
// devices table.
func MarshalConnection(c Connection) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalConnection is the inverse of MarshalConnection.
func UnmarshalConnection(raw []byte) (Connection, error) {
	var c Connection
	if err := json.Unmarshal(raw, &c); err != nil {
		return Connection{}, err
	}
	return c, nil
}
