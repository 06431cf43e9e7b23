package models

import (
	"time"
)

// Explicit column declarations, no gorm.Model: the schema has no implicit
// DeletedAt and booleans persist as 0/1 integers. Timestamps are ISO-8601
// text under the SQLite driver. Tagged unions (connection details, job
// payloads) persist as JSON under the owning row.

// Device maps the devices table.
type Device struct {
	ID         string    `gorm:"column:id;type:text;primaryKey"`
	Name       string    `gorm:"column:name;type:text;not null;uniqueIndex"`
	Kind       string    `gorm:"column:kind;type:text;not null;index"`
	Connection []byte    `gorm:"column:connection;type:text;not null"`
	Protocol   string    `gorm:"column:protocol;type:text;not null"`
	TerminalID *string   `gorm:"column:terminal_id;type:text"`
	MerchantID *string   `gorm:"column:merchant_id;type:text"`
	IsDefault  int       `gorm:"column:is_default;not null;default:0"`
	Enabled    int       `gorm:"column:enabled;not null;default:1"`
	Settings   []byte    `gorm:"column:settings;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Device) TableName() string { return "devices" }

// Transaction maps the transactions table.
type Transaction struct {
	ID                string     `gorm:"column:id;type:text;primaryKey"`
	DeviceID          string     `gorm:"column:device_id;type:text;not null;index"`
	OrderID           *string    `gorm:"column:order_id;type:text;index"`
	Kind              string     `gorm:"column:kind;type:text;not null"`
	Amount            int64      `gorm:"column:amount;not null"`
	TipAmount         *int64     `gorm:"column:tip_amount"`
	Currency          string     `gorm:"column:currency;type:text;not null;default:EUR"`
	Status            string     `gorm:"column:status;type:text;not null;index"`
	AuthorizationCode *string    `gorm:"column:authorization_code;type:text"`
	TerminalReference *string    `gorm:"column:terminal_reference;type:text"`
	CardType          *string    `gorm:"column:card_type;type:text"`
	CardLastFour      *string    `gorm:"column:card_last_four;type:text"`
	EntryMethod       *string    `gorm:"column:entry_method;type:text"`
	CardholderName    *string    `gorm:"column:cardholder_name;type:text"`
	CustomerReceipt   []byte     `gorm:"column:customer_receipt;type:text"`
	MerchantReceipt   []byte     `gorm:"column:merchant_receipt;type:text"`
	ErrorMessage      *string    `gorm:"column:error_message;type:text"`
	ErrorCode         *string    `gorm:"column:error_code;type:text"`
	RawResponse       []byte     `gorm:"column:raw_response;type:text"`
	OriginalID        *string    `gorm:"column:original_transaction_id;type:text"`
	StartedAt         time.Time  `gorm:"column:started_at;not null;index"`
	CompletedAt       *time.Time `gorm:"column:completed_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (Transaction) TableName() string { return "transactions" }

// Printer maps the printers table.
type Printer struct {
	ID                string    `gorm:"column:id;type:text;primaryKey"`
	Name              string    `gorm:"column:name;type:text;not null;uniqueIndex"`
	Kind              string    `gorm:"column:kind;type:text;not null"`
	Connection        []byte    `gorm:"column:connection;type:text;not null"`
	PaperSize         string    `gorm:"column:paper_size;type:text"`
	CharacterSet      string    `gorm:"column:character_set;type:text"`
	Role              string    `gorm:"column:role;type:text;index"`
	IsDefault         int       `gorm:"column:is_default;not null;default:0"`
	FallbackPrinterID *string   `gorm:"column:fallback_printer_id;type:text"`
	Enabled           int       `gorm:"column:enabled;not null;default:1"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Printer) TableName() string { return "printers" }

// PrintJob maps the print_queue table.
type PrintJob struct {
	ID          string     `gorm:"column:id;type:text;primaryKey"`
	PrinterID   string     `gorm:"column:printer_id;type:text;not null;index:idx_queue_printer_status,priority:1"`
	Type        string     `gorm:"column:type;type:text;not null"`
	Data        []byte     `gorm:"column:data;type:text"`
	Priority    int        `gorm:"column:priority;not null;default:0"`
	Status      string     `gorm:"column:status;type:text;not null;index:idx_queue_printer_status,priority:2"`
	RetryCount  int        `gorm:"column:retry_count;not null;default:0"`
	LastError   *string    `gorm:"column:last_error;type:text"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	StartedAt   *time.Time `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	Metadata    []byte     `gorm:"column:metadata;type:text"`
}

func (PrintJob) TableName() string { return "print_queue" }
