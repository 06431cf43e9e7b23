// Package storage defines the persistence abstraction for the peripheral
// core. Upper layers never write SQL; everything goes through these
// interfaces, and implementations provide WithTx so multi-row updates
// (default switching, atomic queue claims) stay atomic.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("storage: record not found")
	// ErrNameTaken reports a device/printer name collision.
	ErrNameTaken = errors.New("storage: name already in use")
	// ErrConflict reports a lost atomic state transition (another worker
	// claimed the row first).
	ErrConflict = errors.New("storage: conflicting update")
)

// TransactionFilter narrows transaction queries.
type TransactionFilter struct {
	DeviceID coremodel.DeviceID
	OrderID  string
	Status   coremodel.TransactionStatus
	Kind     coremodel.TransactionKind
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// TransactionStats aggregates a filtered transaction set.
type TransactionStats struct {
	Count          int64
	ByStatus       map[coremodel.TransactionStatus]int64
	ApprovedAmount int64
	ApprovedTips   int64
}

// CoreRepo is the storage surface of the peripheral core.
type CoreRepo interface {
	// WithTx runs fn inside one transaction; nested calls reuse it.
	WithTx(ctx context.Context, fn func(repo CoreRepo) error) error

	// Devices
	CreateDevice(ctx context.Context, d *coremodel.Device) error
	UpdateDevice(ctx context.Context, d *coremodel.Device) error
	DeleteDevice(ctx context.Context, id coremodel.DeviceID) error
	GetDevice(ctx context.Context, id coremodel.DeviceID) (*coremodel.Device, error)
	GetDeviceByName(ctx context.Context, name string) (*coremodel.Device, error)
	ListDevices(ctx context.Context, kind coremodel.DeviceKind) ([]coremodel.Device, error)
	GetDefaultDevice(ctx context.Context, kind coremodel.DeviceKind) (*coremodel.Device, error)
	// SetDefaultDevice clears the previous default of the same kind and
	// marks id, in one transaction.
	SetDefaultDevice(ctx context.Context, id coremodel.DeviceID) error

	// Transactions
	CreateTransaction(ctx context.Context, tx *coremodel.Transaction) error
	UpdateTransaction(ctx context.Context, tx *coremodel.Transaction) error
	GetTransaction(ctx context.Context, id coremodel.TransactionID) (*coremodel.Transaction, error)
	RecentTransactions(ctx context.Context, limit int) ([]coremodel.Transaction, error)
	QueryTransactions(ctx context.Context, f TransactionFilter) ([]coremodel.Transaction, error)
	TransactionStats(ctx context.Context, f TransactionFilter) (*TransactionStats, error)
	TransactionForOrder(ctx context.Context, orderID string) (*coremodel.Transaction, error)

	// Printers
	CreatePrinter(ctx context.Context, p *coremodel.Printer) error
	UpdatePrinter(ctx context.Context, p *coremodel.Printer) error
	DeletePrinter(ctx context.Context, id coremodel.DeviceID) error
	GetPrinter(ctx context.Context, id coremodel.DeviceID) (*coremodel.Printer, error)
	ListPrinters(ctx context.Context) ([]coremodel.Printer, error)

	// Print queue
	EnqueueJob(ctx context.Context, job *coremodel.PrintJob) error
	// DequeueJob atomically claims the next pending job for printerID
	// (priority desc, created asc) and moves it to printing. Returns
	// ErrNotFound when the queue is empty.
	DequeueJob(ctx context.Context, printerID coremodel.DeviceID) (*coremodel.PrintJob, error)
	MarkJobComplete(ctx context.Context, id coremodel.JobID) error
	MarkJobFailed(ctx context.Context, id coremodel.JobID, errMsg string) error
	// IncrementJobRetry bumps the retry count and re-queues the job.
	// Returns the new count, or -1 with ErrNotFound for an unknown id.
	IncrementJobRetry(ctx context.Context, id coremodel.JobID) (int, error)
	SetJobLastError(ctx context.Context, id coremodel.JobID, errMsg string) error
	// ResetPrintingJobs returns crashed printing rows to pending.
	ResetPrintingJobs(ctx context.Context) (int64, error)
	QueuedJobs(ctx context.Context, printerID coremodel.DeviceID) ([]coremodel.PrintJob, error)
	QueueLength(ctx context.Context, printerID coremodel.DeviceID, status coremodel.JobStatus) (int, error)
	GetJob(ctx context.Context, id coremodel.JobID) (*coremodel.PrintJob, error)
	ClearQueue(ctx context.Context) error
	ClearHistory(ctx context.Context) error
}
