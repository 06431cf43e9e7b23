// Package txlog keeps the persistent audit of terminal transactions. A
// record is created pending, moves to processing when the command reaches
// the terminal, and is frozen after the terminal's final response: any
// later change is a new record (a void references the original).
package txlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol"
	"github.com/kassenwerk/periphd/internal/storage"
)

// lifecycle events driving the status machine.
const (
	evProcess = "process"
	evApprove = "approve"
	evDecline = "decline"
	evCancel  = "cancel"
	evTimeout = "timeout"
	evFail    = "fail"
)

// newLifecycle builds the status machine anchored at current.
func newLifecycle(current coremodel.TransactionStatus) *fsm.FSM {
	return fsm.NewFSM(
		string(current),
		fsm.Events{
			{Name: evProcess, Src: []string{string(coremodel.TxPending)}, Dst: string(coremodel.TxProcessing)},
			{Name: evApprove, Src: []string{string(coremodel.TxProcessing)}, Dst: string(coremodel.TxApproved)},
			{Name: evDecline, Src: []string{string(coremodel.TxProcessing)}, Dst: string(coremodel.TxDeclined)},
			{Name: evCancel, Src: []string{string(coremodel.TxPending), string(coremodel.TxProcessing)}, Dst: string(coremodel.TxCancelled)},
			{Name: evTimeout, Src: []string{string(coremodel.TxProcessing)}, Dst: string(coremodel.TxTimeout)},
			{Name: evFail, Src: []string{string(coremodel.TxPending), string(coremodel.TxProcessing)}, Dst: string(coremodel.TxError)},
		},
		fsm.Callbacks{},
	)
}

// eventFor maps a terminal status to its lifecycle event.
func eventFor(status coremodel.TransactionStatus) (string, error) {
	switch status {
	case coremodel.TxProcessing:
		return evProcess, nil
	case coremodel.TxApproved:
		return evApprove, nil
	case coremodel.TxDeclined:
		return evDecline, nil
	case coremodel.TxCancelled:
		return evCancel, nil
	case coremodel.TxTimeout:
		return evTimeout, nil
	case coremodel.TxError:
		return evFail, nil
	}
	return "", fmt.Errorf("txlog: no transition to %q", status)
}

// Log is the transaction audit service.
type Log struct {
	repo   storage.CoreRepo
	logger *zap.Logger
}

// New builds the log over repo.
func New(repo storage.CoreRepo, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{repo: repo, logger: logger.With(zap.String("component", "txlog"))}
}

// Begin creates the pending record for a freshly issued request.
func (l *Log) Begin(ctx context.Context, deviceID coremodel.DeviceID, req protocol.Request, original coremodel.TransactionID) (*coremodel.Transaction, error) {
	now := time.Now()
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}
	t := &coremodel.Transaction{
		ID:                    coremodel.TransactionID(uuid.NewString()),
		DeviceID:              deviceID,
		OrderID:               req.OrderID,
		Kind:                  req.Kind,
		AmountMinorUnits:      req.AmountMinorUnits,
		TipAmountMinorUnits:   req.TipMinorUnits,
		Currency:              currency,
		Status:                coremodel.TxPending,
		OriginalTransactionID: original,
		StartedAt:             now,
		CreatedAt:             now,
	}
	if err := l.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Transition moves a record to status, enforcing the lifecycle machine.
// Terminal states are frozen: any transition out of them fails.
func (l *Log) Transition(ctx context.Context, id coremodel.TransactionID, status coremodel.TransactionStatus) (*coremodel.Transaction, error) {
	t, err := l.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := eventFor(status)
	if err != nil {
		return nil, err
	}
	machine := newLifecycle(t.Status)
	if err := machine.Event(ctx, ev); err != nil {
		return nil, fmt.Errorf("txlog: %s -> %s: %w", t.Status, status, err)
	}
	t.Status = status
	if status.Terminal() {
		now := time.Now()
		t.CompletedAt = &now
	}
	if err := l.repo.UpdateTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Complete records the terminal's final response onto the processing
// record.
func (l *Log) Complete(ctx context.Context, id coremodel.TransactionID, res protocol.Result) (*coremodel.Transaction, error) {
	t, err := l.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := eventFor(res.Status)
	if err != nil {
		return nil, err
	}
	machine := newLifecycle(t.Status)
	if err := machine.Event(ctx, ev); err != nil {
		return nil, fmt.Errorf("txlog: %s -> %s: %w", t.Status, res.Status, err)
	}

	now := time.Now()
	t.Status = res.Status
	t.AuthorizationCode = res.AuthorizationCode
	t.TerminalReference = res.TerminalReference
	t.CardType = res.CardType
	t.CardLastFour = res.CardLastFour
	t.EntryMethod = res.EntryMethod
	t.CardholderName = res.CardholderName
	t.CustomerReceipt = res.CustomerReceipt
	t.MerchantReceipt = res.MerchantReceipt
	t.ErrorMessage = res.ErrorMessage
	t.ErrorCode = res.ErrorCode
	t.CompletedAt = &now

	if err := l.repo.UpdateTransaction(ctx, t); err != nil {
		return nil, err
	}
	l.logger.Info("transaction completed",
		zap.String("transaction_id", string(t.ID)),
		zap.String("status", string(t.Status)),
		zap.Int64("amount", t.AmountMinorUnits))
	return t, nil
}

// Recent returns the newest records.
func (l *Log) Recent(ctx context.Context, limit int) ([]coremodel.Transaction, error) {
	return l.repo.RecentTransactions(ctx, limit)
}

// Query returns the filtered set.
func (l *Log) Query(ctx context.Context, f storage.TransactionFilter) ([]coremodel.Transaction, error) {
	return l.repo.QueryTransactions(ctx, f)
}

// Stats aggregates the filtered set.
func (l *Log) Stats(ctx context.Context, f storage.TransactionFilter) (*storage.TransactionStats, error) {
	return l.repo.TransactionStats(ctx, f)
}

// ForOrder returns the newest transaction attached to an order.
func (l *Log) ForOrder(ctx context.Context, orderID string) (*coremodel.Transaction, error) {
	return l.repo.TransactionForOrder(ctx, orderID)
}

// Get fetches one record.
func (l *Log) Get(ctx context.Context, id coremodel.TransactionID) (*coremodel.Transaction, error) {
	return l.repo.GetTransaction(ctx, id)
}
