package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol"
	"github.com/kassenwerk/periphd/internal/session"
	"github.com/kassenwerk/periphd/internal/storage"
)

// TransactionOptions tune one payment request.
type TransactionOptions struct {
	// DeviceID selects the terminal; empty means the default terminal.
	DeviceID coremodel.DeviceID
	OrderID  string
	Currency string
	// TipMinorUnits rides along with the amount where the protocol
	// carries it.
	TipMinorUnits int64
	Reference     string
	Timeout       time.Duration
}

// txListener forwards engine progress into the event stream.
type txListener struct {
	o        *Orchestrator
	deviceID coremodel.DeviceID
	txID     coremodel.TransactionID
}

func (l *txListener) OnProgress(message string) {
	l.o.emit(coremodel.Event{
		Type:     coremodel.EventDisplayMessage,
		DeviceID: l.deviceID,
		Message:  message,
	})
	l.o.emit(coremodel.Event{
		Type:     coremodel.EventTransactionStatus,
		DeviceID: l.deviceID,
		Message:  message,
	})
}

func (l *txListener) OnReceiptLine(line string) {
	l.o.emit(coremodel.Event{
		Type:         coremodel.EventPrintReceipt,
		DeviceID:     l.deviceID,
		ReceiptLines: []string{line},
	})
}

// ProcessPayment runs a sale on the selected (or default) terminal.
func (o *Orchestrator) ProcessPayment(ctx context.Context, amountMinorUnits int64, opts TransactionOptions) (*coremodel.Transaction, error) {
	return o.runTransaction(ctx, coremodel.TxSale, amountMinorUnits, opts, "")
}

// ProcessRefund runs a refund on the selected (or default) terminal.
func (o *Orchestrator) ProcessRefund(ctx context.Context, amountMinorUnits int64, opts TransactionOptions) (*coremodel.Transaction, error) {
	return o.runTransaction(ctx, coremodel.TxRefund, amountMinorUnits, opts, "")
}

// VoidTransaction reverses an existing transaction. Amount and currency
// are inherited from the original, which must exist and be approved.
func (o *Orchestrator) VoidTransaction(ctx context.Context, transactionID coremodel.TransactionID, deviceID coremodel.DeviceID) (*coremodel.Transaction, error) {
	orig, err := o.txs.Get(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: void: original: %w", err)
	}
	if orig.Status != coremodel.TxApproved {
		return nil, fmt.Errorf("orchestrator: void: original transaction is %s, not approved", orig.Status)
	}
	if deviceID == "" {
		deviceID = orig.DeviceID
	}
	opts := TransactionOptions{
		DeviceID:  deviceID,
		OrderID:   orig.OrderID,
		Currency:  orig.Currency,
		Reference: orig.TerminalReference,
	}
	return o.runTransaction(ctx, coremodel.TxVoid, orig.AmountMinorUnits, opts, orig.ID)
}

// CancelTransaction sends the protocol abort for the device's running
// transaction; the pending loop resolves as cancelled through the
// terminal's own response.
func (o *Orchestrator) CancelTransaction(ctx context.Context, deviceID coremodel.DeviceID) error {
	return o.sessions.Abort(ctx, deviceID)
}

// Settlement runs the end-of-day batch close on the selected (or
// default) terminal.
func (o *Orchestrator) Settlement(ctx context.Context, deviceID coremodel.DeviceID) (protocol.Result, error) {
	dev, err := o.resolveTerminal(ctx, deviceID)
	if err != nil {
		return protocol.Result{}, err
	}
	s, ok := o.sessions.Get(dev.ID)
	if !ok {
		return protocol.Result{}, fmt.Errorf("orchestrator: device %s not connected", dev.ID)
	}
	return s.Engine.Settlement(ctx), nil
}

// resolveTerminal picks the explicit device or the configured default.
func (o *Orchestrator) resolveTerminal(ctx context.Context, deviceID coremodel.DeviceID) (*coremodel.Device, error) {
	if deviceID != "" {
		return o.repo.GetDevice(ctx, deviceID)
	}
	return o.GetDefaultTerminal(ctx)
}

// runTransaction drives the full lifecycle: pending record, processing,
// command/response loop, completion bookkeeping and events.
func (o *Orchestrator) runTransaction(ctx context.Context, kind coremodel.TransactionKind, amount int64, opts TransactionOptions, original coremodel.TransactionID) (*coremodel.Transaction, error) {
	dev, err := o.resolveTerminal(ctx, opts.DeviceID)
	if err != nil {
		return nil, err
	}
	s, ok := o.sessions.Get(dev.ID)
	if !ok {
		return nil, fmt.Errorf("orchestrator: device %s not connected", dev.ID)
	}

	currency := opts.Currency
	if currency == "" {
		currency = o.cfg.Terminal.Currency
	}
	req := protocol.Request{
		Kind:             kind,
		AmountMinorUnits: amount,
		TipMinorUnits:    opts.TipMinorUnits,
		Currency:         currency,
		Reference:        opts.Reference,
		OrderID:          opts.OrderID,
		Timeout:          opts.Timeout,
	}

	rec, err := o.txs.Begin(ctx, dev.ID, req, original)
	if err != nil {
		return nil, err
	}
	o.emit(coremodel.Event{
		Type:        coremodel.EventTransactionStarted,
		DeviceID:    dev.ID,
		Transaction: rec,
	})

	s.Engine.SetListener(&txListener{o: o, deviceID: dev.ID, txID: rec.ID})
	started := time.Now()

	if _, err = o.txs.Transition(ctx, rec.ID, coremodel.TxProcessing); err != nil {
		return nil, err
	}
	result, err := o.sessions.Process(ctx, dev.ID, rec.ID, req)
	if err != nil {
		if errors.Is(err, session.ErrTransactionInProgress) {
			// the new record never reached the terminal
			if _, terr := o.txs.Complete(ctx, rec.ID, protocol.Result{
				Status:       coremodel.TxError,
				ErrorCode:    "TRANSACTION_IN_PROGRESS",
				ErrorMessage: "another transaction is in progress on this device",
			}); terr != nil {
				o.logger.Warn("failed to settle refused record", zap.Error(terr))
			}
			return nil, err
		}
		result = protocol.Result{Status: coremodel.TxError, ErrorMessage: err.Error()}
	}

	// a disconnect mid-flight aborts the transaction as cancelled
	if result.Status == coremodel.TxError {
		if _, still := o.sessions.Get(dev.ID); !still {
			result.Status = coremodel.TxCancelled
			result.ErrorMessage = "device disconnected during transaction"
		}
	}

	final, err := o.txs.Complete(ctx, rec.ID, result)
	if err != nil {
		return nil, err
	}
	if o.appm != nil {
		o.appm.TransactionsTotal.WithLabelValues(string(final.Status)).Inc()
		o.appm.TransactionSeconds.Observe(time.Since(started).Seconds())
	}
	o.emit(coremodel.Event{
		Type:        coremodel.EventTransactionCompleted,
		DeviceID:    dev.ID,
		Transaction: final,
	})
	if final.Status == coremodel.TxError {
		o.emit(coremodel.Event{
			Type:     coremodel.EventError,
			DeviceID: dev.ID,
			Message:  final.ErrorMessage,
		})
	}
	return final, nil
}

// GetRecentTransactions returns the newest records.
func (o *Orchestrator) GetRecentTransactions(ctx context.Context, limit int) ([]coremodel.Transaction, error) {
	return o.txs.Recent(ctx, limit)
}

// QueryTransactions returns the filtered record set.
func (o *Orchestrator) QueryTransactions(ctx context.Context, f storage.TransactionFilter) ([]coremodel.Transaction, error) {
	return o.txs.Query(ctx, f)
}

// GetTransactionStats aggregates the filtered record set.
func (o *Orchestrator) GetTransactionStats(ctx context.Context, f storage.TransactionFilter) (*storage.TransactionStats, error) {
	return o.txs.Stats(ctx, f)
}

// GetTransactionForOrder returns the newest transaction for an order.
func (o *Orchestrator) GetTransactionForOrder(ctx context.Context, orderID string) (*coremodel.Transaction, error) {
	return o.txs.ForOrder(ctx, orderID)
}
