// Package protocol defines the engine contract shared by the ZVT, PAX and
// generic ECR implementations: transaction requests, results and the
// progress listener. Engines own the command/response loop on their
// transport and serialize all access to it.
package protocol

import (
	"context"
	"time"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// Request describes one terminal operation.
type Request struct {
	Kind             coremodel.TransactionKind
	AmountMinorUnits int64
	TipMinorUnits    int64
	Currency         string
	Reference        string
	OrderID          string
	Timeout          time.Duration
}

// Result is the terminal's final answer. Engines always return a Result;
// low-level transport failures are folded into StatusError with the cause
// in ErrorMessage.
type Result struct {
	Status            coremodel.TransactionStatus
	AuthorizationCode string
	TerminalReference string
	CardType          coremodel.CardType
	CardLastFour      string
	EntryMethod       coremodel.EntryMethod
	CardholderName    string
	CustomerReceipt   []string
	MerchantReceipt   []string
	ErrorCode         string
	ErrorMessage      string
}

// TerminalInfo is returned by a status enquiry.
type TerminalInfo struct {
	Online   bool
	Model    string
	Serial   string
	Firmware string
}

// Listener observes intermediate progress while a transaction runs.
// Callbacks arrive on the engine's loop and must not block.
type Listener interface {
	OnProgress(message string)
	OnReceiptLine(line string)
}

// NopListener discards all progress.
type NopListener struct{}

func (NopListener) OnProgress(string)    {}
func (NopListener) OnReceiptLine(string) {}

// Engine drives one wire protocol over one transport.
type Engine interface {
	// Protocol names the wire protocol the engine speaks.
	Protocol() coremodel.Protocol
	// Initialize performs the protocol's registration/handshake.
	Initialize(ctx context.Context) error
	// ProcessTransaction runs the full command/response loop for req.
	ProcessTransaction(ctx context.Context, req Request) Result
	// Abort asks the terminal to cancel the transaction in flight. The
	// pending loop still resolves through the terminal's own final
	// response.
	Abort(ctx context.Context) error
	// StatusEnquiry probes the terminal.
	StatusEnquiry(ctx context.Context) (TerminalInfo, error)
	// Settlement runs the end-of-day batch close.
	Settlement(ctx context.Context) Result
	// SetListener installs the progress listener.
	SetListener(l Listener)
}

// CurrencyNumber maps ISO-4217 alphabetic codes used by the engines to
// their numeric form.
func CurrencyNumber(code string) (uint16, bool) {
	switch code {
	case "EUR", "":
		return 978, true
	case "USD":
		return 840, true
	case "GBP":
		return 826, true
	case "CHF":
		return 756, true
	}
	return 0, false
}
