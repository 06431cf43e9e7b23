package genericecr

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol"
	"github.com/kassenwerk/periphd/internal/transport"
	"github.com/kassenwerk/periphd/internal/wire"
)

// Response codes. The protocol defines only the trivial path; error
// sub-codes are not enumerated and none are invented here.
const (
	respApproved  = 0x00
	respDeclined  = 0x01
	respCancelled = 0x02
	respTimeout   = 0x03
)

// referenceLen is the fixed, space-padded reference field width.
const referenceLen = 20

// Config carries the generic engine tunables.
type Config struct {
	// ExtendedLength switches the frame length field to three bytes.
	ExtendedLength bool
	// PollTimeout bounds each receive while waiting for the response.
	PollTimeout time.Duration
	// TransactionTimeout bounds the whole exchange.
	TransactionTimeout time.Duration
}

func (c *Config) defaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = 90 * time.Second
	}
}

// Engine drives a generic-protocol terminal over one transport.
type Engine struct {
	t        transport.Transport
	cfg      Config
	logger   *zap.Logger
	listener protocol.Listener
}

// New builds a generic ECR engine on t.
func New(t transport.Transport, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{t: t, cfg: cfg, logger: logger.With(zap.String("protocol", "generic-ecr")), listener: protocol.NopListener{}}
}

func (e *Engine) Protocol() coremodel.Protocol { return coremodel.ProtocolGenericECR }

// SetListener installs the progress listener.
func (e *Engine) SetListener(l protocol.Listener) {
	if l == nil {
		l = protocol.NopListener{}
	}
	e.listener = l
}

// Initialize is a status probe; the generic protocol has no registration.
func (e *Engine) Initialize(ctx context.Context) error {
	_, err := e.StatusEnquiry(ctx)
	return err
}

// ProcessTransaction sends the command and waits for its response,
// surfacing intermediate status frames as progress.
func (e *Engine) ProcessTransaction(ctx context.Context, req protocol.Request) protocol.Result {
	cmd, err := commandFor(req.Kind)
	if err != nil {
		return errorResult(err)
	}
	payload, err := transactionPayload(req)
	if err != nil {
		return errorResult(err)
	}
	frame, err := BuildFrame(cmd, payload, e.cfg.ExtendedLength)
	if err != nil {
		return errorResult(err)
	}
	if err := e.t.Send(ctx, frame); err != nil {
		return errorResult(fmt.Errorf("send transaction: %w", err))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TransactionTimeout
	}
	return e.awaitResponse(ctx, timeout)
}

// awaitResponse reads frames until a non-intermediate one arrives or the
// timeout elapses.
func (e *Engine) awaitResponse(ctx context.Context, timeout time.Duration) protocol.Result {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return errorResult(ctx.Err())
		}
		poll := e.cfg.PollTimeout
		if remain := time.Until(deadline); remain < poll {
			poll = remain
		}
		frame, err := readFrame(ctx, e.t, poll, e.cfg.ExtendedLength)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return errorResult(fmt.Errorf("receive: %w", err))
		}
		if frame.Cmd >= cmdIntermediateLo && frame.Cmd <= cmdIntermediateHi {
			e.listener.OnProgress(string(frame.Data))
			continue
		}
		return parseResponse(frame.Data)
	}
	return protocol.Result{Status: coremodel.TxTimeout, ErrorMessage: "terminal did not respond in time"}
}

// commandFor maps the request kind to the command byte.
func commandFor(kind coremodel.TransactionKind) (byte, error) {
	switch kind {
	case coremodel.TxSale:
		return CmdSale, nil
	case coremodel.TxRefund:
		return CmdRefund, nil
	case coremodel.TxVoid:
		return CmdVoid, nil
	case coremodel.TxPreAuth:
		return CmdPreAuth, nil
	case coremodel.TxPreAuthComplete:
		return CmdPreAuthComplete, nil
	}
	return 0, fmt.Errorf("unsupported transaction kind %q", kind)
}

// transactionPayload renders amount, currency and the padded reference.
func transactionPayload(req protocol.Request) ([]byte, error) {
	if req.AmountMinorUnits < 0 || req.AmountMinorUnits > 0xFFFFFFFF {
		return nil, fmt.Errorf("amount out of range")
	}
	num, ok := protocol.CurrencyNumber(req.Currency)
	if !ok {
		return nil, fmt.Errorf("unsupported currency %q", req.Currency)
	}
	payload := wire.PutU32(nil, uint32(req.AmountMinorUnits))
	payload = wire.PutU16(payload, num)
	ref := req.Reference
	if len(ref) > referenceLen {
		ref = ref[:referenceLen]
	}
	payload = append(payload, ref...)
	for i := len(ref); i < referenceLen; i++ {
		payload = append(payload, ' ')
	}
	return payload, nil
}

// parseResponse decodes the response payload: code, then card data on
// approval.
func parseResponse(data []byte) protocol.Result {
	if len(data) < 1 {
		return errorResult(fmt.Errorf("empty response"))
	}
	code := data[0]
	res := protocol.Result{Status: statusFromCode(code)}
	if res.Status != coremodel.TxApproved {
		res.ErrorCode = fmt.Sprintf("0x%02X", code)
		res.ErrorMessage = responseMessage(code)
		return res
	}
	rest := data[1:]
	if len(rest) >= 6 {
		res.AuthorizationCode = string(rest[:6])
		rest = rest[6:]
	}
	if len(rest) >= 4 {
		res.CardLastFour = string(rest[:4])
		rest = rest[4:]
	}
	if len(rest) >= 1 {
		res.CardType = cardTypeFromID(rest[0])
		rest = rest[1:]
	}
	if len(rest) >= 1 {
		res.EntryMethod = entryMethodFromID(rest[0])
	}
	return res
}

func statusFromCode(code byte) coremodel.TransactionStatus {
	switch code {
	case respApproved:
		return coremodel.TxApproved
	case respDeclined:
		return coremodel.TxDeclined
	case respCancelled:
		return coremodel.TxCancelled
	case respTimeout:
		return coremodel.TxTimeout
	}
	return coremodel.TxError
}

func responseMessage(code byte) string {
	switch code {
	case respDeclined:
		return "Transaction declined"
	case respCancelled:
		return "Transaction cancelled"
	case respTimeout:
		return "Authorization host timeout"
	}
	return fmt.Sprintf("Terminal error 0x%02X", code)
}

func cardTypeFromID(id byte) coremodel.CardType {
	switch id {
	case 0x01:
		return coremodel.CardVisa
	case 0x02:
		return coremodel.CardMastercard
	case 0x03:
		return coremodel.CardAmex
	case 0x04:
		return coremodel.CardMaestro
	}
	return coremodel.CardUnknown
}

func entryMethodFromID(id byte) coremodel.EntryMethod {
	switch id {
	case 0x01:
		return coremodel.EntryChip
	case 0x02:
		return coremodel.EntryContactless
	case 0x03:
		return coremodel.EntrySwipe
	case 0x04:
		return coremodel.EntryManual
	}
	return coremodel.EntryUnknown
}

// Abort sends the abort command; the outstanding exchange resolves with
// the terminal's cancelled response.
func (e *Engine) Abort(ctx context.Context) error {
	frame, err := BuildFrame(CmdAbort, nil, e.cfg.ExtendedLength)
	if err != nil {
		return err
	}
	return e.t.Send(ctx, frame)
}

// StatusEnquiry sends the status command and expects an approved response.
func (e *Engine) StatusEnquiry(ctx context.Context) (protocol.TerminalInfo, error) {
	frame, err := BuildFrame(CmdStatus, nil, e.cfg.ExtendedLength)
	if err != nil {
		return protocol.TerminalInfo{}, err
	}
	if err := e.t.Send(ctx, frame); err != nil {
		return protocol.TerminalInfo{}, err
	}
	res := e.awaitResponse(ctx, e.cfg.PollTimeout*2)
	if res.Status != coremodel.TxApproved {
		return protocol.TerminalInfo{}, fmt.Errorf("genericecr: status enquiry: %s", res.ErrorMessage)
	}
	return protocol.TerminalInfo{Online: true}, nil
}

// Settlement runs the settlement command.
func (e *Engine) Settlement(ctx context.Context) protocol.Result {
	frame, err := BuildFrame(CmdSettlement, nil, e.cfg.ExtendedLength)
	if err != nil {
		return errorResult(err)
	}
	if err := e.t.Send(ctx, frame); err != nil {
		return errorResult(fmt.Errorf("send settlement: %w", err))
	}
	return e.awaitResponse(ctx, e.cfg.TransactionTimeout)
}

func errorResult(err error) protocol.Result {
	return protocol.Result{Status: coremodel.TxError, ErrorMessage: err.Error()}
}
