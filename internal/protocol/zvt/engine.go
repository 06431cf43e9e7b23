package zvt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol"
	"github.com/kassenwerk/periphd/internal/transport"
	"github.com/kassenwerk/periphd/internal/wire"
)

// Config carries the ZVT engine tunables.
type Config struct {
	// Password is the 6-digit terminal password sent at registration.
	Password string
	// Currency is the alphabetic ISO-4217 default.
	Currency string
	// PrintOnPOS sets bit 7 of the registration config byte: receipts are
	// produced by the POS, not the terminal.
	PrintOnPOS bool
	// PollTimeout bounds each receive while a transaction runs.
	PollTimeout time.Duration
	// TransactionTimeout bounds the whole command/response loop.
	TransactionTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Password == "" {
		c.Password = "000000"
	}
	if c.Currency == "" {
		c.Currency = "EUR"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = 90 * time.Second
	}
}

// Engine drives a ZVT payment terminal over one transport. It is the sole
// caller of the transport and serializes send/receive itself.
type Engine struct {
	t        transport.Transport
	cfg      Config
	logger   *zap.Logger
	listener protocol.Listener
}

// New builds a ZVT engine on t.
func New(t transport.Transport, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{t: t, cfg: cfg, logger: logger.With(zap.String("protocol", "zvt")), listener: protocol.NopListener{}}
}

func (e *Engine) Protocol() coremodel.Protocol { return coremodel.ProtocolZVT }

// SetListener installs the progress listener.
func (e *Engine) SetListener(l protocol.Listener) {
	if l == nil {
		l = protocol.NopListener{}
	}
	e.listener = l
}

// ack sends the positive acknowledge frame.
func (e *Engine) ack(ctx context.Context) error {
	return e.t.Send(ctx, []byte{0x80, 0x00, 0x00})
}

func (e *Engine) send(ctx context.Context, command int, payload []byte) error {
	frame, err := BuildFrame(byte(command>>8), byte(command), payload)
	if err != nil {
		return err
	}
	return e.t.Send(ctx, frame)
}

// Initialize sends the registration command and waits for its completion.
// A negative completion aborts initialization.
func (e *Engine) Initialize(ctx context.Context) error {
	payload, err := e.registrationPayload()
	if err != nil {
		return err
	}
	if err := e.send(ctx, cmdRegistration, payload); err != nil {
		return fmt.Errorf("zvt: registration send: %w", err)
	}

	deadline := time.Now().Add(e.cfg.TransactionTimeout)
	for time.Now().Before(deadline) {
		apdu, err := readAPDU(ctx, e.t, e.cfg.PollTimeout)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return fmt.Errorf("zvt: registration: %w", err)
		}
		switch apdu.Command() {
		case rspPositiveACK:
			continue
		case rspIntermediate:
			e.emitIntermediate(ctx, apdu)
			continue
		case rspCompletion:
			_ = e.ack(ctx)
			if code, ok := completionResult(apdu.Payload); ok && code != resultOK {
				return fmt.Errorf("zvt: registration rejected: %s", resultMessage(code))
			}
			return nil
		case rspNegativeACK:
			code := nakCode(apdu)
			return fmt.Errorf("zvt: registration refused: %s", resultMessage(code))
		default:
			e.logger.Debug("unexpected frame during registration", zap.String("apdu", apdu.String()))
		}
	}
	return fmt.Errorf("zvt: registration timed out")
}

// registrationPayload encodes password, config byte and currency.
func (e *Engine) registrationPayload() ([]byte, error) {
	pw, err := strconv.ParseUint(e.cfg.Password, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("zvt: password must be numeric: %w", err)
	}
	payload, err := wire.IntToBCD(pw, 3)
	if err != nil {
		return nil, err
	}
	var cfgByte byte
	if e.cfg.PrintOnPOS {
		cfgByte |= 0x80
	}
	payload = append(payload, cfgByte)
	num, ok := protocol.CurrencyNumber(e.cfg.Currency)
	if !ok {
		return nil, fmt.Errorf("zvt: unsupported currency %q", e.cfg.Currency)
	}
	cc, err := wire.IntToBCD(uint64(num), 2)
	if err != nil {
		return nil, err
	}
	return append(payload, cc...), nil
}

// ProcessTransaction runs the full command/response loop for req.
func (e *Engine) ProcessTransaction(ctx context.Context, req protocol.Request) protocol.Result {
	command, payload, err := e.transactionCommand(req)
	if err != nil {
		return errorResult(err)
	}
	if err := e.send(ctx, command, payload); err != nil {
		return errorResult(fmt.Errorf("send transaction: %w", err))
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TransactionTimeout
	}
	return e.transactionLoop(ctx, timeout)
}

// transactionCommand resolves the APDU and payload for req.
func (e *Engine) transactionCommand(req protocol.Request) (int, []byte, error) {
	currency := req.Currency
	if currency == "" {
		currency = e.cfg.Currency
	}
	num, ok := protocol.CurrencyNumber(currency)
	if !ok {
		return 0, nil, fmt.Errorf("unsupported currency %q", currency)
	}

	switch req.Kind {
	case coremodel.TxSale, coremodel.TxRefund, coremodel.TxPreAuth:
		command := cmdAuthorization
		switch req.Kind {
		case coremodel.TxRefund:
			command = cmdRefund
		case coremodel.TxPreAuth:
			command = cmdPreAuth
		}
		if req.AmountMinorUnits < 0 {
			return 0, nil, fmt.Errorf("negative amount")
		}
		payload, err := appendAmount(nil, uint64(req.AmountMinorUnits))
		if err != nil {
			return 0, nil, err
		}
		payload, err = appendCurrency(payload, num)
		if err != nil {
			return 0, nil, err
		}
		return command, payload, nil

	case coremodel.TxVoid:
		var payload []byte
		if req.Reference != "" {
			trace, err := strconv.ParseUint(req.Reference, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("reversal needs the numeric trace of the original: %w", err)
			}
			payload, err = appendTrace(nil, trace)
			if err != nil {
				return 0, nil, err
			}
		}
		return cmdReversal, payload, nil

	case coremodel.TxPreAuthComplete:
		// the command table carries no booking instruction for this
		// terminal family
		return 0, nil, fmt.Errorf("pre-auth completion not supported on zvt")
	}
	return 0, nil, fmt.Errorf("unsupported transaction kind %q", req.Kind)
}

// transactionLoop reads frames until completion, negative ACK or the
// overall timeout. Malformed intermediate frames are dropped; the loop
// keeps waiting.
func (e *Engine) transactionLoop(ctx context.Context, timeout time.Duration) protocol.Result {
	deadline := time.Now().Add(timeout)
	var receipt []string

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return errorResult(ctx.Err())
		}
		poll := e.cfg.PollTimeout
		if remain := time.Until(deadline); remain < poll {
			poll = remain
		}
		apdu, err := readAPDU(ctx, e.t, poll)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return errorResult(fmt.Errorf("receive: %w", err))
		}

		switch apdu.Command() {
		case rspIntermediate:
			e.emitIntermediate(ctx, apdu)

		case rspPrintLine, rspPrintBlock:
			lines := splitPrintLines(apdu.Payload)
			receipt = append(receipt, lines...)
			for _, l := range lines {
				e.listener.OnReceiptLine(l)
			}
			_ = e.ack(ctx)

		case rspCompletion:
			res := e.parseCompletion(apdu.Payload)
			res.CustomerReceipt = receipt
			_ = e.ack(ctx)
			return res

		case rspPositiveACK:
			continue

		case rspNegativeACK:
			code := nakCode(apdu)
			return protocol.Result{
				Status:       coremodel.TxError,
				ErrorCode:    fmt.Sprintf("0x%02X", code),
				ErrorMessage: resultMessage(code),
			}

		default:
			// one malformed or foreign frame must not kill a running
			// transaction
			e.logger.Debug("ignoring frame", zap.String("apdu", apdu.String()))
		}
	}
	return protocol.Result{Status: coremodel.TxTimeout, ErrorMessage: "terminal did not complete in time"}
}

// emitIntermediate surfaces the additional-text field as progress and
// acknowledges the frame.
func (e *Engine) emitIntermediate(ctx context.Context, apdu APDU) {
	if tlv, err := wire.ParseTLV(apdu.Payload); err == nil {
		if text, ok := tlv.Get(bmpText); ok {
			e.listener.OnProgress(string(text))
		}
	}
	_ = e.ack(ctx)
}

// parseCompletion extracts result code, card data and auth code from a
// completion payload.
func (e *Engine) parseCompletion(payload []byte) protocol.Result {
	res := protocol.Result{Status: coremodel.TxApproved}
	tlv, err := wire.ParseTLV(payload)
	if err != nil {
		return errorResult(fmt.Errorf("malformed completion: %w", err))
	}
	code := byte(resultOK)
	if v, ok := tlv.Get(bmpResultCode); ok && len(v) > 0 {
		code = v[0]
	}
	res.Status = statusFromResult(code)
	if res.Status != coremodel.TxApproved {
		res.ErrorCode = fmt.Sprintf("0x%02X", code)
		res.ErrorMessage = resultMessage(code)
	}
	if v, ok := tlv.Get(bmpAuthCode); ok {
		res.AuthorizationCode = string(v)
	}
	if v, ok := tlv.Get(bmpCardPAN); ok {
		res.CardLastFour = panLastFour(v)
	}
	if v, ok := tlv.Get(bmpCardType); ok && len(v) > 0 {
		res.CardType = cardTypeFromID(v[0])
	}
	return res
}

// Abort asks the terminal to cancel. The running transaction loop resolves
// through the terminal's own final response (typically result 0x6C).
func (e *Engine) Abort(ctx context.Context) error {
	return e.send(ctx, cmdAbort, nil)
}

// StatusEnquiry probes the terminal with 05/01.
func (e *Engine) StatusEnquiry(ctx context.Context) (protocol.TerminalInfo, error) {
	if err := e.send(ctx, cmdStatusEnquiry, nil); err != nil {
		return protocol.TerminalInfo{}, err
	}
	deadline := time.Now().Add(e.cfg.PollTimeout * 2)
	for time.Now().Before(deadline) {
		apdu, err := readAPDU(ctx, e.t, e.cfg.PollTimeout)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return protocol.TerminalInfo{}, err
		}
		switch apdu.Command() {
		case rspCompletion:
			_ = e.ack(ctx)
			return protocol.TerminalInfo{Online: true}, nil
		case rspPositiveACK:
			return protocol.TerminalInfo{Online: true}, nil
		case rspIntermediate:
			e.emitIntermediate(ctx, apdu)
		case rspNegativeACK:
			code := nakCode(apdu)
			return protocol.TerminalInfo{}, fmt.Errorf("zvt: status refused: %s", resultMessage(code))
		}
	}
	return protocol.TerminalInfo{}, fmt.Errorf("zvt: status enquiry timed out")
}

// Settlement runs the end-of-day batch close.
func (e *Engine) Settlement(ctx context.Context) protocol.Result {
	pw, err := strconv.ParseUint(e.cfg.Password, 10, 64)
	if err != nil {
		return errorResult(err)
	}
	payload, err := wire.IntToBCD(pw, 3)
	if err != nil {
		return errorResult(err)
	}
	if err := e.send(ctx, cmdEndOfDay, payload); err != nil {
		return errorResult(fmt.Errorf("send end-of-day: %w", err))
	}
	return e.transactionLoop(ctx, e.cfg.TransactionTimeout)
}

// completionResult pulls BMP 27 out of a completion payload.
func completionResult(payload []byte) (byte, bool) {
	tlv, err := wire.ParseTLV(payload)
	if err != nil {
		return 0, false
	}
	v, ok := tlv.Get(bmpResultCode)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// nakCode extracts the error code of a negative ACK.
func nakCode(apdu APDU) byte {
	if len(apdu.Payload) > 0 {
		return apdu.Payload[0]
	}
	return 0xFF
}

func errorResult(err error) protocol.Result {
	return protocol.Result{Status: coremodel.TxError, ErrorMessage: err.Error()}
}
