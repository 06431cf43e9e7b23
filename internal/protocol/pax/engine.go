package pax

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol"
	"github.com/kassenwerk/periphd/internal/transport"
)

// Response codes at field position 1.
const (
	respApproved        = "000000"
	respPartialApproval = "000100"
	respDeclined        = "100000"
	respUserCancelled   = "100001"
	respHostTimeout     = "100010"
)

// maxReferenceLen caps field 5.
const maxReferenceLen = 16

// Config carries the PAX engine tunables.
type Config struct {
	// EDCType selects the tender type sent in field 6.
	EDCType string
	// TransactionTimeout bounds the wait for the terminal's response.
	TransactionTimeout time.Duration
}

func (c *Config) defaults() {
	if c.EDCType == "" {
		c.EDCType = "CREDIT"
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = 90 * time.Second
	}
}

// Engine drives a PAX terminal over one transport.
type Engine struct {
	t        transport.Transport
	cfg      Config
	logger   *zap.Logger
	listener protocol.Listener
}

// New builds a PAX engine on t.
func New(t transport.Transport, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{t: t, cfg: cfg, logger: logger.With(zap.String("protocol", "pax")), listener: protocol.NopListener{}}
}

func (e *Engine) Protocol() coremodel.Protocol { return coremodel.ProtocolPAX }

// SetListener installs the progress listener.
func (e *Engine) SetListener(l protocol.Listener) {
	if l == nil {
		l = protocol.NopListener{}
	}
	e.listener = l
}

// Initialize runs the A00 handshake.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.t.Send(ctx, BuildFrame(cmdInitialize, nil)); err != nil {
		return fmt.Errorf("pax: initialize send: %w", err)
	}
	frame, err := readFrame(ctx, e.t, e.cfg.TransactionTimeout)
	if err != nil {
		return fmt.Errorf("pax: initialize: %w", err)
	}
	if code := frame.Field(1); code != respApproved {
		return fmt.Errorf("pax: initialize refused: %s", responseMessage(code))
	}
	return nil
}

// ProcessTransaction sends a credit command and parses the response.
func (e *Engine) ProcessTransaction(ctx context.Context, req protocol.Request) protocol.Result {
	transType, err := transTypeFor(req.Kind)
	if err != nil {
		return errorResult(err)
	}
	if req.AmountMinorUnits < 0 {
		return errorResult(fmt.Errorf("negative amount"))
	}
	ref := req.Reference
	if len(ref) > maxReferenceLen {
		ref = ref[:maxReferenceLen]
	}
	fields := []string{
		transType,
		strconv.FormatInt(req.AmountMinorUnits, 10),
		strconv.FormatInt(req.TipMinorUnits, 10),
		"0", // cashback
		ref,
		e.cfg.EDCType,
		req.OrderID,
	}
	if err := e.t.Send(ctx, BuildFrame(cmdCredit, fields)); err != nil {
		return errorResult(fmt.Errorf("send transaction: %w", err))
	}
	e.listener.OnProgress("waiting for terminal")

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TransactionTimeout
	}
	frame, err := readFrame(ctx, e.t, timeout)
	if err != nil {
		if transport.IsTimeout(err) {
			return protocol.Result{Status: coremodel.TxTimeout, ErrorMessage: "terminal did not respond in time"}
		}
		return errorResult(fmt.Errorf("receive: %w", err))
	}
	return parseResponse(frame)
}

// transTypeFor maps the request kind to the wire code.
func transTypeFor(kind coremodel.TransactionKind) (string, error) {
	switch kind {
	case coremodel.TxSale:
		return transSale, nil
	case coremodel.TxRefund:
		return transReturn, nil
	case coremodel.TxVoid:
		return transVoid, nil
	case coremodel.TxPreAuth:
		return transAuth, nil
	case coremodel.TxPreAuthComplete:
		return transPostAuth, nil
	}
	return "", fmt.Errorf("unsupported transaction kind %q", kind)
}

// parseResponse classifies the response code and pulls the optional card
// fields. Field positions follow the common sale/refund responses; they
// are command-dependent on some firmware.
func parseResponse(frame Frame) protocol.Result {
	code := frame.Field(1)
	res := protocol.Result{
		Status:            statusFromResponse(code),
		AuthorizationCode: frame.Field(4),
		TerminalReference: frame.Field(5),
	}
	if res.Status != coremodel.TxApproved {
		res.ErrorCode = code
		res.ErrorMessage = responseMessage(code)
	}
	if pan := frame.Field(8); pan != "" {
		res.CardLastFour = lastFourDigits(pan)
	}
	if ct := frame.Field(9); ct != "" {
		res.CardType = cardTypeFromName(ct)
	}
	if em := frame.Field(10); em != "" {
		res.EntryMethod = entryMethodFromCode(em)
	}
	return res
}

func statusFromResponse(code string) coremodel.TransactionStatus {
	switch code {
	case respApproved, respPartialApproval:
		return coremodel.TxApproved
	case respDeclined:
		return coremodel.TxDeclined
	case respUserCancelled:
		return coremodel.TxCancelled
	case respHostTimeout:
		return coremodel.TxTimeout
	}
	return coremodel.TxError
}

func responseMessage(code string) string {
	switch code {
	case respApproved:
		return "Approved"
	case respPartialApproval:
		return "Partially approved"
	case respDeclined:
		return "Transaction declined"
	case respUserCancelled:
		return "Cancelled by user"
	case respHostTimeout:
		return "Authorization host timeout"
	}
	return "Terminal error " + code
}

// lastFourDigits trims a masked PAN to its trailing digits.
func lastFourDigits(pan string) string {
	var digits []byte
	for i := 0; i < len(pan); i++ {
		if pan[i] >= '0' && pan[i] <= '9' {
			digits = append(digits, pan[i])
		}
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return string(digits)
}

func cardTypeFromName(name string) coremodel.CardType {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "VISA":
		return coremodel.CardVisa
	case "MASTERCARD", "MC":
		return coremodel.CardMastercard
	case "AMEX", "AMERICAN EXPRESS":
		return coremodel.CardAmex
	case "MAESTRO":
		return coremodel.CardMaestro
	}
	return coremodel.CardUnknown
}

func entryMethodFromCode(code string) coremodel.EntryMethod {
	switch code {
	case "C":
		return coremodel.EntryChip
	case "L":
		return coremodel.EntryContactless
	case "S":
		return coremodel.EntrySwipe
	case "M":
		return coremodel.EntryManual
	}
	return coremodel.EntryUnknown
}

// Abort resets the terminal; the pending credit command resolves with a
// user-cancelled response.
func (e *Engine) Abort(ctx context.Context) error {
	return e.t.Send(ctx, BuildFrame(cmdReset, nil))
}

// StatusEnquiry sends A14 and reads model/serial from the info response.
func (e *Engine) StatusEnquiry(ctx context.Context) (protocol.TerminalInfo, error) {
	if err := e.t.Send(ctx, BuildFrame(cmdGetInfo, nil)); err != nil {
		return protocol.TerminalInfo{}, err
	}
	frame, err := readFrame(ctx, e.t, e.cfg.TransactionTimeout)
	if err != nil {
		return protocol.TerminalInfo{}, err
	}
	if code := frame.Field(1); code != respApproved {
		return protocol.TerminalInfo{}, fmt.Errorf("pax: get info refused: %s", responseMessage(code))
	}
	return protocol.TerminalInfo{
		Online: true,
		Model:  frame.Field(2),
		Serial: frame.Field(3),
	}, nil
}

// Settlement runs the B00 batch close.
func (e *Engine) Settlement(ctx context.Context) protocol.Result {
	if err := e.t.Send(ctx, BuildFrame(cmdBatchClose, nil)); err != nil {
		return errorResult(fmt.Errorf("send batch close: %w", err))
	}
	frame, err := readFrame(ctx, e.t, e.cfg.TransactionTimeout)
	if err != nil {
		if transport.IsTimeout(err) {
			return protocol.Result{Status: coremodel.TxTimeout, ErrorMessage: "terminal did not respond in time"}
		}
		return errorResult(err)
	}
	return parseResponse(frame)
}

func errorResult(err error) protocol.Result {
	return protocol.Result{Status: coremodel.TxError, ErrorMessage: err.Error()}
}
