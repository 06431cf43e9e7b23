package pax

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol"
	"github.com/kassenwerk/periphd/internal/protocol/ptest"
	"github.com/kassenwerk/periphd/internal/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	fields := []string{"01", "1234", "0", "0", "order-17", "CREDIT", "INV01"}
	raw := BuildFrame("T00", fields)

	assert.Equal(t, byte(0x02), raw[0])
	// LRC covers CMD..ETX inclusive
	assert.Equal(t, wire.LRC(raw[1:len(raw)-1]), raw[len(raw)-1])

	frame, consumed, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	assert.Equal(t, "T00", frame.Command)
	assert.Equal(t, "1.28", frame.Version)
	for i, want := range fields {
		assert.Equal(t, want, frame.Field(i+1))
	}
	assert.Equal(t, "", frame.Field(len(fields)+1))
}

func TestParseFrameBadLRC(t *testing.T) {
	raw := BuildFrame("T00", []string{"01"})
	raw[len(raw)-1] ^= 0x01
	_, _, err := ParseFrame(raw)
	assert.ErrorIs(t, err, ErrBadLRC)
}

func TestParseFrameIncomplete(t *testing.T) {
	raw := BuildFrame("T00", []string{"01"})
	_, _, err := ParseFrame(raw[:len(raw)-2])
	assert.ErrorIs(t, err, ErrNoFrame)
}

func testEngine(ft *ptest.Transport) *Engine {
	return New(ft, Config{TransactionTimeout: time.Second}, zap.NewNop())
}

func TestRefundDeclined(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)

	// terminal declines the 5.00 USD return
	ft.Queue(BuildFrame("T00", []string{respDeclined}))

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxRefund,
		AmountMinorUnits: 500,
		Currency:         "USD",
		Reference:        "ref-0000000017",
		OrderID:          "order-17",
	})

	assert.Equal(t, coremodel.TxDeclined, res.Status)
	assert.Equal(t, "100000", res.ErrorCode)
	assert.Equal(t, "Transaction declined", res.ErrorMessage)

	// outgoing credit command: trans-type 02 (return), amount 500, EDC CREDIT
	require.Len(t, ft.Sent, 1)
	sent, _, err := ParseFrame(ft.Sent[0])
	require.NoError(t, err)
	assert.Equal(t, "T00", sent.Command)
	assert.Equal(t, "02", sent.Field(1))
	assert.Equal(t, "500", sent.Field(2))
	assert.Equal(t, "0", sent.Field(3))
	assert.Equal(t, "0", sent.Field(4))
	assert.Equal(t, "ref-0000000017", sent.Field(5))
	assert.Equal(t, "CREDIT", sent.Field(6))
	assert.Equal(t, "order-17", sent.Field(7))
}

func TestSaleApprovedWithCardData(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)

	ft.Queue(BuildFrame("T00", []string{
		respApproved, "", "", "AUTH42", "TREF99", "", "",
		"************4242", "VISA", "L",
	}))

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 2500,
	})

	assert.Equal(t, coremodel.TxApproved, res.Status)
	assert.Equal(t, "AUTH42", res.AuthorizationCode)
	assert.Equal(t, "TREF99", res.TerminalReference)
	assert.Equal(t, "4242", res.CardLastFour)
	assert.Equal(t, coremodel.CardVisa, res.CardType)
	assert.Equal(t, coremodel.EntryContactless, res.EntryMethod)
}

func TestUserCancelled(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)
	ft.Queue(BuildFrame("T00", []string{respUserCancelled}))

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 100,
	})
	assert.Equal(t, coremodel.TxCancelled, res.Status)
}

func TestReferenceTruncatedTo16(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)
	ft.Queue(BuildFrame("T00", []string{respApproved}))

	_ = e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 1,
		Reference:        "12345678901234567890",
	})
	sent, _, err := ParseFrame(ft.Sent[0])
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456", sent.Field(5))
}

func TestTimeoutMapsToTimeoutStatus(t *testing.T) {
	ft := ptest.New()
	e := New(ft, Config{TransactionTimeout: 50 * time.Millisecond}, zap.NewNop())

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 100,
	})
	assert.Equal(t, coremodel.TxTimeout, res.Status)
}

func TestFrameReassemblyAcrossChunks(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)

	raw := BuildFrame("T00", []string{respApproved, "", "", "AUTH1"})
	ft.Queue(raw[:3], raw[3:7], raw[7:])

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 100,
	})
	assert.Equal(t, coremodel.TxApproved, res.Status)
	assert.Equal(t, "AUTH1", res.AuthorizationCode)
}

func TestAbortSendsReset(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)
	require.NoError(t, e.Abort(context.Background()))
	sent, _, err := ParseFrame(ft.Sent[0])
	require.NoError(t, err)
	assert.Equal(t, cmdReset, sent.Command)
}
