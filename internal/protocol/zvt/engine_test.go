package zvt

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
)

type recordingListener struct {
	progress []string
	receipt  []string
}

func (r *recordingListener) OnProgress(m string)    { r.progress = append(r.progress, m) }
func (r *recordingListener) OnReceiptLine(l string) { r.receipt = append(r.receipt, l) }

func testEngine(t *ptest.Transport) *Engine {
	return New(t, Config{
		Currency:           "EUR",
		PollTimeout:        50 * time.Millisecond,
		TransactionTimeout: time.Second,
	}, zap.NewNop())
}

func TestSaleApproved(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)
	lis := &recordingListener{}
	e.SetListener(lis)

	// intermediate "ok", then completion: result 0x00, PAN tail 12 34,
	// card type 2 (visa), auth code 123456
	inter, err := BuildFrame(0x04, 0xFF, []byte{0x2A, 0x02, 'o', 'k'})
	require.NoError(t, err)
	completion, err := BuildFrame(0x06, 0x0F, []byte{
		0x27, 0x01, 0x00,
		0x22, 0x02, 0x12, 0x34,
		0x8A, 0x01, 0x02,
		0x3B, 0x06, '1', '2', '3', '4', '5', '6',
	})
	require.NoError(t, err)
	ft.Queue(inter, completion)

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 1234,
		Currency:         "EUR",
	})

	assert.Equal(t, coremodel.TxApproved, res.Status)
	assert.Equal(t, "123456", res.AuthorizationCode)
	assert.Equal(t, "1234", res.CardLastFour)
	assert.Equal(t, coremodel.CardVisa, res.CardType)
	assert.Equal(t, []string{"ok"}, lis.progress)

	// the sale command carries BMP 04 amount and BMP 49 currency
	require.GreaterOrEqual(t, len(ft.Sent), 3)
	cmd := ft.Sent[0]
	assert.Equal(t, byte(0x06), cmd[0])
	assert.Equal(t, byte(0x01), cmd[1])
	assert.Equal(t, []byte{0x04, 0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x49, 0x09, 0x78}, cmd[3:])
	// each handled frame was acknowledged
	assert.Equal(t, []byte{0x80, 0x00, 0x00}, ft.Sent[1])
	assert.Equal(t, []byte{0x80, 0x00, 0x00}, ft.Sent[2])
}

func TestSaleDeclined(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)

	completion, err := BuildFrame(0x06, 0x0F, []byte{0x27, 0x01, 0x51})
	require.NoError(t, err)
	ft.Queue(completion)

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 500,
	})
	assert.Equal(t, coremodel.TxDeclined, res.Status)
	assert.Equal(t, "0x51", res.ErrorCode)
	assert.Equal(t, "Transaction declined", res.ErrorMessage)
}

func TestNegativeACKYieldsError(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)

	nak, err := BuildFrame(0x84, 0x00, []byte{0x64})
	require.NoError(t, err)
	ft.Queue(nak)

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 100,
	})
	assert.Equal(t, coremodel.TxError, res.Status)
	assert.Equal(t, "Card not accepted", res.ErrorMessage)
}

func TestAbortResolvesThroughTerminalResponse(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)

	require.NoError(t, e.Abort(context.Background()))
	require.Len(t, ft.Sent, 1)
	assert.Equal(t, byte(0x06), ft.Sent[0][0])
	assert.Equal(t, byte(0x1E), ft.Sent[0][1])

	// the loop then sees the terminal's own abort completion
	completion, err := BuildFrame(0x06, 0x0F, []byte{0x27, 0x01, 0x6C})
	require.NoError(t, err)
	ft.Queue(completion)
	res := e.transactionLoop(context.Background(), time.Second)
	assert.Equal(t, coremodel.TxCancelled, res.Status)
}

func TestTransactionTimeout(t *testing.T) {
	ft := ptest.New()
	e := New(ft, Config{
		PollTimeout:        20 * time.Millisecond,
		TransactionTimeout: 80 * time.Millisecond,
	}, zap.NewNop())

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 100,
	})
	assert.Equal(t, coremodel.TxTimeout, res.Status)
}

func TestPrintLinesAccumulate(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)
	lis := &recordingListener{}
	e.SetListener(lis)

	printLine, err := BuildFrame(0x06, 0xD1, []byte("HAENDLERBELEG\x00EUR 12,34\x00"))
	require.NoError(t, err)
	completion, err := BuildFrame(0x06, 0x0F, []byte{0x27, 0x01, 0x00})
	require.NoError(t, err)
	ft.Queue(printLine, completion)

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 1234,
	})
	assert.Equal(t, coremodel.TxApproved, res.Status)
	assert.Equal(t, []string{"HAENDLERBELEG", "EUR 12,34"}, res.CustomerReceipt)
	assert.Equal(t, res.CustomerReceipt, lis.receipt)
}

func TestRegistration(t *testing.T) {
	ft := ptest.New()
	e := New(ft, Config{
		Password:           "123456",
		Currency:           "EUR",
		PrintOnPOS:         true,
		PollTimeout:        50 * time.Millisecond,
		TransactionTimeout: time.Second,
	}, zap.NewNop())

	completion, err := BuildFrame(0x06, 0x0F, nil)
	require.NoError(t, err)
	ft.Queue(completion)

	require.NoError(t, e.Initialize(context.Background()))
	require.NotEmpty(t, ft.Sent)
	reg := ft.Sent[0]
	assert.Equal(t, byte(0x06), reg[0])
	assert.Equal(t, byte(0x00), reg[1])
	// password BCD, config byte with bit 7, currency 978
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x80, 0x09, 0x78}, reg[3:])
}

func TestPreAuthCompleteUnsupported(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)
	res := e.ProcessTransaction(context.Background(), protocol.Request{Kind: coremodel.TxPreAuthComplete})
	assert.Equal(t, coremodel.TxError, res.Status)
	assert.Empty(t, ft.Sent)
}
