package genericecr

import (
	"bytes"
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

func TestFrameRoundTrip(t *testing.T) {
	for _, extended := range []bool{false, true} {
		data := []byte{0x00, 0x00, 0x04, 0xD2, 0x03, 0xD2}
		raw, err := BuildFrame(CmdSale, data, extended)
		require.NoError(t, err)

		frame, consumed, err := ParseFrame(raw, extended)
		require.NoError(t, err)
		assert.Equal(t, len(raw), consumed)
		assert.Equal(t, byte(CmdSale), frame.Cmd)
		assert.True(t, bytes.Equal(data, frame.Data), "extended=%v", extended)
	}
}

func TestSingleBitCorruptionFailsParse(t *testing.T) {
	raw, err := BuildFrame(CmdSale, []byte{0x01, 0x02, 0x03}, false)
	require.NoError(t, err)

	// flip one bit in every byte of the LRC-covered region (LEN..DATA)
	for i := 1; i < len(raw)-2; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), raw...)
			corrupted[i] ^= 1 << bit
			_, _, err := ParseFrame(corrupted, false)
			assert.Error(t, err, "byte %d bit %d must not parse", i, bit)
		}
	}
}

func TestExtendedLengthLargePayload(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 300)
	_, err := BuildFrame(CmdSale, data, false)
	require.Error(t, err, "short form caps at 255")

	raw, err := BuildFrame(CmdSale, data, true)
	require.NoError(t, err)
	frame, _, err := ParseFrame(raw, true)
	require.NoError(t, err)
	assert.Len(t, frame.Data, 300)
}

func testEngine(ft *ptest.Transport) *Engine {
	return New(ft, Config{
		PollTimeout:        50 * time.Millisecond,
		TransactionTimeout: time.Second,
	}, zap.NewNop())
}

func response(t *testing.T, data []byte) []byte {
	t.Helper()
	raw, err := BuildFrame(CmdSale, data, false)
	require.NoError(t, err)
	return raw
}

func TestSaleApproved(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)

	payload := []byte{respApproved}
	payload = append(payload, "123456"...) // auth code
	payload = append(payload, "4242"...)   // last four
	payload = append(payload, 0x01, 0x02)  // visa, contactless
	ft.Queue(response(t, payload))

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 1234,
		Currency:         "EUR",
		Reference:        "order-9",
	})

	assert.Equal(t, coremodel.TxApproved, res.Status)
	assert.Equal(t, "123456", res.AuthorizationCode)
	assert.Equal(t, "4242", res.CardLastFour)
	assert.Equal(t, coremodel.CardVisa, res.CardType)
	assert.Equal(t, coremodel.EntryContactless, res.EntryMethod)

	// the outgoing payload: amount u32 BE, currency u16 BE, padded ref
	require.Len(t, ft.Sent, 1)
	sent, _, err := ParseFrame(ft.Sent[0], false)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdSale), sent.Cmd)
	require.Len(t, sent.Data, 4+2+20)
	assert.Equal(t, []byte{0x00, 0x00, 0x04, 0xD2}, sent.Data[:4])
	assert.Equal(t, []byte{0x03, 0xD2}, sent.Data[4:6], "EUR = 978")
	assert.Equal(t, "order-9             ", string(sent.Data[6:]))
}

func TestIntermediateStatusKeepsWaiting(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)
	lis := &progressRecorder{}
	e.SetListener(lis)

	inter, err := BuildFrame(0x10, []byte("INSERT CARD"), false)
	require.NoError(t, err)
	ft.Queue(inter, response(t, []byte{respDeclined}))

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 100,
		Currency:         "EUR",
	})
	assert.Equal(t, coremodel.TxDeclined, res.Status)
	assert.Equal(t, []string{"INSERT CARD"}, lis.progress)
}

type progressRecorder struct{ progress []string }

func (p *progressRecorder) OnProgress(m string)  { p.progress = append(p.progress, m) }
func (p *progressRecorder) OnReceiptLine(string) {}

func TestCancelledResponse(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)
	ft.Queue(response(t, []byte{respCancelled}))

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxVoid,
		AmountMinorUnits: 100,
		Currency:         "EUR",
	})
	assert.Equal(t, coremodel.TxCancelled, res.Status)
	assert.Equal(t, "Transaction cancelled", res.ErrorMessage)
}

func TestMalformedFrameDropped(t *testing.T) {
	ft := ptest.New()
	e := testEngine(ft)

	good := response(t, []byte{respApproved})
	corrupt := append([]byte(nil), good...)
	corrupt[2] ^= 0xFF // breaks the LRC
	ft.Queue(corrupt, good)

	res := e.ProcessTransaction(context.Background(), protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 100,
		Currency:         "EUR",
	})
	assert.Equal(t, coremodel.TxApproved, res.Status, "one bad frame must not kill the loop")
}
