package txlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol"
	"github.com/kassenwerk/periphd/internal/storage/gormrepo"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	repo, err := gormrepo.Open(filepath.Join(t.TempDir(), "test.db"), true)
	require.NoError(t, err)
	return New(repo, zap.NewNop())
}

func TestLifecycleHappyPath(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	rec, err := l.Begin(ctx, "dev-1", protocol.Request{
		Kind:             coremodel.TxSale,
		AmountMinorUnits: 1234,
		Currency:         "EUR",
		OrderID:          "order-1",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, coremodel.TxPending, rec.Status)

	rec, err = l.Transition(ctx, rec.ID, coremodel.TxProcessing)
	require.NoError(t, err)
	assert.Equal(t, coremodel.TxProcessing, rec.Status)

	rec, err = l.Complete(ctx, rec.ID, protocol.Result{
		Status:            coremodel.TxApproved,
		AuthorizationCode: "123456",
		CardLastFour:      "4242",
		CardType:          coremodel.CardVisa,
	})
	require.NoError(t, err)
	assert.Equal(t, coremodel.TxApproved, rec.Status)
	assert.Equal(t, "123456", rec.AuthorizationCode)
	require.NotNil(t, rec.CompletedAt)
}

func TestTerminalRecordsAreFrozen(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	rec, err := l.Begin(ctx, "dev-1", protocol.Request{Kind: coremodel.TxSale, AmountMinorUnits: 100}, "")
	require.NoError(t, err)
	_, err = l.Transition(ctx, rec.ID, coremodel.TxProcessing)
	require.NoError(t, err)
	_, err = l.Complete(ctx, rec.ID, protocol.Result{Status: coremodel.TxDeclined})
	require.NoError(t, err)

	// no path leads out of a terminal state
	_, err = l.Transition(ctx, rec.ID, coremodel.TxProcessing)
	assert.Error(t, err)
	_, err = l.Complete(ctx, rec.ID, protocol.Result{Status: coremodel.TxApproved})
	assert.Error(t, err)
}

func TestSkippingProcessingIsRejected(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	rec, err := l.Begin(ctx, "dev-1", protocol.Request{Kind: coremodel.TxSale, AmountMinorUnits: 100}, "")
	require.NoError(t, err)

	// approving a record that never reached the terminal is a bug
	_, err = l.Complete(ctx, rec.ID, protocol.Result{Status: coremodel.TxApproved})
	assert.Error(t, err)

	// a pending record may still be cancelled or errored
	_, err = l.Transition(ctx, rec.ID, coremodel.TxCancelled)
	assert.NoError(t, err)
}

func TestVoidReferencesOriginal(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	orig, err := l.Begin(ctx, "dev-1", protocol.Request{Kind: coremodel.TxSale, AmountMinorUnits: 900, Currency: "EUR"}, "")
	require.NoError(t, err)

	void, err := l.Begin(ctx, "dev-1", protocol.Request{Kind: coremodel.TxVoid, AmountMinorUnits: 900, Currency: "EUR"}, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, void.OriginalTransactionID)

	got, err := l.Get(ctx, void.ID)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, got.OriginalTransactionID)
}
