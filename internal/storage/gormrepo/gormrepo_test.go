package gormrepo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/storage"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "periphd.db"), true)
	require.NoError(t, err)
	return repo
}

func sampleDevice(name string) *coremodel.Device {
	return &coremodel.Device{
		ID:   coremodel.DeviceID(uuid.NewString()),
		Name: name,
		Kind: coremodel.DeviceKindPaymentTerminal,
		Connection: coremodel.Connection{
			Type:    coremodel.ConnNetwork,
			Network: &coremodel.NetworkConn{Host: "10.0.0.9", Port: 20007},
		},
		Protocol: coremodel.ProtocolZVT,
		Enabled:  true,
	}
}

func TestDeviceRoundTripProperty(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	conns := []coremodel.Connection{
		{Type: coremodel.ConnSerial, Serial: &coremodel.SerialConn{Path: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: coremodel.ParityNone}},
		{Type: coremodel.ConnBluetooth, Bluetooth: &coremodel.BluetoothConn{MAC: "00:11:22:33:44:55", Channel: 1, Name: "PAX A920"}},
		{Type: coremodel.ConnNetwork, Network: &coremodel.NetworkConn{Host: "192.168.1.40", Port: 20007, Hostname: "terminal-1"}},
		{Type: coremodel.ConnUSB, USB: &coremodel.USBConn{VendorID: 0x04b8, ProductID: 0x0202, SystemName: "usb-1.2"}},
		{Type: coremodel.ConnSystemSpool, Spool: &coremodel.SystemSpoolConn{Name: "TM_T88V"}},
	}
	kinds := []coremodel.DeviceKind{
		coremodel.DeviceKindPaymentTerminal,
		coremodel.DeviceKindPrinter,
		coremodel.DeviceKindCashDrawer,
	}
	protocols := []coremodel.Protocol{
		coremodel.ProtocolZVT, coremodel.ProtocolPAX,
		coremodel.ProtocolGenericECR, coremodel.ProtocolESCPOS,
	}

	for i := 0; i < 120; i++ {
		d := &coremodel.Device{
			ID:         coremodel.DeviceID(uuid.NewString()),
			Name:       fmt.Sprintf("device-%03d", i),
			Kind:       kinds[i%len(kinds)],
			Connection: conns[i%len(conns)],
			Protocol:   protocols[i%len(protocols)],
			TerminalID: fmt.Sprintf("T%03d", i),
			MerchantID: fmt.Sprintf("M%03d", i),
			Enabled:    i%2 == 0,
			Settings:   map[string]string{"lang": "de", "slot": fmt.Sprintf("%d", i)},
		}
		require.NoError(t, repo.CreateDevice(ctx, d))

		got, err := repo.GetDevice(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.Name, got.Name)
		assert.Equal(t, d.Kind, got.Kind)
		assert.Equal(t, d.Connection, got.Connection, "case %d", i)
		assert.Equal(t, d.Protocol, got.Protocol)
		assert.Equal(t, d.TerminalID, got.TerminalID)
		assert.Equal(t, d.MerchantID, got.MerchantID)
		assert.Equal(t, d.Enabled, got.Enabled)
		assert.Equal(t, d.Settings, got.Settings)

		// a second round trip through the store is identical
		require.NoError(t, repo.UpdateDevice(ctx, got))
		again, err := repo.GetDevice(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Connection, again.Connection)
		assert.Equal(t, got.Settings, again.Settings)
	}
}

func TestDeviceNameUnique(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateDevice(ctx, sampleDevice("till-1")))
	err := repo.CreateDevice(ctx, sampleDevice("till-1"))
	assert.ErrorIs(t, err, storage.ErrNameTaken)
}

func TestSingleDefaultPerKind(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	a := sampleDevice("terminal-a")
	b := sampleDevice("terminal-b")
	require.NoError(t, repo.CreateDevice(ctx, a))
	require.NoError(t, repo.CreateDevice(ctx, b))

	require.NoError(t, repo.SetDefaultDevice(ctx, a.ID))
	def, err := repo.GetDefaultDevice(ctx, coremodel.DeviceKindPaymentTerminal)
	require.NoError(t, err)
	assert.Equal(t, a.ID, def.ID)

	require.NoError(t, repo.SetDefaultDevice(ctx, b.ID))
	def, err = repo.GetDefaultDevice(ctx, coremodel.DeviceKindPaymentTerminal)
	require.NoError(t, err)
	assert.Equal(t, b.ID, def.ID)

	// exactly one default survives
	devices, err := repo.ListDevices(ctx, coremodel.DeviceKindPaymentTerminal)
	require.NoError(t, err)
	defaults := 0
	for _, d := range devices {
		if d.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)
}

func newJob(printer coremodel.DeviceID, priority int, created time.Time) *coremodel.PrintJob {
	return &coremodel.PrintJob{
		ID:        coremodel.JobID(uuid.NewString()),
		PrinterID: printer,
		Type:      coremodel.JobReceipt,
		Data:      []byte{0x1B, 0x40},
		Priority:  priority,
		CreatedAt: created,
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	printer := coremodel.DeviceID("printer-1")

	base := time.Now().Add(-time.Minute)
	var ids []coremodel.JobID
	for i := 0; i < 5; i++ {
		j := newJob(printer, 0, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, repo.EnqueueJob(ctx, j))
		ids = append(ids, j.ID)
	}

	for i := 0; i < 5; i++ {
		j, err := repo.DequeueJob(ctx, printer)
		require.NoError(t, err)
		assert.Equal(t, ids[i], j.ID, "strict FIFO at equal priority")
		assert.Equal(t, coremodel.JobPrinting, j.Status)
		require.NotNil(t, j.StartedAt)
		require.NoError(t, repo.MarkJobComplete(ctx, j.ID))
	}

	_, err := repo.DequeueJob(ctx, printer)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueuePriorityBeforeFIFO(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	printer := coremodel.DeviceID("printer-1")

	base := time.Now().Add(-time.Minute)
	low := newJob(printer, 0, base)
	high := newJob(printer, 10, base.Add(30*time.Second))
	require.NoError(t, repo.EnqueueJob(ctx, low))
	require.NoError(t, repo.EnqueueJob(ctx, high))

	j, err := repo.DequeueJob(ctx, printer)
	require.NoError(t, err)
	assert.Equal(t, high.ID, j.ID, "higher priority first despite later enqueue")
}

func TestQueuePersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "periphd.db")
	ctx := context.Background()
	printer := coremodel.DeviceID("printer-1")

	repo, err := Open(path, true)
	require.NoError(t, err)

	job := newJob(printer, 3, time.Now())
	require.NoError(t, repo.EnqueueJob(ctx, job))
	n, err := repo.IncrementJobRetry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// simulated restart on the same file
	repo2, err := Open(path, true)
	require.NoError(t, err)

	jobs, err := repo2.QueuedJobs(ctx, printer)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, 1, jobs[0].RetryCount)
	assert.Equal(t, 3, jobs[0].Priority)
}

func TestRetryMonotonicityAndSentinel(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	printer := coremodel.DeviceID("printer-1")

	job := newJob(printer, 0, time.Now())
	require.NoError(t, repo.EnqueueJob(ctx, job))

	for want := 1; want <= 3; want++ {
		n, err := repo.IncrementJobRetry(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, coremodel.JobPending, got.Status)
	}

	n, err := repo.IncrementJobRetry(ctx, coremodel.JobID("no-such-job"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, -1, n)
}

func TestResetPrintingJobs(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	printer := coremodel.DeviceID("printer-1")

	a := newJob(printer, 0, time.Now())
	b := newJob(printer, 0, time.Now().Add(time.Second))
	require.NoError(t, repo.EnqueueJob(ctx, a))
	require.NoError(t, repo.EnqueueJob(ctx, b))

	// claim one, then simulate a crash
	_, err := repo.DequeueJob(ctx, printer)
	require.NoError(t, err)

	n, err := repo.ResetPrintingJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := repo.QueueLength(ctx, printer, coremodel.JobPrinting)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "no rows remain printing")

	pending, err := repo.QueueLength(ctx, printer, coremodel.JobPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending, "non-terminal set preserved")
}

func TestMarkFailedIsTerminal(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	printer := coremodel.DeviceID("printer-1")

	job := newJob(printer, 0, time.Now())
	require.NoError(t, repo.EnqueueJob(ctx, job))
	claimed, err := repo.DequeueJob(ctx, printer)
	require.NoError(t, err)
	require.NoError(t, repo.MarkJobFailed(ctx, claimed.ID, "paper out"))

	got, err := repo.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, coremodel.JobFailed, got.Status)
	assert.Equal(t, "paper out", got.LastError)
	require.NotNil(t, got.CompletedAt)

	// a terminal job cannot complete again
	err = repo.MarkJobComplete(ctx, claimed.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransactionQueryAndStats(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	dev := coremodel.DeviceID("terminal-1")

	mk := func(status coremodel.TransactionStatus, amount int64, order string) *coremodel.Transaction {
		return &coremodel.Transaction{
			ID:               coremodel.TransactionID(uuid.NewString()),
			DeviceID:         dev,
			OrderID:          order,
			Kind:             coremodel.TxSale,
			AmountMinorUnits: amount,
			Currency:         "EUR",
			Status:           status,
			StartedAt:        time.Now(),
			CreatedAt:        time.Now(),
		}
	}
	require.NoError(t, repo.CreateTransaction(ctx, mk(coremodel.TxApproved, 1000, "o-1")))
	require.NoError(t, repo.CreateTransaction(ctx, mk(coremodel.TxApproved, 250, "o-2")))
	require.NoError(t, repo.CreateTransaction(ctx, mk(coremodel.TxDeclined, 999, "o-3")))

	stats, err := repo.TransactionStats(ctx, storage.TransactionFilter{DeviceID: dev})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(2), stats.ByStatus[coremodel.TxApproved])
	assert.Equal(t, int64(1), stats.ByStatus[coremodel.TxDeclined])
	assert.Equal(t, int64(1250), stats.ApprovedAmount)

	declined, err := repo.QueryTransactions(ctx, storage.TransactionFilter{Status: coremodel.TxDeclined})
	require.NoError(t, err)
	require.Len(t, declined, 1)
	assert.Equal(t, "o-3", declined[0].OrderID)

	forOrder, err := repo.TransactionForOrder(ctx, "o-2")
	require.NoError(t, err)
	assert.Equal(t, int64(250), forOrder.AmountMinorUnits)

	recent, err := repo.RecentTransactions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
