package printing

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol/ptest"
	"github.com/kassenwerk/periphd/internal/storage/gormrepo"
	"github.com/kassenwerk/periphd/internal/transport"
)

// failingTransport errors a fixed number of sends before succeeding.
type failingTransport struct {
	*ptest.Transport
	mu    sync.Mutex
	fails int
}

func (f *failingTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return transport.NewError(transport.CodeIO, true, "printer offline", errors.New("write refused"))
	}
	f.mu.Unlock()
	return f.Transport.Send(ctx, data)
}

func testRepo(t *testing.T) *gormrepo.Repository {
	t.Helper()
	repo, err := gormrepo.Open(filepath.Join(t.TempDir(), "queue.db"), true)
	require.NoError(t, err)
	return repo
}

func fastCfg() cfgpkg.PrintingConfig {
	return cfgpkg.PrintingConfig{
		MaxRetries:     3,
		RetryBaseDelay: 5 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}
}

func sentPayloads(ft *ptest.Transport) []string {
	out := make([]string, 0, len(ft.Sent))
	for _, b := range ft.Sent {
		out = append(out, string(b))
	}
	return out
}

func TestWorkerPrintsInOrder(t *testing.T) {
	repo := testRepo(t)
	ft := ptest.New()
	provider := TransportProviderFunc(func(ctx context.Context, id coremodel.DeviceID) (transport.Transport, error) {
		return ft, nil
	})
	q := NewQueue(repo, fastCfg(), provider, nil, nil, zap.NewNop())
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	for i, payload := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(ctx, "p1", coremodel.PrintJob{
			Type:      coremodel.JobReceipt,
			Data:      []byte(payload),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		n, _ := repo.QueueLength(ctx, "p1", "")
		return n == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"first", "second", "third"}, sentPayloads(ft))
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	repo := testRepo(t)
	ft := &failingTransport{Transport: ptest.New(), fails: 2}
	provider := TransportProviderFunc(func(ctx context.Context, id coremodel.DeviceID) (transport.Transport, error) {
		return ft, nil
	})
	q := NewQueue(repo, fastCfg(), provider, nil, nil, zap.NewNop())
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "p1", coremodel.PrintJob{Type: coremodel.JobReceipt, Data: []byte("bon")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := repo.GetJob(ctx, id)
		return err == nil && job.Status == coremodel.JobCompleted
	}, 3*time.Second, 10*time.Millisecond)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, "bon", string(ft.Sent[0]))
}

func TestWorkerFailsAfterMaxRetries(t *testing.T) {
	repo := testRepo(t)
	ft := &failingTransport{Transport: ptest.New(), fails: 99}
	provider := TransportProviderFunc(func(ctx context.Context, id coremodel.DeviceID) (transport.Transport, error) {
		return ft, nil
	})
	cfg := fastCfg()
	cfg.MaxRetries = 2
	q := NewQueue(repo, cfg, provider, nil, nil, zap.NewNop())
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "p1", coremodel.PrintJob{Type: coremodel.JobReceipt, Data: []byte("bon")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := repo.GetJob(ctx, id)
		return err == nil && job.Status == coremodel.JobFailed
	}, 3*time.Second, 10*time.Millisecond)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxRetries, job.RetryCount)
	assert.NotEmpty(t, job.LastError)
}

// TestFallbackScenario walks the full fallback path: the primary printer
// is offline, three receipts route to the online fallback, the worker
// prints them in enqueue order, both queues drain, and the primary's
// recovery emits exactly one status change.
func TestFallbackScenario(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	sink := &eventCollector{}
	monitor := NewMonitor(sink, nil, zap.NewNop())
	monitor.UpdatePrinterState("primary", coremodel.PrinterOffline, "")
	monitor.UpdatePrinterState("fallback", coremodel.PrinterOnline, "")
	emitted := sink.count()

	router := NewRouter(monitor)
	router.SetRoute(coremodel.JobReceipt, "primary")
	router.SetFallback("primary", "fallback")

	ft := ptest.New()
	provider := TransportProviderFunc(func(ctx context.Context, id coremodel.DeviceID) (transport.Transport, error) {
		require.Equal(t, coremodel.DeviceID("fallback"), id, "only the fallback may print")
		return ft, nil
	})
	q := NewQueue(repo, fastCfg(), provider, nil, nil, zap.NewNop())
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	base := time.Now().Add(-time.Minute)
	for i, payload := range []string{"bon-1", "bon-2", "bon-3"} {
		job := coremodel.PrintJob{
			Type:      coremodel.JobReceipt,
			Data:      []byte(payload),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		d, err := router.RouteJob(job)
		require.NoError(t, err)
		assert.Equal(t, coremodel.DeviceID("fallback"), d.PrinterID)
		assert.True(t, d.UsedFallback)

		_, err = q.Enqueue(ctx, d.PrinterID, job)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		n, _ := repo.QueueLength(ctx, "fallback", "")
		return n == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"bon-1", "bon-2", "bon-3"}, sentPayloads(ft))

	nPrimary, err := repo.QueueLength(ctx, "primary", "")
	require.NoError(t, err)
	assert.Equal(t, 0, nPrimary)

	completed, err := repo.QueueLength(ctx, "fallback", coremodel.JobCompleted)
	require.NoError(t, err)
	assert.Equal(t, 3, completed, "three completed rows")

	// the primary comes back: exactly one status change
	monitor.UpdatePrinterState("primary", coremodel.PrinterOnline, "")
	monitor.UpdatePrinterState("primary", coremodel.PrinterOnline, "")
	assert.Equal(t, emitted+1, sink.count())
}

func TestStartRecoversCrashedJobs(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	// a job left printing by a crashed run
	job := coremodel.PrintJob{Type: coremodel.JobReceipt, Data: []byte("bon"), PrinterID: "p1", CreatedAt: time.Now()}
	require.NoError(t, repo.EnqueueJob(ctx, &job))
	_, err := repo.DequeueJob(ctx, "p1")
	require.NoError(t, err)

	ft := ptest.New()
	provider := TransportProviderFunc(func(ctx context.Context, id coremodel.DeviceID) (transport.Transport, error) {
		return ft, nil
	})
	q := NewQueue(repo, fastCfg(), provider, nil, nil, zap.NewNop())
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	// recovery returned the row to pending before any worker ran
	n, err := repo.QueueLength(ctx, "p1", coremodel.JobPrinting)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// and the job prints once a worker exists
	_, err = q.Enqueue(ctx, "p1", coremodel.PrintJob{Type: coremodel.JobTest, Data: []byte("probe"), CreatedAt: time.Now()})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		total, _ := repo.QueueLength(ctx, "p1", "")
		return total == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bon", "probe"}, sentPayloads(ft))
}
