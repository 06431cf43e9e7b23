// Package printing holds the print pipeline: the persistent queue service
// with its per-printer workers, the role router with offline fallback, and
// the status monitor.
package printing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/metrics"
	"github.com/kassenwerk/periphd/internal/storage"
	"github.com/kassenwerk/periphd/internal/transport"
)

// TransportProvider hands the worker a connected transport for a printer.
type TransportProvider interface {
	TransportFor(ctx context.Context, printerID coremodel.DeviceID) (transport.Transport, error)
}

// TransportProviderFunc adapts a function to TransportProvider.
type TransportProviderFunc func(ctx context.Context, printerID coremodel.DeviceID) (transport.Transport, error)

func (f TransportProviderFunc) TransportFor(ctx context.Context, printerID coremodel.DeviceID) (transport.Transport, error) {
	return f(ctx, printerID)
}

// Queue is the persistent print queue service. One worker goroutine per
// printer serializes that printer's jobs; workers for different printers
// run in parallel.
type Queue struct {
	repo       storage.CoreRepo
	cfg        cfgpkg.PrintingConfig
	transports TransportProvider
	monitor    *Monitor
	logger     *zap.Logger
	metrics    *metrics.AppMetrics

	mu      sync.Mutex
	workers map[coremodel.DeviceID]*worker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type worker struct {
	printerID coremodel.DeviceID
	wake      chan struct{}
}

// NewQueue builds the queue service. monitor and appm may be nil.
func NewQueue(repo storage.CoreRepo, cfg cfgpkg.PrintingConfig, transports TransportProvider, monitor *Monitor, appm *metrics.AppMetrics, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Queue{
		repo:       repo,
		cfg:        cfg,
		transports: transports,
		monitor:    monitor,
		logger:     logger.With(zap.String("component", "print-queue")),
		metrics:    appm,
		workers:    make(map[coremodel.DeviceID]*worker),
	}
}

// Start recovers crashed jobs and begins accepting work. Recovery runs
// before any worker starts.
func (q *Queue) Start(ctx context.Context) error {
	n, err := q.repo.ResetPrintingJobs(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Info("recovered stale printing jobs", zap.Int64("count", n))
	}
	q.mu.Lock()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.mu.Unlock()
	return nil
}

// Stop cancels all workers. The in-flight print finishes; pending jobs
// stay persisted for the next startup.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue inserts a job for printerID and wakes its worker.
func (q *Queue) Enqueue(ctx context.Context, printerID coremodel.DeviceID, job coremodel.PrintJob) (coremodel.JobID, error) {
	if job.ID == "" {
		job.ID = coremodel.JobID(uuid.NewString())
	}
	job.PrinterID = printerID
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := q.repo.EnqueueJob(ctx, &job); err != nil {
		return "", err
	}
	q.ensureWorker(printerID)
	q.updateQueueGauge(ctx)
	return job.ID, nil
}

// ensureWorker starts the printer's worker if it is not running yet.
func (q *Queue) ensureWorker(printerID coremodel.DeviceID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil || q.ctx.Err() != nil {
		return
	}
	if w, ok := q.workers[printerID]; ok {
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return
	}
	w := &worker{printerID: printerID, wake: make(chan struct{}, 1)}
	q.workers[printerID] = w
	q.wg.Add(1)
	go q.runWorker(q.ctx, w)
}

// runWorker drains the printer's queue, strictly serialized.
func (q *Queue) runWorker(ctx context.Context, w *worker) {
	defer q.wg.Done()
	log := q.logger.With(zap.String("printer_id", string(w.printerID)))
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.repo.DequeueJob(ctx, w.printerID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrConflict) {
				log.Error("dequeue failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-w.wake:
			}
			continue
		}
		q.printOne(ctx, log, job)
		q.updateQueueGauge(ctx)
	}
}

// printOne sends one claimed job and settles its outcome.
func (q *Queue) printOne(ctx context.Context, log *zap.Logger, job *coremodel.PrintJob) {
	// the claimed job is sent and settled even after Stop cancels ctx, so
	// the in-flight print drains and its outcome is persisted
	pctx := context.WithoutCancel(ctx)
	err := q.send(pctx, job)
	if err == nil {
		if err := q.repo.MarkJobComplete(pctx, job.ID); err != nil {
			log.Error("mark complete failed", zap.String("job_id", string(job.ID)), zap.Error(err))
		}
		if q.metrics != nil {
			q.metrics.PrintJobsTotal.WithLabelValues(string(coremodel.JobCompleted)).Inc()
		}
		if q.monitor != nil {
			q.monitor.UpdatePrinterState(job.PrinterID, coremodel.PrinterOnline, "")
		}
		return
	}

	log.Warn("print failed",
		zap.String("job_id", string(job.ID)),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(err))
	if q.monitor != nil {
		q.monitor.UpdatePrinterState(job.PrinterID, coremodel.PrinterError, coremodel.ErrConnectionLost)
	}

	if job.RetryCount+1 > q.cfg.MaxRetries {
		if ferr := q.repo.MarkJobFailed(pctx, job.ID, err.Error()); ferr != nil {
			log.Error("mark failed failed", zap.String("job_id", string(job.ID)), zap.Error(ferr))
		}
		if q.metrics != nil {
			q.metrics.PrintJobsTotal.WithLabelValues(string(coremodel.JobFailed)).Inc()
		}
		return
	}

	_ = q.repo.SetJobLastError(pctx, job.ID, err.Error())
	count, rerr := q.repo.IncrementJobRetry(pctx, job.ID)
	if rerr != nil {
		log.Error("retry bump failed", zap.String("job_id", string(job.ID)), zap.Error(rerr))
		return
	}
	if q.metrics != nil {
		q.metrics.PrintRetriesTotal.Inc()
	}
	// same backoff schedule as the transports, capped at 5s
	select {
	case <-ctx.Done():
	case <-time.After(transport.RetryDelay(q.cfg.RetryBaseDelay, count)):
	}
}

// send resolves the printer's transport and writes the rendered bytes.
// The worker holds the transport for the duration of the one send.
func (q *Queue) send(ctx context.Context, job *coremodel.PrintJob) error {
	t, err := q.transports.TransportFor(ctx, job.PrinterID)
	if err != nil {
		return err
	}
	return t.Send(ctx, job.Data)
}

func (q *Queue) updateQueueGauge(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	for _, st := range []coremodel.JobStatus{coremodel.JobPending, coremodel.JobPrinting} {
		// gauge spans all printers; errors are ignored on purpose
		n, err := q.repo.QueueLength(ctx, "", st)
		if err == nil {
			q.metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(n))
		}
	}
}

// QueueLength proxies the repo count for one printer.
func (q *Queue) QueueLength(ctx context.Context, printerID coremodel.DeviceID, status coremodel.JobStatus) (int, error) {
	return q.repo.QueueLength(ctx, printerID, status)
}

// QueuedJobs proxies the pending list for one printer.
func (q *Queue) QueuedJobs(ctx context.Context, printerID coremodel.DeviceID) ([]coremodel.PrintJob, error) {
	return q.repo.QueuedJobs(ctx, printerID)
}
