package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/printing"
	"github.com/kassenwerk/periphd/internal/session"
	"github.com/kassenwerk/periphd/internal/transport"
)

// SubmitJob routes a rendered print payload to its printer (or fallback)
// and enqueues it.
func (o *Orchestrator) SubmitJob(ctx context.Context, jobType coremodel.PrintJobType, data []byte, priority int) (coremodel.JobID, printing.Decision, error) {
	job := coremodel.PrintJob{
		Type:     jobType,
		Data:     data,
		Priority: priority,
	}
	decision, err := o.router.RouteJob(job)
	if err != nil {
		return "", printing.Decision{}, err
	}
	if decision.UsedFallback {
		o.logger.Info("job routed to fallback printer",
			zap.String("job_type", string(jobType)),
			zap.String("printer_id", string(decision.PrinterID)),
			zap.String("reason", decision.Reason))
	}
	id, err := o.queue.Enqueue(ctx, decision.PrinterID, job)
	if err != nil {
		return "", decision, err
	}
	return id, decision, nil
}

// SubmitJobTo bypasses routing and enqueues directly on a printer.
func (o *Orchestrator) SubmitJobTo(ctx context.Context, printerID coremodel.DeviceID, jobType coremodel.PrintJobType, data []byte, priority int) (coremodel.JobID, error) {
	return o.queue.Enqueue(ctx, printerID, coremodel.PrintJob{
		Type:     jobType,
		Data:     data,
		Priority: priority,
	})
}

// GetQueueLength proxies the queue count for one printer.
func (o *Orchestrator) GetQueueLength(ctx context.Context, printerID coremodel.DeviceID, status coremodel.JobStatus) (int, error) {
	return o.queue.QueueLength(ctx, printerID, status)
}

// GetQueuedJobs proxies the pending list for one printer.
func (o *Orchestrator) GetQueuedJobs(ctx context.Context, printerID coremodel.DeviceID) ([]coremodel.PrintJob, error) {
	return o.queue.QueuedJobs(ctx, printerID)
}

// printerTransport resolves (and caches) the connected transport for a
// printer. The per-printer worker is the only sender on it.
func (o *Orchestrator) printerTransport(ctx context.Context, printerID coremodel.DeviceID) (transport.Transport, error) {
	o.printerMu.Lock()
	if t, ok := o.printerLinks[printerID]; ok {
		o.printerMu.Unlock()
		if t.State() == transport.StateConnected {
			return t, nil
		}
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
	o.printerMu.Unlock()

	p, err := o.repo.GetPrinter(ctx, printerID)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, fmt.Errorf("orchestrator: printer %q is disabled", p.Name)
	}
	t, err := session.NewTransport(p.Connection, o.cfg.Transport, o.logger)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}

	o.printerMu.Lock()
	o.printerLinks[printerID] = t
	o.printerMu.Unlock()
	return t, nil
}
