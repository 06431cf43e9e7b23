// Package orchestrator wires the peripheral core together and exposes the
// narrow API the host consumes: discovery, device configuration,
// connections, payment transactions, the print pipeline and event
// subscriptions.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/discovery"
	"github.com/kassenwerk/periphd/internal/metrics"
	"github.com/kassenwerk/periphd/internal/printing"
	"github.com/kassenwerk/periphd/internal/session"
	"github.com/kassenwerk/periphd/internal/storage"
	"github.com/kassenwerk/periphd/internal/transport"
	"github.com/kassenwerk/periphd/internal/txlog"
)

// Orchestrator owns the component graph. One instance per process.
type Orchestrator struct {
	cfg    *cfgpkg.Config
	repo   storage.CoreRepo
	logger *zap.Logger
	appm   *metrics.AppMetrics

	txs      *txlog.Log
	sessions *session.Manager
	monitor  *printing.Monitor
	router   *printing.Router
	queue    *printing.Queue
	finder   *discovery.Aggregator

	subMu sync.RWMutex
	subs  map[int]coremodel.EventSinkFunc
	subID int

	printerMu     sync.Mutex
	printerLinks  map[coremodel.DeviceID]transport.Transport

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

// New builds the orchestrator over an opened repository.
func New(cfg *cfgpkg.Config, repo storage.CoreRepo, appm *metrics.AppMetrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:          cfg,
		repo:         repo,
		logger:       logger.With(zap.String("component", "orchestrator")),
		appm:         appm,
		subs:         make(map[int]coremodel.EventSinkFunc),
		printerLinks: make(map[coremodel.DeviceID]transport.Transport),
	}
	o.txs = txlog.New(repo, logger)
	o.sessions = session.NewManager(session.Config{
		Transport: cfg.Transport,
		Terminal:  cfg.Terminal,
	}, o, logger)
	o.monitor = printing.NewMonitor(o, o.queueLengthOf, logger)
	o.router = printing.NewRouter(o.monitor)
	o.queue = printing.NewQueue(repo, cfg.Printing,
		printing.TransportProviderFunc(o.printerTransport), o.monitor, appm, logger)
	o.finder = discovery.NewAggregator(cfg.Discovery, appm, logger)
	return o
}

// HandleEvent implements coremodel.EventSink: every component event fans
// out to the subscribers.
func (o *Orchestrator) HandleEvent(ev coremodel.Event) {
	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for _, fn := range o.subs {
		fn(ev)
	}
}

// Subscribe registers an event listener and returns its remover.
func (o *Orchestrator) Subscribe(fn func(coremodel.Event)) func() {
	o.subMu.Lock()
	o.subID++
	id := o.subID
	o.subs[id] = fn
	o.subMu.Unlock()
	return func() {
		o.subMu.Lock()
		delete(o.subs, id)
		o.subMu.Unlock()
	}
}

func (o *Orchestrator) emit(ev coremodel.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	o.HandleEvent(ev)
}

// Start recovers the queue, loads the routing tables and begins status
// polling.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.queue.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: queue start: %w", err)
	}
	if err := o.rebuildRoutes(ctx); err != nil {
		return fmt.Errorf("orchestrator: routes: %w", err)
	}
	pctx, cancel := context.WithCancel(context.Background())
	o.pollCancel = cancel
	o.pollWG.Add(1)
	go o.pollLoop(pctx)
	return nil
}

// Stop shuts everything down: poller, queue workers (current print
// drains), terminal sessions.
func (o *Orchestrator) Stop(ctx context.Context) {
	if o.pollCancel != nil {
		o.pollCancel()
	}
	o.pollWG.Wait()
	o.queue.Stop()
	o.sessions.Shutdown(ctx)

	o.printerMu.Lock()
	for _, t := range o.printerLinks {
		_ = t.Disconnect()
	}
	o.printerLinks = make(map[coremodel.DeviceID]transport.Transport)
	o.printerMu.Unlock()
}

// rebuildRoutes derives the routing and fallback tables from the printer
// records: each role maps to its default (or first) printer of that role.
func (o *Orchestrator) rebuildRoutes(ctx context.Context) error {
	printers, err := o.repo.ListPrinters(ctx)
	if err != nil {
		return err
	}
	cfg := printing.RoutesConfig{
		Routing:  make(map[coremodel.PrintJobType]coremodel.DeviceID),
		Fallback: make(map[coremodel.DeviceID]coremodel.DeviceID),
	}
	roleToType := map[coremodel.PrinterRole][]coremodel.PrintJobType{
		coremodel.RoleReceipt: {coremodel.JobReceipt, coremodel.JobTest},
		coremodel.RoleKitchen: {coremodel.JobKitchenTicket},
		coremodel.RoleLabel:   {coremodel.JobLabel},
		coremodel.RoleReport:  {coremodel.JobReport},
	}
	for _, p := range printers {
		if !p.Enabled {
			continue
		}
		if p.FallbackPrinterID != "" {
			cfg.Fallback[p.ID] = p.FallbackPrinterID
		}
		types, ok := roleToType[p.Role]
		if !ok {
			continue
		}
		for _, jt := range types {
			if _, taken := cfg.Routing[jt]; !taken || p.IsDefault {
				cfg.Routing[jt] = p.ID
			}
		}
	}
	o.router.Import(cfg)
	return nil
}

// queueLengthOf feeds the monitor's queue-length enrichment.
func (o *Orchestrator) queueLengthOf(id coremodel.DeviceID) int {
	n, err := o.repo.QueueLength(context.Background(), id, coremodel.JobPending)
	if err != nil {
		return 0
	}
	return n
}

// Routes exposes the router configuration for export.
func (o *Orchestrator) Routes() printing.RoutesConfig { return o.router.Export() }

// ImportRoutes replaces the routing configuration verbatim.
func (o *Orchestrator) ImportRoutes(cfg printing.RoutesConfig) { o.router.Import(cfg) }
