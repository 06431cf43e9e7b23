package printing

import (
	"fmt"
	"sync"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// StatusProvider answers the router's availability lookups. The monitor
// implements it; without one the router assumes every printer available.
type StatusProvider interface {
	PrinterState(id coremodel.DeviceID) (coremodel.PrinterState, bool)
}

// Decision is one routing outcome.
type Decision struct {
	PrinterID    coremodel.DeviceID
	UsedFallback bool
	Reason       string
}

// RoutesConfig is the exported/imported routing state. Round-trips
// verbatim.
type RoutesConfig struct {
	Routing  map[coremodel.PrintJobType]coremodel.DeviceID `json:"routing"`
	Fallback map[coremodel.DeviceID]coremodel.DeviceID     `json:"fallback"`
}

// Router maps job types onto printers and falls back when the primary is
// down.
type Router struct {
	mu       sync.RWMutex
	routing  map[coremodel.PrintJobType]coremodel.DeviceID
	fallback map[coremodel.DeviceID]coremodel.DeviceID
	status   StatusProvider
}

// NewRouter builds an empty router. status may be nil.
func NewRouter(status StatusProvider) *Router {
	return &Router{
		routing:  make(map[coremodel.PrintJobType]coremodel.DeviceID),
		fallback: make(map[coremodel.DeviceID]coremodel.DeviceID),
		status:   status,
	}
}

// SetRoute maps a job type to its primary printer.
func (r *Router) SetRoute(jobType coremodel.PrintJobType, printerID coremodel.DeviceID) {
	r.mu.Lock()
	r.routing[jobType] = printerID
	r.mu.Unlock()
}

// SetFallback declares the stand-in for a printer.
func (r *Router) SetFallback(primary, fallback coremodel.DeviceID) {
	r.mu.Lock()
	r.fallback[primary] = fallback
	r.mu.Unlock()
}

// available reports whether the printer can take work now. Busy still
// counts as available: the job queues behind the current one.
func (r *Router) available(id coremodel.DeviceID) bool {
	if r.status == nil {
		return true
	}
	state, ok := r.status.PrinterState(id)
	if !ok {
		return true
	}
	return state == coremodel.PrinterOnline || state == coremodel.PrinterBusy
}

// RouteJob resolves the printer for job. The primary wins while it is
// online or busy; a configured, available fallback takes over when the
// primary is down; with no available fallback the job still queues on the
// primary for when it comes back.
func (r *Router) RouteJob(job coremodel.PrintJob) (Decision, error) {
	r.mu.RLock()
	primary, ok := r.routing[job.Type]
	fallback, hasFallback := r.fallback[primary]
	r.mu.RUnlock()
	if !ok {
		return Decision{}, fmt.Errorf("printing: no route for job type %q", job.Type)
	}

	if r.available(primary) {
		return Decision{PrinterID: primary}, nil
	}
	if hasFallback && r.available(fallback) {
		return Decision{PrinterID: fallback, UsedFallback: true, Reason: "primary offline"}, nil
	}
	return Decision{PrinterID: primary}, nil
}

// Export snapshots both tables.
func (r *Router) Export() RoutesConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := RoutesConfig{
		Routing:  make(map[coremodel.PrintJobType]coremodel.DeviceID, len(r.routing)),
		Fallback: make(map[coremodel.DeviceID]coremodel.DeviceID, len(r.fallback)),
	}
	for k, v := range r.routing {
		out.Routing[k] = v
	}
	for k, v := range r.fallback {
		out.Fallback[k] = v
	}
	return out
}

// Import replaces both tables with cfg, verbatim.
func (r *Router) Import(cfg RoutesConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routing = make(map[coremodel.PrintJobType]coremodel.DeviceID, len(cfg.Routing))
	r.fallback = make(map[coremodel.DeviceID]coremodel.DeviceID, len(cfg.Fallback))
	for k, v := range cfg.Routing {
		r.routing[k] = v
	}
	for k, v := range cfg.Fallback {
		r.fallback[k] = v
	}
}
