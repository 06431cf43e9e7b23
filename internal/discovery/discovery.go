// Package discovery finds attachable peripherals: USB serial adapters of
// known terminal vendors, Bluetooth terminals by name pattern, network
// printers via mDNS and a TCP 9100 probe, and USB printers by device
// class. The aggregator runs the selected media in parallel and
// cross-references results with the configuration store.
package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/metrics"
)

// Medium names one discovery channel.
type Medium string

const (
	MediumSerial    Medium = "serial"
	MediumBluetooth Medium = "bluetooth"
	MediumNetwork   Medium = "network"
	MediumUSB       Medium = "usb"
)

// Discovered is one found peripheral, not yet configured.
type Discovered struct {
	Name         string
	Manufacturer string
	Model        string
	Kind         coremodel.DeviceKind
	Connection   coremodel.Connection
	Medium       Medium
	IsConfigured bool
}

// Scanner probes one medium.
type Scanner interface {
	Medium() Medium
	Scan(ctx context.Context) ([]Discovered, error)
}

// AddressSet answers whether an address is already configured.
type AddressSet interface {
	Contains(addr string) bool
}

// AddressSetFunc adapts a function to AddressSet.
type AddressSetFunc func(addr string) bool

func (f AddressSetFunc) Contains(addr string) bool { return f(addr) }

// Aggregator fans scanning out over the registered scanners.
type Aggregator struct {
	scanners map[Medium]Scanner
	cfg      cfgpkg.DiscoveryConfig
	logger   *zap.Logger
	metrics  *metrics.AppMetrics
}

// NewAggregator builds an aggregator with the platform's default scanners.
func NewAggregator(cfg cfgpkg.DiscoveryConfig, appm *metrics.AppMetrics, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		scanners: make(map[Medium]Scanner),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "discovery")),
		metrics:  appm,
	}
	a.Register(newSerialScanner(logger))
	a.Register(newBluetoothScanner(logger))
	a.Register(newNetworkScanner(cfg, logger))
	a.Register(newUSBScanner(logger))
	return a
}

// NewBareAggregator builds an aggregator without scanners; tests register
// fakes.
func NewBareAggregator(cfg cfgpkg.DiscoveryConfig, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		scanners: make(map[Medium]Scanner),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register installs (or replaces) the scanner for its medium.
func (a *Aggregator) Register(s Scanner) {
	a.scanners[s.Medium()] = s
}

// Discover scans the requested media in parallel and merges the results.
// An empty media list means all registered media. A scanner error logs
// and drops that medium; the remaining media still report.
func (a *Aggregator) Discover(ctx context.Context, configured AddressSet, media ...Medium) ([]Discovered, error) {
	if len(media) == 0 {
		for m := range a.scanners {
			media = append(media, m)
		}
	}
	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var merged []Discovered
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range media {
		s, ok := a.scanners[m]
		if !ok {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			found, err := s.Scan(gctx)
			if a.metrics != nil {
				a.metrics.DiscoverySeconds.WithLabelValues(string(s.Medium())).Observe(time.Since(start).Seconds())
			}
			if err != nil {
				a.logger.Warn("scan failed",
					zap.String("medium", string(s.Medium())),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			merged = append(merged, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(merged))
	out := make([]Discovered, 0, len(merged))
	for _, d := range merged {
		addr := d.Connection.Address()
		if addr != "" && seen[addr] {
			continue
		}
		seen[addr] = true
		if configured != nil {
			d.IsConfigured = configured.Contains(addr)
		}
		out = append(out, d)
	}
	return out, nil
}
