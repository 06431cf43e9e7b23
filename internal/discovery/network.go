package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
	"github.com/kassenwerk/periphd/internal/coremodel"
)

// mdnsServices are the printer service types browsed.
var mdnsServices = []string{
	"_pdl-datastream._tcp",
	"_ipp._tcp",
	"_printer._tcp",
}

// rawPrintPort is the JetDirect raw socket port probed on local subnets.
const rawPrintPort = 9100

// probeWindows restricts the probed host numbers: typical static ranges
// for tills and printers, skipping the DHCP bulk.
var probeWindows = [][2]int{{1, 50}, {100, 110}, {200, 210}}

// networkScanner merges an mDNS browse with a TCP 9100 subnet probe.
type networkScanner struct {
	cfg    cfgpkg.DiscoveryConfig
	logger *zap.Logger
}

func newNetworkScanner(cfg cfgpkg.DiscoveryConfig, logger *zap.Logger) *networkScanner {
	return &networkScanner{cfg: cfg, logger: logger}
}

func (n *networkScanner) Medium() Medium { return MediumNetwork }

func (n *networkScanner) Scan(ctx context.Context) ([]Discovered, error) {
	var mu sync.Mutex
	byAddr := make(map[string]Discovered)
	add := func(d Discovered) {
		mu.Lock()
		addr := d.Connection.Address()
		if prev, ok := byAddr[addr]; !ok || prev.Model == "" {
			byAddr[addr] = d
		}
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.browseMDNS(gctx, add) })
	g.Go(func() error { return n.probeSubnets(gctx, add) })
	if err := g.Wait(); err != nil && len(byAddr) == 0 {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Discovered, 0, len(byAddr))
	for _, d := range byAddr {
		out = append(out, d)
	}
	return out, nil
}

// browseMDNS collects printer services; TXT keys ty/product carry the
// model, usb_MFG/mfg the manufacturer.
func (n *networkScanner) browseMDNS(ctx context.Context, add func(Discovered)) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, service := range mdnsServices {
		g.Go(func() error { return n.browseService(ctx, service, add) })
	}
	return g.Wait()
}

func (n *networkScanner) browseService(ctx context.Context, service string, add func(Discovered)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
				if len(entry.AddrIPv4) == 0 {
					continue
				}
			txt := parseTXT(entry.Text)
			model := firstOf(txt, "ty", "product")
			mfg := firstOf(txt, "usb_MFG", "mfg")
			name := entry.Instance
			if name == "" {
				name = entry.HostName
			}
			add(Discovered{
				Name:         name,
				Manufacturer: mfg,
				Model:        strings.Trim(model, "()"),
				Kind:         coremodel.DeviceKindPrinter,
				Medium:       MediumNetwork,
				Connection: coremodel.Connection{
					Type: coremodel.ConnNetwork,
					Network: &coremodel.NetworkConn{
						Host:     entry.AddrIPv4[0].String(),
						Port:     entry.Port,
						Hostname: entry.HostName,
					},
				},
			})
		}
	}()
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return fmt.Errorf("discovery: mdns browse %s: %w", service, err)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

// probeSubnets dials port 9100 across the probe windows of each local
// IPv4 /24, paced by the configured rate.
func (n *networkScanner) probeSubnets(ctx context.Context, add func(Discovered)) error {
	subnets, err := localSubnets()
	if err != nil {
		return err
	}
	probeTimeout := n.cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	perSecond := n.cfg.ProbeRate
	if perSecond <= 0 {
		perSecond = 64
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), perSecond)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(32)
	for _, subnet := range subnets {
		for _, window := range probeWindows {
			for host := window[0]; host <= window[1]; host++ {
				ip := fmt.Sprintf("%s.%d", subnet, host)
				g.Go(func() error {
					if err := limiter.Wait(gctx); err != nil {
						return nil
					}
					d := net.Dialer{Timeout: probeTimeout}
					conn, err := d.DialContext(gctx, "tcp", fmt.Sprintf("%s:%d", ip, rawPrintPort))
					if err != nil {
						return nil
					}
					_ = conn.Close()
					add(Discovered{
						Name:   fmt.Sprintf("Raw printer %s", ip),
						Kind:   coremodel.DeviceKindPrinter,
						Medium: MediumNetwork,
						Connection: coremodel.Connection{
							Type:    coremodel.ConnNetwork,
							Network: &coremodel.NetworkConn{Host: ip, Port: rawPrintPort},
						},
					})
					return nil
				})
			}
		}
	}
	return g.Wait()
}

// localSubnets lists the /24 prefixes of the host's private IPv4
// addresses.
func localSubnets() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("discovery: interfaces: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || !ip4.IsPrivate() {
			continue
		}
		prefix := fmt.Sprintf("%d.%d.%d", ip4[0], ip4[1], ip4[2])
		if !seen[prefix] {
			seen[prefix] = true
			out = append(out, prefix)
		}
	}
	return out, nil
}

func parseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
