package discovery

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// terminalNamePatterns matches the advertised names of known payment
// terminals.
var terminalNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ingenico|move/?\d|lane/?\d|link/?\d`),
	regexp.MustCompile(`(?i)verifone|[pv]400`),
	regexp.MustCompile(`(?i)\bpax\b|a9[23]0`),
}

// printerNamePatterns matches Bluetooth thermal printers.
var printerNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)tm-[pm]|epson|star|mtp-|mprint|printer`),
}

// bluetoothScanner collects (address, name) pairs from an inquiry scan
// and filters them by the terminal/printer name tables.
type bluetoothScanner struct {
	logger *zap.Logger
	// adapter is resolved lazily; scanning without a stack reports an
	// error instead of panicking at construction.
	enableOnce sync.Once
	enableErr  error
}

func newBluetoothScanner(logger *zap.Logger) *bluetoothScanner {
	return &bluetoothScanner{logger: logger}
}

func (b *bluetoothScanner) Medium() Medium { return MediumBluetooth }

func (b *bluetoothScanner) Scan(ctx context.Context) ([]Discovered, error) {
	adapter := bluetooth.DefaultAdapter
	b.enableOnce.Do(func() { b.enableErr = adapter.Enable() })
	if b.enableErr != nil {
		return nil, fmt.Errorf("discovery: bluetooth stack: %w", b.enableErr)
	}

	type hit struct {
		addr string
		name string
	}
	var mu sync.Mutex
	seen := make(map[string]hit)

	done := make(chan error, 1)
	go func() {
		done <- adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			if name == "" {
				return
			}
			mu.Lock()
			seen[result.Address.String()] = hit{addr: result.Address.String(), name: name}
			mu.Unlock()
		})
	}()

	// run until the aggregator timeout; the scan itself is open-ended
	select {
	case <-ctx.Done():
		_ = adapter.StopScan()
		<-done
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("discovery: bluetooth scan: %w", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	var out []Discovered
	for _, h := range seen {
		kind, ok := classifyBTName(h.name)
		if !ok {
			continue
		}
		out = append(out, Discovered{
			Name:   h.name,
			Kind:   kind,
			Medium: MediumBluetooth,
			Connection: coremodel.Connection{
				Type: coremodel.ConnBluetooth,
				Bluetooth: &coremodel.BluetoothConn{
					MAC:     h.addr,
					Channel: 1,
					Name:    h.name,
				},
			},
		})
	}
	return out, nil
}

// classifyBTName matches a device name against the pattern tables.
func classifyBTName(name string) (coremodel.DeviceKind, bool) {
	for _, re := range terminalNamePatterns {
		if re.MatchString(name) {
			return coremodel.DeviceKindPaymentTerminal, true
		}
	}
	for _, re := range printerNamePatterns {
		if re.MatchString(name) {
			return coremodel.DeviceKindPrinter, true
		}
	}
	return "", false
}
