package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
	"github.com/kassenwerk/periphd/internal/coremodel"
)

type fakeScanner struct {
	medium Medium
	found  []Discovered
	err    error
	delay  time.Duration
}

func (f *fakeScanner) Medium() Medium { return f.medium }

func (f *fakeScanner) Scan(ctx context.Context) ([]Discovered, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.found, f.err
}

func netDiscovered(host string, port int) Discovered {
	return Discovered{
		Name:   host,
		Kind:   coremodel.DeviceKindPrinter,
		Medium: MediumNetwork,
		Connection: coremodel.Connection{
			Type:    coremodel.ConnNetwork,
			Network: &coremodel.NetworkConn{Host: host, Port: port},
		},
	}
}

func TestAggregatorMergesMedia(t *testing.T) {
	a := NewBareAggregator(cfgpkg.DiscoveryConfig{Timeout: time.Second}, zap.NewNop())
	a.Register(&fakeScanner{medium: MediumNetwork, found: []Discovered{netDiscovered("10.0.0.5", 9100)}})
	a.Register(&fakeScanner{medium: MediumSerial, found: []Discovered{{
		Name: "Ingenico ttyUSB0",
		Kind: coremodel.DeviceKindPaymentTerminal,
		Connection: coremodel.Connection{
			Type:   coremodel.ConnSerial,
			Serial: &coremodel.SerialConn{Path: "/dev/ttyUSB0"},
		},
		Medium: MediumSerial,
	}}})

	found, err := a.Discover(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestAggregatorSelectsMedia(t *testing.T) {
	a := NewBareAggregator(cfgpkg.DiscoveryConfig{Timeout: time.Second}, zap.NewNop())
	a.Register(&fakeScanner{medium: MediumNetwork, found: []Discovered{netDiscovered("10.0.0.5", 9100)}})
	a.Register(&fakeScanner{medium: MediumSerial, found: []Discovered{{Name: "x", Medium: MediumSerial}}})

	found, err := a.Discover(context.Background(), nil, MediumNetwork)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, MediumNetwork, found[0].Medium)
}

func TestAggregatorDeduplicatesByAddress(t *testing.T) {
	a := NewBareAggregator(cfgpkg.DiscoveryConfig{Timeout: time.Second}, zap.NewNop())
	// mDNS and the port probe can both report the same printer
	a.Register(&fakeScanner{medium: MediumNetwork, found: []Discovered{
		netDiscovered("10.0.0.5", 9100),
		netDiscovered("10.0.0.5", 9100),
	}})

	found, err := a.Discover(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestAggregatorAnnotatesConfigured(t *testing.T) {
	a := NewBareAggregator(cfgpkg.DiscoveryConfig{Timeout: time.Second}, zap.NewNop())
	a.Register(&fakeScanner{medium: MediumNetwork, found: []Discovered{
		netDiscovered("10.0.0.5", 9100),
		netDiscovered("10.0.0.6", 9100),
	}})

	configured := AddressSetFunc(func(addr string) bool { return addr == "10.0.0.5:9100" })
	found, err := a.Discover(context.Background(), configured)
	require.NoError(t, err)
	require.Len(t, found, 2)
	byHost := map[string]bool{}
	for _, d := range found {
		byHost[d.Connection.Network.Host] = d.IsConfigured
	}
	assert.True(t, byHost["10.0.0.5"])
	assert.False(t, byHost["10.0.0.6"])
}

func TestAggregatorSurvivesScannerFailure(t *testing.T) {
	a := NewBareAggregator(cfgpkg.DiscoveryConfig{Timeout: time.Second}, zap.NewNop())
	a.Register(&fakeScanner{medium: MediumBluetooth, err: errors.New("no adapter")})
	a.Register(&fakeScanner{medium: MediumNetwork, found: []Discovered{netDiscovered("10.0.0.5", 9100)}})

	found, err := a.Discover(context.Background(), nil)
	require.NoError(t, err, "one failing medium must not fail the pass")
	assert.Len(t, found, 1)
}

func TestAggregatorHonorsTimeout(t *testing.T) {
	a := NewBareAggregator(cfgpkg.DiscoveryConfig{Timeout: 50 * time.Millisecond}, zap.NewNop())
	a.Register(&fakeScanner{medium: MediumNetwork, delay: 5 * time.Second})

	start := time.Now()
	_, err := a.Discover(context.Background(), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClassifyBTName(t *testing.T) {
	kind, ok := classifyBTName("Ingenico Move/5000")
	require.True(t, ok)
	assert.Equal(t, coremodel.DeviceKindPaymentTerminal, kind)

	kind, ok = classifyBTName("PAX A920 Pro")
	require.True(t, ok)
	assert.Equal(t, coremodel.DeviceKindPaymentTerminal, kind)

	kind, ok = classifyBTName("TM-P20_123")
	require.True(t, ok)
	assert.Equal(t, coremodel.DeviceKindPrinter, kind)

	_, ok = classifyBTName("Some Headphones")
	assert.False(t, ok)
}

func TestParseTXT(t *testing.T) {
	txt := parseTXT([]string{"ty=TM-m30", "usb_MFG=EPSON", "junk"})
	assert.Equal(t, "TM-m30", firstOf(txt, "ty", "product"))
	assert.Equal(t, "EPSON", firstOf(txt, "usb_MFG", "mfg"))
	assert.Equal(t, "", firstOf(txt, "missing"))
}
