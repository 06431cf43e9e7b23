package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// terminalVendors maps USB vendor ids of known terminal makers.
var terminalVendors = map[uint16]string{
	0x0b00: "Ingenico",
	0x11ca: "Verifone",
	0x2fb8: "PAX",
}

// manufacturerHints identifies terminals whose adapters report a generic
// vendor id.
var manufacturerHints = []string{"ingenico", "verifone", "pax"}

// serialScanner walks the sysfs tty tree for USB serial adapters.
type serialScanner struct {
	sysTTY string
	logger *zap.Logger
}

func newSerialScanner(logger *zap.Logger) *serialScanner {
	return &serialScanner{sysTTY: "/sys/class/tty", logger: logger}
}

func (s *serialScanner) Medium() Medium { return MediumSerial }

func (s *serialScanner) Scan(ctx context.Context) ([]Discovered, error) {
	entries, err := os.ReadDir(s.sysTTY)
	if err != nil {
		return nil, fmt.Errorf("discovery: list %s: %w", s.sysTTY, err)
	}
	var out []Discovered
	for _, e := range entries {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		name := e.Name()
		if !strings.HasPrefix(name, "ttyUSB") && !strings.HasPrefix(name, "ttyACM") {
			continue
		}
		devDir := filepath.Join(s.sysTTY, name, "device")
		vid, _ := usbIDs(devDir)
		manufacturer := strings.TrimSpace(readSysFile(filepath.Join(devDir, "..", "manufacturer")))
		product := strings.TrimSpace(readSysFile(filepath.Join(devDir, "..", "product")))

		vendor, known := terminalVendors[vid]
		if !known {
			lower := strings.ToLower(manufacturer)
			for _, hint := range manufacturerHints {
				if strings.Contains(lower, hint) {
					vendor = manufacturer
					known = true
					break
				}
			}
		}
		if !known {
			continue
		}

		out = append(out, Discovered{
			Name:         fmt.Sprintf("%s %s", vendor, name),
			Manufacturer: vendor,
			Model:        product,
			Kind:         coremodel.DeviceKindPaymentTerminal,
			Medium:       MediumSerial,
			Connection: coremodel.Connection{
				Type: coremodel.ConnSerial,
				Serial: &coremodel.SerialConn{
					Path:     "/dev/" + name,
					BaudRate: 9600,
					DataBits: 8,
					StopBits: 1,
					Parity:   coremodel.ParityNone,
				},
			},
		})
	}
	return out, nil
}

// usbIDs reads idVendor/idProduct walking up from the tty device link.
func usbIDs(devDir string) (uint16, uint16) {
	for _, up := range []string{"..", filepath.Join("..", "..")} {
		vidStr := strings.TrimSpace(readSysFile(filepath.Join(devDir, up, "idVendor")))
		pidStr := strings.TrimSpace(readSysFile(filepath.Join(devDir, up, "idProduct")))
		if vidStr == "" {
			continue
		}
		vid, err1 := strconv.ParseUint(vidStr, 16, 16)
		pid, err2 := strconv.ParseUint(pidStr, 16, 16)
		if err1 == nil && err2 == nil {
			return uint16(vid), uint16(pid)
		}
	}
	return 0, 0
}

func readSysFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}
