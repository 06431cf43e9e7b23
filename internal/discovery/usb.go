package discovery

import (
	"context"
	"fmt"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// printerVendors recognizes receipt-printer makers whose devices do not
// always report the printer class.
var printerVendors = map[uint16]string{
	0x04b8: "Epson",
	0x0519: "Star Micronics",
	0x0dd4: "Custom Engineering",
	0x0fe6: "ICS Advent",
	0x1504: "Bixolon",
}

// usbScanner enumerates USB devices and keeps printer-class devices and
// recognized vendors.
type usbScanner struct {
	logger *zap.Logger
}

func newUSBScanner(logger *zap.Logger) *usbScanner {
	return &usbScanner{logger: logger}
}

func (u *usbScanner) Medium() Medium { return MediumUSB }

func (u *usbScanner) Scan(ctx context.Context) ([]Discovered, error) {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	var out []Discovered
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if ctx.Err() != nil {
			return false
		}
		vid := uint16(desc.Vendor)
		if _, known := printerVendors[vid]; known {
			return true
		}
		if desc.Class == gousb.ClassPrinter {
			return true
		}
		for _, cfg := range desc.Configs {
			for _, intf := range cfg.Interfaces {
				for _, alt := range intf.AltSettings {
					if alt.Class == gousb.ClassPrinter {
						return true
					}
				}
			}
		}
		return false
	})
	// some matched devices may refuse to open (permissions); keep what we
	// got and report those we can describe
	for _, dev := range devices {
		desc := dev.Desc
		vid := uint16(desc.Vendor)
		pid := uint16(desc.Product)

		manufacturer := printerVendors[vid]
		if m, err := dev.Manufacturer(); err == nil && m != "" {
			manufacturer = m
		}
		product := ""
		if p, err := dev.Product(); err == nil {
			product = p
		}

		name := product
		if name == "" {
			name = fmt.Sprintf("USB printer %04x:%04x", vid, pid)
		}
		out = append(out, Discovered{
			Name:         name,
			Manufacturer: manufacturer,
			Model:        product,
			Kind:         coremodel.DeviceKindPrinter,
			Medium:       MediumUSB,
			Connection: coremodel.Connection{
				Type: coremodel.ConnUSB,
				USB: &coremodel.USBConn{
					VendorID:   vid,
					ProductID:  pid,
					SystemName: fmt.Sprintf("bus%03d-dev%03d", desc.Bus, desc.Address),
				},
			},
		})
		_ = dev.Close()
	}
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("discovery: usb enumerate: %w", err)
	}
	return out, nil
}
