package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/discovery"
	"github.com/kassenwerk/periphd/internal/transport"
)

// DiscoverDevices scans the requested media (all when empty) and
// annotates results already present in the configuration store.
func (o *Orchestrator) DiscoverDevices(ctx context.Context, media ...discovery.Medium) ([]discovery.Discovered, error) {
	configured, err := o.configuredAddresses(ctx)
	if err != nil {
		return nil, err
	}
	return o.finder.Discover(ctx, configured, media...)
}

// configuredAddresses collects the address set of all configured devices
// and printers.
func (o *Orchestrator) configuredAddresses(ctx context.Context) (discovery.AddressSet, error) {
	addrs := make(map[string]bool)
	devices, err := o.repo.ListDevices(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if a := d.Connection.Address(); a != "" {
			addrs[a] = true
		}
	}
	printers, err := o.repo.ListPrinters(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range printers {
		if a := p.Connection.Address(); a != "" {
			addrs[a] = true
		}
	}
	return discovery.AddressSetFunc(func(a string) bool { return addrs[a] }), nil
}

// AddDevice validates and stores a new device record.
func (o *Orchestrator) AddDevice(ctx context.Context, d coremodel.Device) (*coremodel.Device, error) {
	if d.ID == "" {
		d.ID = coremodel.DeviceID(uuid.NewString())
	}
	if d.Name == "" {
		return nil, fmt.Errorf("orchestrator: device name is required")
	}
	if err := o.repo.CreateDevice(ctx, &d); err != nil {
		return nil, err
	}
	if d.IsDefault {
		if err := o.repo.SetDefaultDevice(ctx, d.ID); err != nil {
			return nil, err
		}
	}
	o.logger.Info("device added",
		zap.String("device_id", string(d.ID)),
		zap.String("name", d.Name),
		zap.String("kind", string(d.Kind)))
	return &d, nil
}

// UpdateDevice rewrites a device record. Disabling a connected device
// tears its session down before next use.
func (o *Orchestrator) UpdateDevice(ctx context.Context, d coremodel.Device) error {
	if err := o.repo.UpdateDevice(ctx, &d); err != nil {
		return err
	}
	if d.IsDefault {
		if err := o.repo.SetDefaultDevice(ctx, d.ID); err != nil {
			return err
		}
	}
	if !d.Enabled {
		if _, connected := o.sessions.Get(d.ID); connected {
			if err := o.sessions.Disconnect(ctx, d.ID); err != nil {
				o.logger.Warn("disconnect of disabled device failed",
					zap.String("device_id", string(d.ID)), zap.Error(err))
			}
		}
	}
	return nil
}

// RemoveDevice disconnects and deletes a device record.
func (o *Orchestrator) RemoveDevice(ctx context.Context, id coremodel.DeviceID) error {
	_ = o.sessions.Disconnect(ctx, id)
	return o.repo.DeleteDevice(ctx, id)
}

// GetDevices lists configured devices, optionally narrowed to one kind.
func (o *Orchestrator) GetDevices(ctx context.Context, kind coremodel.DeviceKind) ([]coremodel.Device, error) {
	return o.repo.ListDevices(ctx, kind)
}

// GetDevice fetches one device.
func (o *Orchestrator) GetDevice(ctx context.Context, id coremodel.DeviceID) (*coremodel.Device, error) {
	return o.repo.GetDevice(ctx, id)
}

// GetDefaultTerminal returns the default payment terminal.
func (o *Orchestrator) GetDefaultTerminal(ctx context.Context) (*coremodel.Device, error) {
	return o.repo.GetDefaultDevice(ctx, coremodel.DeviceKindPaymentTerminal)
}

// ConnectDevice opens the session for a configured device.
func (o *Orchestrator) ConnectDevice(ctx context.Context, id coremodel.DeviceID) error {
	d, err := o.repo.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if _, err := o.sessions.Connect(ctx, *d); err != nil {
		return err
	}
	if o.appm != nil {
		o.appm.DevicesConnected.Inc()
	}
	return nil
}

// DisconnectDevice tears a device's session down; an in-flight
// transaction is aborted and resolves as cancelled.
func (o *Orchestrator) DisconnectDevice(ctx context.Context, id coremodel.DeviceID) error {
	if _, connected := o.sessions.Get(id); !connected {
		return nil
	}
	err := o.sessions.Disconnect(ctx, id)
	if o.appm != nil {
		o.appm.DevicesConnected.Dec()
	}
	return err
}

// DeviceStatus is the public connection snapshot of one device.
type DeviceStatus struct {
	DeviceID  coremodel.DeviceID
	Connected bool
	State     transport.State
	Status    transport.Status
}

// GetDeviceStatus reports the transport state of one device.
func (o *Orchestrator) GetDeviceStatus(id coremodel.DeviceID) (DeviceStatus, bool) {
	s, ok := o.sessions.Get(id)
	if !ok {
		return DeviceStatus{DeviceID: id, State: transport.StateDisconnected}, false
	}
	return DeviceStatus{
		DeviceID:  id,
		Connected: s.Transport.State() == transport.StateConnected,
		State:     s.Transport.State(),
		Status:    s.Transport.Status(),
	}, true
}

// GetAllDeviceStatuses reports every live session.
func (o *Orchestrator) GetAllDeviceStatuses() []DeviceStatus {
	sessions := o.sessions.Sessions()
	out := make([]DeviceStatus, 0, len(sessions))
	for _, s := range sessions {
		st, _ := o.GetDeviceStatus(s.Device.ID)
		out = append(out, st)
	}
	return out
}

// AddPrinter stores a printer record and refreshes the routing tables.
func (o *Orchestrator) AddPrinter(ctx context.Context, p coremodel.Printer) (*coremodel.Printer, error) {
	if p.ID == "" {
		p.ID = coremodel.DeviceID(uuid.NewString())
	}
	if p.Name == "" {
		return nil, fmt.Errorf("orchestrator: printer name is required")
	}
	if err := o.repo.CreatePrinter(ctx, &p); err != nil {
		return nil, err
	}
	if err := o.rebuildRoutes(ctx); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePrinter rewrites a printer record and refreshes routing.
func (o *Orchestrator) UpdatePrinter(ctx context.Context, p coremodel.Printer) error {
	if err := o.repo.UpdatePrinter(ctx, &p); err != nil {
		return err
	}
	o.dropPrinterLink(p.ID)
	return o.rebuildRoutes(ctx)
}

// RemovePrinter deletes a printer record and refreshes routing.
func (o *Orchestrator) RemovePrinter(ctx context.Context, id coremodel.DeviceID) error {
	if err := o.repo.DeletePrinter(ctx, id); err != nil {
		return err
	}
	o.dropPrinterLink(id)
	return o.rebuildRoutes(ctx)
}

// GetPrinters lists configured printers.
func (o *Orchestrator) GetPrinters(ctx context.Context) ([]coremodel.Printer, error) {
	return o.repo.ListPrinters(ctx)
}

// PrinterStatuses exposes the monitor snapshot.
func (o *Orchestrator) PrinterStatuses() []coremodel.PrinterStatus {
	return o.monitor.Statuses()
}

func (o *Orchestrator) dropPrinterLink(id coremodel.DeviceID) {
	o.printerMu.Lock()
	if t, ok := o.printerLinks[id]; ok {
		_ = t.Disconnect()
		delete(o.printerLinks, id)
	}
	o.printerMu.Unlock()
}
