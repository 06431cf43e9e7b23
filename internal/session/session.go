// Package session owns the live connection to each payment terminal: one
// Session couples a transport with its protocol engine, enforces the
// one-transaction-at-a-time guard, and fans connection events out to the
// core sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/protocol"
	"github.com/kassenwerk/periphd/internal/protocol/genericecr"
	"github.com/kassenwerk/periphd/internal/protocol/pax"
	"github.com/kassenwerk/periphd/internal/protocol/zvt"
	"github.com/kassenwerk/periphd/internal/transport"
)

// ErrTransactionInProgress reports a second transaction on a busy device.
var ErrTransactionInProgress = errors.New("session: transaction in progress")

// Session is the live link to one terminal.
type Session struct {
	Device    coremodel.Device
	Transport transport.Transport
	Engine    protocol.Engine

	mu       sync.Mutex
	inFlight bool
	txID     coremodel.TransactionID
}

// tryAcquire claims the in-flight slot.
func (s *Session) tryAcquire(txID coremodel.TransactionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	s.txID = txID
	return true
}

func (s *Session) release() {
	s.mu.Lock()
	s.inFlight = false
	s.txID = ""
	s.mu.Unlock()
}

// InFlight reports the id of the running transaction, if any.
func (s *Session) InFlight() (coremodel.TransactionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txID, s.inFlight
}

// TransportFactory builds a transport for a connection record. Swapped in
// tests.
type TransportFactory func(conn coremodel.Connection, cfg cfgpkg.TransportConfig, logger *zap.Logger) (transport.Transport, error)

// EngineFactory builds a protocol engine on a transport. Swapped in tests.
type EngineFactory func(proto coremodel.Protocol, t transport.Transport, logger *zap.Logger) (protocol.Engine, error)

// NewTransport is the default TransportFactory.
func NewTransport(conn coremodel.Connection, cfg cfgpkg.TransportConfig, logger *zap.Logger) (transport.Transport, error) {
	switch conn.Type {
	case coremodel.ConnNetwork:
		d := transport.NewTCPDialer(conn.Network.Host, conn.Network.Port)
		return transport.New(d, cfg, logger), nil
	case coremodel.ConnSerial:
		return transport.New(transport.NewSerialDialer(*conn.Serial), cfg, logger), nil
	case coremodel.ConnBluetooth:
		d, err := transport.NewBluetoothDialer(*conn.Bluetooth)
		if err != nil {
			return nil, err
		}
		return transport.New(d, cfg, logger), nil
	case coremodel.ConnSystemSpool:
		return transport.NewRawPrint(conn.Spool.Name)
	}
	return nil, fmt.Errorf("session: no transport for connection type %q", conn.Type)
}

// Config bundles the manager dependencies.
type Config struct {
	Transport cfgpkg.TransportConfig
	Terminal  cfgpkg.TerminalConfig
}

// Manager tracks one session per connected device.
type Manager struct {
	cfg          Config
	logger       *zap.Logger
	sink         coremodel.EventSink
	newTransport TransportFactory
	newEngine    EngineFactory

	mu       sync.RWMutex
	sessions map[coremodel.DeviceID]*Session
}

// NewManager builds the session manager.
func NewManager(cfg Config, sink coremodel.EventSink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "session")),
		sink:     sink,
		sessions: make(map[coremodel.DeviceID]*Session),
	}
	m.newTransport = NewTransport
	m.newEngine = m.defaultEngine
	return m
}

// SetFactories swaps the transport/engine constructors; tests use this to
// inject scripted fakes.
func (m *Manager) SetFactories(tf TransportFactory, ef EngineFactory) {
	if tf != nil {
		m.newTransport = tf
	}
	if ef != nil {
		m.newEngine = ef
	}
}

func (m *Manager) defaultEngine(proto coremodel.Protocol, t transport.Transport, logger *zap.Logger) (protocol.Engine, error) {
	term := m.cfg.Terminal
	switch proto {
	case coremodel.ProtocolZVT:
		return zvt.New(t, zvt.Config{
			Password:           term.ZVTPassword,
			Currency:           term.Currency,
			PrintOnPOS:         term.PrintOnPOS,
			PollTimeout:        term.PollTimeout,
			TransactionTimeout: term.TransactionTimeout,
		}, logger), nil
	case coremodel.ProtocolPAX:
		return pax.New(t, pax.Config{
			TransactionTimeout: term.TransactionTimeout,
		}, logger), nil
	case coremodel.ProtocolGenericECR:
		return genericecr.New(t, genericecr.Config{
			PollTimeout:        term.PollTimeout,
			TransactionTimeout: term.TransactionTimeout,
		}, logger), nil
	}
	return nil, fmt.Errorf("session: no engine for protocol %q", proto)
}

func (m *Manager) emit(ev coremodel.Event) {
	if m.sink != nil {
		ev.At = time.Now()
		m.sink.HandleEvent(ev)
	}
}

// Connect opens a session for device: transport connect plus protocol
// initialization. A session that already exists is returned as is.
func (m *Manager) Connect(ctx context.Context, device coremodel.Device) (*Session, error) {
	if !device.Enabled {
		return nil, fmt.Errorf("session: device %q is disabled", device.Name)
	}
	m.mu.Lock()
	if s, ok := m.sessions[device.ID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	t, err := m.newTransport(device.Connection, m.cfg.Transport, m.logger)
	if err != nil {
		return nil, err
	}
	eng, err := m.newEngine(device.Protocol, t, m.logger)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	if err := eng.Initialize(ctx); err != nil {
		_ = t.Disconnect()
		return nil, fmt.Errorf("session: initialize %q: %w", device.Name, err)
	}

	s := &Session{Device: device, Transport: t, Engine: eng}
	m.mu.Lock()
	m.sessions[device.ID] = s
	m.mu.Unlock()

	m.logger.Info("device connected",
		zap.String("device_id", string(device.ID)),
		zap.String("device", device.Name))
	m.emit(coremodel.Event{Type: coremodel.EventDeviceConnected, DeviceID: device.ID})
	return s, nil
}

// Get returns the live session for id.
func (m *Manager) Get(id coremodel.DeviceID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions snapshots the live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Disconnect tears a session down. A transaction in flight is aborted
// first; its loop resolves as cancelled.
func (m *Manager) Disconnect(ctx context.Context, id coremodel.DeviceID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if _, busy := s.InFlight(); busy {
		if err := s.Engine.Abort(ctx); err != nil {
			m.logger.Warn("abort on disconnect failed",
				zap.String("device_id", string(id)), zap.Error(err))
		}
	}
	err := s.Transport.Disconnect()
	m.emit(coremodel.Event{Type: coremodel.EventDeviceDisconnected, DeviceID: id})
	return err
}

// Process runs one transaction on the device's session, holding the
// exclusive in-flight slot for its whole duration.
func (m *Manager) Process(ctx context.Context, id coremodel.DeviceID, txID coremodel.TransactionID, req protocol.Request) (protocol.Result, error) {
	s, ok := m.Get(id)
	if !ok {
		return protocol.Result{}, fmt.Errorf("session: device %s not connected", id)
	}
	if !s.tryAcquire(txID) {
		return protocol.Result{}, ErrTransactionInProgress
	}
	defer s.release()
	return s.Engine.ProcessTransaction(ctx, req), nil
}

// Abort sends the protocol abort for the device's running transaction.
func (m *Manager) Abort(ctx context.Context, id coremodel.DeviceID) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("session: device %s not connected", id)
	}
	return s.Engine.Abort(ctx)
}

// Shutdown disconnects every session.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.Sessions() {
		_ = m.Disconnect(ctx, s.Device.ID)
	}
}
