// Package transport provides the uniform byte pipe to peripherals over
// TCP, serial, Bluetooth SPP and the OS print spooler: connect lifecycle
// with retry and backoff, auto-reconnect, the shared receive buffer, and
// byte counters.
package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
)

// State is the lifecycle state of one link.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Status is a point-in-time snapshot of one link.
type Status struct {
	Connected     bool
	LastConnected *time.Time
	LastError     string
	BytesSent     uint64
	BytesReceived uint64
}

// Transport is the uniform byte pipe. Send and Receive are not safe for
// concurrent use; the protocol engine is the sole caller and serializes
// them.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error)
	// Unread re-buffers the unconsumed tail of a received chunk so the
	// next Receive returns it first.
	Unread(tail []byte)
	State() State
	Status() Status
}

// Dialer opens the underlying link once. Concrete transports supply one;
// Conn layers retry, reconnect and buffering on top.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	Kind() string
}

// StateListener observes link state transitions.
type StateListener func(old, new State)

// maxReconnectDelay caps the reconnect backoff.
const maxReconnectDelay = 5 * time.Second

// readChunkSize is the read-pump buffer size.
const readChunkSize = 4096

// Conn is the shared transport implementation over a Dialer.
type Conn struct {
	dialer Dialer
	opts   cfgpkg.TransportConfig
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	rwc      io.ReadWriteCloser
	readDone chan struct{}
	cancelCh chan struct{}

	buffer *recvBuffer

	statMu        sync.Mutex
	bytesSent     uint64
	bytesReceived uint64
	lastConnected *time.Time
	lastError     string

	onState StateListener
}

// New builds a Conn over dialer with the shared transport tunables.
func New(dialer Dialer, opts cfgpkg.TransportConfig, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		dialer: dialer,
		opts:   opts,
		logger: logger.With(zap.String("transport", dialer.Kind())),
		state:  StateDisconnected,
		buffer: newRecvBuffer(),
	}
}

// OnStateChange installs the state listener. Must be called before Connect.
func (c *Conn) OnStateChange(fn StateListener) { c.onState = fn }

func (c *Conn) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s && c.onState != nil {
		c.onState(old, s)
	}
}

// State returns the current link state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the link snapshot.
func (c *Conn) Status() Status {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	return Status{
		Connected:     c.State() == StateConnected,
		LastConnected: c.lastConnected,
		LastError:     c.lastError,
		BytesSent:     c.bytesSent,
		BytesReceived: c.bytesReceived,
	}
}

func (c *Conn) recordError(err error) {
	c.statMu.Lock()
	c.lastError = err.Error()
	c.statMu.Unlock()
}

// Connect establishes the link, retrying up to MaxRetries attempts with
// exponential backoff. Each attempt is raced against ConnectTimeout.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	bo := newConnectBackoff(c.opts.RetryBaseDelay)
	attempts := c.opts.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := bo.NextBackOff()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return NewError(CodeConnectionFailed, true, "connect cancelled", ctx.Err())
			}
		}
		rwc, err := c.dialOnce(ctx)
		if err == nil {
			c.attach(rwc)
			c.logger.Info("connected", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		c.recordError(err)
		c.logger.Warn("connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	c.setState(StateError)
	return NewError(CodeConnectionFailed, true, "all connect attempts failed", lastErr)
}

// dialOnce runs a single dial attempt bounded by ConnectTimeout.
func (c *Conn) dialOnce(ctx context.Context) (io.ReadWriteCloser, error) {
	dctx := ctx
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}
	rwc, err := c.dialer.Dial(dctx)
	if err != nil {
		if dctx.Err() == context.DeadlineExceeded {
			return nil, NewError(CodeConnectionTimeout, true, "link did not come up in time", err)
		}
		return nil, NewError(CodeTransport, true, "dial failed", err)
	}
	return rwc, nil
}

// attach installs an established link and starts the read pump.
func (c *Conn) attach(rwc io.ReadWriteCloser) {
	now := time.Now()
	c.mu.Lock()
	c.rwc = rwc
	c.readDone = make(chan struct{})
	c.cancelCh = make(chan struct{})
	c.mu.Unlock()
	c.buffer.reopen()
	c.statMu.Lock()
	c.lastConnected = &now
	c.statMu.Unlock()
	c.setState(StateConnected)
	go c.readLoop(rwc, c.readDone)
}

// readLoop pumps incoming bytes into the receive buffer until the link
// drops.
func (c *Conn) readLoop(rwc io.ReadWriteCloser, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := rwc.Read(chunk)
		if n > 0 {
			c.statMu.Lock()
			c.bytesReceived += uint64(n)
			c.statMu.Unlock()
			c.buffer.push(chunk[:n])
		}
		if err != nil {
			c.onLinkLost(rwc, err)
			return
		}
	}
}

// onLinkLost handles an unexpected drop of an established link.
func (c *Conn) onLinkLost(rwc io.ReadWriteCloser, cause error) {
	c.mu.Lock()
	if c.rwc != rwc {
		// already detached by Disconnect
		c.mu.Unlock()
		return
	}
	c.rwc = nil
	c.mu.Unlock()

	_ = rwc.Close()
	c.buffer.close()
	c.recordError(cause)
	c.setState(StateDisconnected)
	c.logger.Warn("link lost", zap.Error(cause))

	if c.opts.AutoReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop re-dials with exponential backoff capped at 5s until the
// link is back, Disconnect intervenes, or ReconnectTimeout wall-clock
// elapses (then the link parks in the error state).
func (c *Conn) reconnectLoop() {
	c.setState(StateReconnecting)
	start := time.Now()
	delay := c.opts.RetryBaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		c.mu.Lock()
		cancel := c.cancelCh
		c.mu.Unlock()
		select {
		case <-time.After(delay):
		case <-cancel:
			return
		}
		if c.State() != StateReconnecting {
			return
		}
		ctx, cancelDial := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		rwc, err := c.dialer.Dial(ctx)
		cancelDial()
		if err == nil {
			c.attach(rwc)
			c.logger.Info("reconnected", zap.Duration("after", time.Since(start)))
			return
		}
		c.recordError(err)
		if c.opts.ReconnectTimeout > 0 && time.Since(start) > c.opts.ReconnectTimeout {
			c.setState(StateError)
			c.logger.Error("reconnect window exhausted", zap.Error(err))
			return
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Disconnect tears the link down. Best effort; never fails destructively.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	rwc := c.rwc
	c.rwc = nil
	if c.cancelCh != nil {
		select {
		case <-c.cancelCh:
		default:
			close(c.cancelCh)
		}
	}
	done := c.readDone
	c.mu.Unlock()

	c.buffer.close()

	if rwc != nil {
		// half-close first where the link supports it, hard close after
		// the 1s watchdog
		if cw, ok := rwc.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
			if done != nil {
				select {
				case <-done:
				case <-time.After(time.Second):
				}
			}
		}
		_ = rwc.Close()
	}
	c.setState(StateDisconnected)
	return nil
}

// Send writes one frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	rwc := c.rwc
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || rwc == nil {
		return NewError(CodeNotConnected, false, "send on closed link", nil)
	}
	if err := ctx.Err(); err != nil {
		return NewError(CodeIO, true, "send cancelled", err)
	}
	n, err := rwc.Write(data)
	c.statMu.Lock()
	c.bytesSent += uint64(n)
	c.statMu.Unlock()
	if err != nil {
		c.recordError(err)
		return NewError(CodeIO, true, "write failed", err)
	}
	return nil
}

// Receive returns the next available chunk, draining buffered bytes first.
func (c *Conn) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if c.State() != StateConnected && c.buffer.pending() == 0 {
		return nil, NewError(CodeNotConnected, false, "receive on closed link", nil)
	}
	if timeout <= 0 {
		timeout = c.opts.ReceiveTimeout
	}
	c.mu.Lock()
	cancel := c.cancelCh
	c.mu.Unlock()
	if cancel == nil {
		closed := make(chan struct{})
		close(closed)
		cancel = closed
	}
	done := ctx.Done()
	if done != nil {
		// merge context cancellation into the buffer's cancel channel
		merged := make(chan struct{})
		stop := make(chan struct{})
		go func() {
			select {
			case <-done:
				close(merged)
			case <-cancel:
				close(merged)
			case <-stop:
			}
		}()
		defer close(stop)
		return c.buffer.receive(timeout, merged)
	}
	return c.buffer.receive(timeout, cancel)
}

// SendAndReceive writes data and returns the first response chunk.
func (c *Conn) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if err := c.Send(ctx, data); err != nil {
		return nil, err
	}
	return c.Receive(ctx, timeout)
}

// Unread re-buffers tail for the next Receive.
func (c *Conn) Unread(tail []byte) { c.buffer.unread(tail) }

// ReceiveExact reads exactly n bytes via repeated Receive calls,
// re-buffering any surplus from the final chunk.
func ReceiveExact(ctx context.Context, t Transport, n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	for len(out) < n {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, NewError(CodeReceiveTimeout, true, "short read", nil)
		}
		chunk, err := t.Receive(ctx, remain)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	if len(out) > n {
		t.Unread(out[n:])
		out = out[:n]
	}
	return out, nil
}
