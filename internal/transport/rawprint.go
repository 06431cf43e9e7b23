package transport

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

// printerNamePattern is the full allow-list for spooler printer names.
// Anything else (shell metacharacters, quotes, backslashes, control
// characters, NUL) is rejected before a name ever reaches the spooler
// tools.
var printerNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// ValidatePrinterName rejects names that are unsafe to pass to spooler
// commands.
func ValidatePrinterName(name string) error {
	if name == "" {
		return fmt.Errorf("printer name is empty")
	}
	if !printerNamePattern.MatchString(name) {
		return fmt.Errorf("printer name %q contains unsafe characters", name)
	}
	return nil
}

// RawPrint streams raw bytes to an OS spooler printer via lp(1). The
// spooler is one-way; Receive always times out.
type RawPrint struct {
	name string

	mu    sync.Mutex
	state State

	statMu        sync.Mutex
	bytesSent     uint64
	lastConnected *time.Time
	lastError     string
}

// NewRawPrint validates the printer name at construction. An invalid name
// never reaches a shell or spooler call.
func NewRawPrint(name string) (*RawPrint, error) {
	if err := ValidatePrinterName(name); err != nil {
		return nil, err
	}
	return &RawPrint{name: name, state: StateDisconnected}, nil
}

// Connect verifies the printer exists in the spooler.
func (r *RawPrint) Connect(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "lpstat", "-p", r.name)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.setError(err)
		return NewError(CodeConnectionFailed, true,
			fmt.Sprintf("printer %q not known to spooler: %s", r.name, bytes.TrimSpace(out)), err)
	}
	now := time.Now()
	r.statMu.Lock()
	r.lastConnected = &now
	r.statMu.Unlock()
	r.mu.Lock()
	r.state = StateConnected
	r.mu.Unlock()
	return nil
}

// Disconnect is a no-op beyond bookkeeping; the spooler owns the device.
func (r *RawPrint) Disconnect() error {
	r.mu.Lock()
	r.state = StateDisconnected
	r.mu.Unlock()
	return nil
}

// Send pipes data through lp in raw mode.
func (r *RawPrint) Send(ctx context.Context, data []byte) error {
	if r.State() != StateConnected {
		return NewError(CodeNotConnected, false, "spooler transport not connected", nil)
	}
	cmd := exec.CommandContext(ctx, "lp", "-d", r.name, "-o", "raw", "-s", "-")
	cmd.Stdin = bytes.NewReader(data)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.setError(err)
		return NewError(CodeIO, true,
			fmt.Sprintf("lp failed: %s", bytes.TrimSpace(out)), err)
	}
	r.statMu.Lock()
	r.bytesSent += uint64(len(data))
	r.statMu.Unlock()
	return nil
}

// Receive is unsupported: the spooler path is write-only.
func (r *RawPrint) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
		}
	}
	return nil, NewError(CodeReceiveTimeout, true, "spooler transport is write-only", nil)
}

// SendAndReceive sends; the receive leg always times out.
func (r *RawPrint) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if err := r.Send(ctx, data); err != nil {
		return nil, err
	}
	return r.Receive(ctx, timeout)
}

// Unread is a no-op on the write-only spooler path.
func (r *RawPrint) Unread([]byte) {}

// State returns the bookkeeping state.
func (r *RawPrint) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the link snapshot.
func (r *RawPrint) Status() Status {
	r.statMu.Lock()
	defer r.statMu.Unlock()
	return Status{
		Connected:     r.State() == StateConnected,
		LastConnected: r.lastConnected,
		LastError:     r.lastError,
		BytesSent:     r.bytesSent,
	}
}

func (r *RawPrint) setError(err error) {
	r.statMu.Lock()
	r.lastError = err.Error()
	r.statMu.Unlock()
}
