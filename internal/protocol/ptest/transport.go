// Package ptest provides a scripted in-memory transport for engine tests.
package ptest

import (
	"context"
	"sync"
	"time"

	"github.com/kassenwerk/periphd/internal/transport"
)

// Transport is a scripted fake. Receive pops queued chunks in order;
// Send records every outgoing frame. An empty script yields receive
// timeouts.
type Transport struct {
	mu       sync.Mutex
	stateVal transport.State
	inbound  [][]byte
	unread   []byte
	Sent     [][]byte
	// OnSend, when set, runs for every Send and may queue responses.
	OnSend func(frame []byte)
}

// New returns a connected scripted transport.
func New() *Transport {
	return &Transport{stateVal: transport.StateConnected}
}

// Queue appends a chunk the next Receive returns.
func (f *Transport) Queue(chunks ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, chunks...)
}

func (f *Transport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateVal = transport.StateConnected
	return nil
}

func (f *Transport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateVal = transport.StateDisconnected
	return nil
}

func (f *Transport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	if f.stateVal != transport.StateConnected {
		f.mu.Unlock()
		return transport.NewError(transport.CodeNotConnected, false, "fake closed", nil)
	}
	frame := append([]byte(nil), data...)
	f.Sent = append(f.Sent, frame)
	hook := f.OnSend
	f.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

func (f *Transport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	if len(f.unread) > 0 {
		out := f.unread
		f.unread = nil
		f.mu.Unlock()
		return out, nil
	}
	if len(f.inbound) > 0 {
		out := f.inbound[0]
		f.inbound = f.inbound[1:]
		f.mu.Unlock()
		return out, nil
	}
	f.mu.Unlock()
	return nil, transport.NewError(transport.CodeReceiveTimeout, true, "script exhausted", nil)
}

func (f *Transport) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if err := f.Send(ctx, data); err != nil {
		return nil, err
	}
	return f.Receive(ctx, timeout)
}

func (f *Transport) Unread(tail []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = append(append([]byte(nil), tail...), f.unread...)
}

func (f *Transport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateVal
}

func (f *Transport) Status() transport.Status {
	return transport.Status{Connected: f.State() == transport.StateConnected}
}
