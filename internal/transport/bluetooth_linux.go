package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// BluetoothDialer opens an RFCOMM (SPP) stream to a classic Bluetooth
// device. Channel 1 is the usual SPP default.
type BluetoothDialer struct {
	MAC     string
	Channel int

	addr [6]byte
}

// NewBluetoothDialer parses the MAC and probes RFCOMM socket support so a
// missing Bluetooth stack is reported at construction, not first use.
func NewBluetoothDialer(cfg coremodel.BluetoothConn) (*BluetoothDialer, error) {
	d := &BluetoothDialer{MAC: cfg.MAC, Channel: cfg.Channel}
	if d.Channel <= 0 {
		d.Channel = 1
	}
	addr, err := parseBTAddr(cfg.MAC)
	if err != nil {
		return nil, err
	}
	d.addr = addr

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("bluetooth stack unavailable: %w", err)
	}
	_ = unix.Close(fd)
	return d, nil
}

func (d *BluetoothDialer) Kind() string { return "bluetooth" }

// Dial connects the RFCOMM socket. The blocking connect runs on its own
// goroutine; cancellation closes the socket to unblock it.
func (d *BluetoothDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: d.addr, Channel: uint8(d.Channel)}
	errCh := make(chan error, 1)
	go func() { errCh <- unix.Connect(fd, sa) }()

	select {
	case err = <-errCh:
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("rfcomm connect %s ch%d: %w", d.MAC, d.Channel, err)
		}
	case <-ctx.Done():
		_ = unix.Close(fd)
		<-errCh
		return nil, ctx.Err()
	}

	f := os.NewFile(uintptr(fd), "rfcomm:"+d.MAC)
	if f == nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm fd wrap failed")
	}
	return f, nil
}

// parseBTAddr converts "AA:BB:CC:DD:EE:FF" into the kernel's byte order
// (least significant byte first).
func parseBTAddr(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("invalid bluetooth address %q: %w", s, err)
		}
		addr[5-i] = byte(v)
	}
	return addr, nil
}
