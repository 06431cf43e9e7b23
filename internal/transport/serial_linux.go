package transport

import (
	"context"
	"fmt"
	"io"

	serial "github.com/daedaluz/goserial"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// SerialDialer opens a termios serial link. Defaults are the terminal
// convention 9600-8N1.
type SerialDialer struct {
	Path     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   coremodel.SerialParity
}

// NewSerialDialer builds a dialer from the device record, applying the
// 9600-8N1 defaults for unset fields.
func NewSerialDialer(cfg coremodel.SerialConn) *SerialDialer {
	d := &SerialDialer{
		Path:     cfg.Path,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	}
	if d.BaudRate == 0 {
		d.BaudRate = 9600
	}
	if d.DataBits == 0 {
		d.DataBits = 8
	}
	if d.StopBits == 0 {
		d.StopBits = 1
	}
	if d.Parity == "" {
		d.Parity = coremodel.ParityNone
	}
	return d
}

func (d *SerialDialer) Kind() string { return "serial" }

// Dial opens the port and applies raw mode plus the configured line
// parameters.
func (d *SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	port, err := serial.Open(d.Path, serial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Path, err)
	}
	if err := d.configure(port); err != nil {
		_ = port.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return port, nil
}

func (d *SerialDialer) configure(port *serial.Port) error {
	attrs, err := port.GetAttr2()
	if err != nil {
		return fmt.Errorf("read termios: %w", err)
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL

	attrs.Cflag &= ^serial.CSIZE
	switch d.DataBits {
	case 5:
		attrs.Cflag |= serial.CS5
	case 6:
		attrs.Cflag |= serial.CS6
	case 7:
		attrs.Cflag |= serial.CS7
	case 8:
		attrs.Cflag |= serial.CS8
	default:
		return fmt.Errorf("unsupported data bits %d", d.DataBits)
	}

	switch d.StopBits {
	case 1:
		attrs.Cflag &= ^serial.CSTOPB
	case 2:
		attrs.Cflag |= serial.CSTOPB
	default:
		return fmt.Errorf("unsupported stop bits %d", d.StopBits)
	}

	switch d.Parity {
	case coremodel.ParityNone:
		attrs.Cflag &= ^serial.PARENB
	case coremodel.ParityEven:
		attrs.Cflag |= serial.PARENB
		attrs.Cflag &= ^serial.PARODD
	case coremodel.ParityOdd:
		attrs.Cflag |= serial.PARENB | serial.PARODD
	default:
		return fmt.Errorf("unsupported parity %q", d.Parity)
	}

	attrs.SetCustomSpeed(uint32(d.BaudRate))

	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		return fmt.Errorf("apply termios: %w", err)
	}
	return nil
}
