package ebus

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"syscall"

	"github.com/tarm/serial"
)

// BaudRate is the fixed eBUS line speed.
const BaudRate = 2400

// Port is a byte source and sink for the bus. Read blocks until at least
// one byte is available; Close must unblock or fail any pending Read.
type Port interface {
	io.ReadWriteCloser
}

// PortConfig describes the transport to open.
type PortConfig struct {
	// Name is the device path, e.g. "/dev/ttyUSB0" or "COM3".
	Name string

	// Baud is the line speed. Always BaudRate for eBUS.
	Baud int
}

// PortOpener opens a Port. Errors must wrap ErrPort.
type PortOpener func(cfg PortConfig) (Port, error)

// OpenSerialPort opens a serial device with the eBUS line settings:
// 8 data bits, 1 stop bit, no parity and no read timeout, so each Read
// returns as soon as one byte arrives.
func OpenSerialPort(cfg PortConfig) (Port, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = BaudRate
	}

	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        baud,
		Size:        8, //nolint:mnd // 8 data bits
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	})
	if err != nil {
		return nil, classifyPortError(cfg.Name, err)
	}
	return p, nil
}

// classifyPortError maps an OS error to NoSuchPort, PortInUse or a plain
// IO failure. All results wrap ErrPort.
func classifyPortError(name string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w: %s", ErrPort, ErrNoSuchPort, name)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %w: %s", ErrPort, ErrPortInUse, name)
	default:
		return fmt.Errorf("%w: opening %s: %w", ErrPort, name, err)
	}
}
