package bus

import (
	"fmt"
	"sync"

	"github.com/tarm/serial"
)

// SerialConfig holds the configuration for a serial-attached line.
type SerialConfig struct {
	// Device path (e.g. "/dev/ttyUSB0").
	Device string

	// ClockHz is the external bus bit clock rate; typically 100000.
	ClockHz int
}

// serialLine drives the bus through a serial device whose receive side
// samples the line once per clock edge. The driver-enable companion bit is
// generated in software; hardware without a second output line ignores it.
type serialLine struct {
	port *serial.Port

	mu      sync.Mutex
	pending []byte
}

// OpenSerialLine opens a serial device as the bus line.
func OpenSerialLine(cfg SerialConfig) (Line, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("no line device configured")
	}
	if cfg.ClockHz == 0 {
		cfg.ClockHz = 100000
	}
	port, err := serial.OpenPort(&serial.Config{
		Name: cfg.Device,
		Baud: cfg.ClockHz,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open line device %s: %w", cfg.Device, err)
	}
	return &serialLine{port: port}, nil
}

func (l *serialLine) Read(p []byte) (int, error) {
	return l.port.Read(p)
}

func (l *serialLine) Transmit(bits []byte) error {
	_, err := l.port.Write(bits)
	return err
}

func (l *serialLine) Pretransmit(bits []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending[:0], bits...)
	return nil
}

func (l *serialLine) Go() error {
	l.mu.Lock()
	bits := append([]byte(nil), l.pending...)
	l.pending = l.pending[:0]
	l.mu.Unlock()
	if len(bits) == 0 {
		return nil
	}
	_, err := l.port.Write(bits)
	return err
}

// WaitDone returns once the device has accepted the buffer. The serial
// driver does not expose FIFO drain, so a blocking write is the closest
// equivalent.
func (l *serialLine) WaitDone() {}

func (l *serialLine) Close() error {
	return l.port.Close()
}
