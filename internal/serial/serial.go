package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const defaultReadTimeout = 100 * time.Millisecond

// Reset pulse timing of the secondary controller's auto-reset circuit.
const (
	resetPulse  = 1 * time.Millisecond
	resetGap    = 100 * time.Millisecond
	resetSettle = 800 * time.Millisecond
)

// Port wraps the serial link to the secondary controller's boot programmer.
type Port struct {
	port serial.Port
}

// PortInfo describes a serial port found on the system.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// Open opens a serial port with the specified baud rate, 8N1.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{port: port}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// ReadWithTimeout reads data with a specific timeout.
// It returns 0 bytes and no error when nothing arrived in time.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)

	return p.port.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// ResetTarget restarts the secondary controller into its bootloader.
// DTR drives the reset line through the usual capacitor coupling, so the
// line is pulsed twice and the bootloader is given time to come up.
func (p *Port) ResetTarget() error {
	steps := []struct {
		dtr  bool
		wait time.Duration
	}{
		{true, resetPulse},
		{false, resetGap},
		{true, resetPulse},
		{false, resetSettle},
	}

	for _, s := range steps {
		if err := p.SetDTR(s.dtr); err != nil {
			return fmt.Errorf("failed to set DTR: %w", err)
		}
		time.Sleep(s.wait)
	}

	// Drop whatever the application printed before the reset.
	return p.Flush()
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// ListPortDetails returns the available serial ports with USB details.
func ListPortDetails() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, PortInfo{
			Name:    p.Name,
			IsUSB:   p.IsUSB,
			VID:     p.VID,
			PID:     p.PID,
			Serial:  p.SerialNumber,
			Product: p.Product,
		})
	}
	return infos, nil
}
