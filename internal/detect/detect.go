package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/bigbag/gateway-ota/internal/isp"
	"github.com/bigbag/gateway-ota/internal/protocol"
	"github.com/bigbag/gateway-ota/internal/serial"
)

// Result represents a detected boot programmer.
type Result struct {
	Port      string
	Signature string
	DeviceSig [3]byte

	// Firmware and Hardware are empty when the programmer does not report them.
	Firmware string
	Hardware string
}

// PartName returns a human-readable name for the device signature.
func (r *Result) PartName() string {
	switch r.DeviceSig {
	case [3]byte{0x1E, 0x98, 0x01}:
		return "ATmega2560"
	case [3]byte{0x1E, 0x97, 0x03}:
		return "ATmega1280"
	case [3]byte{0x00, 0x00, 0x00}:
		return "unknown"
	default:
		return fmt.Sprintf("AVR %02X %02X %02X", r.DeviceSig[0], r.DeviceSig[1], r.DeviceSig[2])
	}
}

// Prober opens a link on a named port.
type Prober func(portName string, baudRate int) (Link, error)

// Link is a programmer port that can be closed.
type Link interface {
	isp.Port
	Close() error
}

// OpenSerial opens a serial port for probing.
func OpenSerial(portName string, baudRate int) (Link, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// DetectDevice tries to find a boot programmer on the available ports.
// Returns the first port that signs on, or an error.
func DetectDevice(ctx context.Context, baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	return detectOn(ctx, ports, baudRate, OpenSerial)
}

// DetectOnPort tries to find a boot programmer on a specific port.
func DetectOnPort(ctx context.Context, portName string, baudRate int) (*Result, error) {
	return tryPort(ctx, portName, baudRate, OpenSerial)
}

// ListDevices scans all ports and returns every port that signs on.
func ListDevices(ctx context.Context, baudRate int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, baudRate, OpenSerial)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func detectOn(ctx context.Context, ports []string, baudRate int, open Prober) (*Result, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, baudRate, open)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("no boot programmer found (last error: %w)", lastErr)
}

func tryPort(ctx context.Context, portName string, baudRate int, open Prober) (*Result, error) {
	link, err := open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer link.Close()

	p := isp.New(link)
	if err := p.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", portName, err)
	}

	result := &Result{Port: portName, Signature: protocol.SignOnSignature}

	// Even if the signature read fails, sign-on worked so this is a programmer.
	if sig, err := p.ReadSignature(ctx); err == nil {
		result.DeviceSig = sig
	}
	major, errMajor := p.GetParameter(ctx, protocol.ParamSWMajor)
	minor, errMinor := p.GetParameter(ctx, protocol.ParamSWMinor)
	if errMajor == nil && errMinor == nil {
		result.Firmware = fmt.Sprintf("%d.%d", major, minor)
	}
	if hw, err := p.GetParameter(ctx, protocol.ParamHWVersion); err == nil {
		result.Hardware = fmt.Sprintf("%d", hw)
	}

	leaveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	p.LeaveProgrammingMode(leaveCtx)

	return result, nil
}
