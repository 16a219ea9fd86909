// Package serial wraps go.bug.st/serial for the device role: blocking
// reads feeding the stub engine and live baud reconfiguration for the
// CHANGE_BAUD post-action.
package serial

import (
	"fmt"

	"go.bug.st/serial"
)

// Port is a serial port carrying one stub session.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate. Reads block
// until data arrives; the session has no business continuing without it.
func Open(portName string, baudRate int) (*Port, error) {
	port, err := serial.Open(portName, mode(baudRate))
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

func mode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
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

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// SetBaud reconfigures the line speed. Called between responses only; an
// in-flight frame would be corrupted.
func (p *Port) SetBaud(baudRate int) error {
	if err := p.port.SetMode(mode(baudRate)); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", baudRate, err)
	}
	p.baudRate = baudRate
	return nil
}

// Drain blocks until buffered output has been transmitted.
func (p *Port) Drain() error {
	return p.port.Drain()
}

// FlushInput discards any buffered inbound data.
func (p *Port) FlushInput() error {
	return p.port.ResetInputBuffer()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
