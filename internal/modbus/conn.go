// Package modbus implements the shared Modbus TCP host layer: one
// reference-counted Host per endpoint, a per-host mutex serializing every wire
// exchange, bounded retries for reads, and single-attempt writes.
package modbus

import (
	"errors"
	"net"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"github.com/goburrow/modbus"
)

// Conn is the wire-level surface a Host drives. The production implementation
// wraps the goburrow TCP handler; tests substitute a scripted fake through
// HostConfig.Dialer.
type Conn interface {
	Connect() error
	Close() error

	// SetUnitID selects the logical device for subsequent calls. The TCP
	// session carries the unit ID per request, so it must be set inside the
	// host's critical section.
	SetUnitID(id byte)

	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

// Dialer creates an unconnected Conn for an endpoint address.
type Dialer func(address string, timeout time.Duration) Conn

// tcpConn adapts the goburrow client to the Conn interface.
type tcpConn struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// DialTCP is the default Dialer.
func DialTCP(address string, timeout time.Duration) Conn {
	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = timeout
	return &tcpConn{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
}

func (c *tcpConn) Connect() error    { return c.handler.Connect() }
func (c *tcpConn) Close() error      { return c.handler.Close() }
func (c *tcpConn) SetUnitID(id byte) { c.handler.SlaveId = id }

func (c *tcpConn) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpConn) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *tcpConn) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *tcpConn) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *tcpConn) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleCoil(address, value)
}

// decodeRegisters unpacks a register response into values, rejecting short
// responses the same way a protocol error is rejected.
func decodeRegisters(data []byte, count uint16) ([]uint16, error) {
	if len(data) < int(count)*2 {
		return nil, domain.ErrShortResponse
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = uint16(data[i*2])<<8 | uint16(data[i*2+1])
	}
	return values, nil
}

// decodeCoils unpacks a packed-bit coil response.
func decodeCoils(data []byte, count uint16) ([]bool, error) {
	if len(data) < (int(count)+7)/8 {
		return nil, domain.ErrShortResponse
	}
	values := make([]bool, count)
	for i := range values {
		values[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return values, nil
}

// translateError converts library and transport errors to domain errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return domain.ModbusExceptionToError(mbErr.ExceptionCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrConnectionTimeout
	}
	return err
}

// isConnError reports whether the fault invalidates the underlying session.
// Protocol exceptions arrive on a healthy connection and do not.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	var mbErr *modbus.ModbusError
	return !errors.As(err, &mbErr)
}
