// Package domain contains the device model shared by all components:
// error sentinels, the RDF302 register map, and climate state types.
package domain

import "errors"

// Connection errors.
var (
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrHostReleased      = errors.New("host has been released")
	ErrInvalidUnitID     = errors.New("invalid unit ID")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
)

// Read/Write errors. ErrReadExhausted is the terminal result of a read whose
// retry budget ran out; callers treat it as "data unavailable this cycle" and
// keep the last known value. ErrWriteFailed is terminal after a single attempt,
// writes are never retried.
var (
	ErrReadExhausted = errors.New("read retries exhausted")
	ErrReadFailed    = errors.New("read operation failed")
	ErrWriteFailed   = errors.New("write operation failed")
	ErrShortResponse = errors.New("response shorter than requested quantity")
	ErrInvalidCount  = errors.New("invalid register count")
)

// Modbus exception responses reported by the device.
var (
	ErrModbusIllegalFunction   = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress    = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue      = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure     = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge       = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy              = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck       = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError = errors.New("modbus: memory parity error")
	ErrModbusGatewayPath       = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTarget     = errors.New("modbus: gateway target device failed to respond")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// Configuration and service errors.
var (
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrThermostatExists    = errors.New("thermostat already registered")
	ErrThermostatNotFound  = errors.New("thermostat not found")
	ErrServiceStopped      = errors.New("service has been stopped")
	ErrInvalidWriteValue   = errors.New("invalid value for write operation")
	ErrSetpointOutOfRange  = errors.New("setpoint outside device range")
	ErrUnknownClimateValue = errors.New("unknown climate value")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPath
	case 0x0B:
		return ErrModbusGatewayTarget
	default:
		return ErrReadFailed
	}
}
