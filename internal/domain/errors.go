package domain

import "errors"

var (
	// ErrMalformedInput marks a position missing its required fields. It is
	// rejected per item and never fails a whole batch or a connection.
	ErrMalformedInput = errors.New("malformed input")

	// ErrUnknownProtocol means no registered decoder claimed the bytes.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrDecodeFailure means the protocol was identified but the payload is
	// malformed. The message is dropped, the connection survives.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrDeviceNotFound is returned when auto-registration is disabled and
	// the reported identifier is not provisioned.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceDisabled rejects positions from administratively disabled
	// devices.
	ErrDeviceDisabled = errors.New("device disabled")
)
