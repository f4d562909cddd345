// internal/service/errors.go
package service

import "errors"

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrDeviceOnline       = errors.New("device is connected, disconnect first")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrPortInUse          = errors.New("port in use")
	ErrUnsupportedKind    = errors.New("unsupported device kind")
)
