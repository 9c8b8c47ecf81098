package headunit

import "errors"

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrNoDriver           = errors.New("device has no driver link")
	ErrInvalidState       = errors.New("invalid state")
	ErrNotConnected       = errors.New("not connected")
	ErrBackendUnavailable = errors.New("backend unavailable")
)
