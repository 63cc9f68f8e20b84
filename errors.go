package camstream

import "errors"

// Resource errors: lookups and lifecycle conflicts, surfaced synchronously
// to the caller of the failing operation.
var (
	ErrNoCaptureProvider = errors.New("no capture provider registered")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrStreamActive      = errors.New("streaming already active for device")
	ErrStreamNotFound    = errors.New("no active stream")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNoVideoTrack      = errors.New("no video track attached")
)

// Negotiation errors.
var (
	// ErrUnsupportedDescription is returned when a remote description declares
	// a type other than "offer" or "answer". Negotiation state is left
	// untouched.
	ErrUnsupportedDescription = errors.New("unsupported description type")
)

// Conversion and encoding errors. Inside a running stream these are recovered
// locally (the frame is dropped); they only reach callers through the direct
// Convert and Encode entry points.
var (
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	ErrInvalidBufferSize = errors.New("invalid buffer size")
	ErrEncodeFailed      = errors.New("encode failed")
	ErrNoVideoEncoder    = errors.New("no video encoder registered")
)

// Delivery errors.
var (
	ErrDistributorClosed = errors.New("frame distributor closed")
	ErrWrongDeliveryMode = errors.New("stream not in channel mode")
)
