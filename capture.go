package camstream

import (
	"context"
	"sync"
)

// DeviceInfo describes a camera device.
type DeviceInfo struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
	Position string `json:"position,omitempty"` // "front", "back", "external"
}

// PermissionStatus reports the platform camera permission.
type PermissionStatus string

const (
	PermissionGranted    PermissionStatus = "granted"
	PermissionDenied     PermissionStatus = "denied"
	PermissionRestricted PermissionStatus = "restricted"
	PermissionUnknown    PermissionStatus = "unknown"
)

// PermissionInfo is the result of a permission request.
type PermissionInfo struct {
	Status     PermissionStatus `json:"status"`
	CanAskUser bool             `json:"canAskUser"`
}

// RawFrameCallback receives frames on the capture driver's own thread. It
// must not block: its only job is admission and handoff.
type RawFrameCallback func(frame RawFrame)

// CaptureProvider is the contract with the platform camera driver. One
// callback registration is active per device; registering again replaces the
// previous callback, and registering nil installs a no-op.
type CaptureProvider interface {
	// Initialize prepares the capture subsystem. Idempotent.
	Initialize(ctx context.Context) error

	// RequestPermission asks the platform for camera access.
	RequestPermission(ctx context.Context) (PermissionInfo, error)

	// ListDevices returns the available camera devices.
	ListDevices(ctx context.Context) ([]DeviceInfo, error)

	// RecommendedFormat returns the preferred capture format for a device.
	RecommendedFormat(ctx context.Context, deviceID string) (CaptureFormat, error)

	// Open starts capture on a device with the requested format.
	Open(ctx context.Context, deviceID string, format CaptureFormat) error

	// RegisterCallback installs the frame callback for an open device.
	RegisterCallback(deviceID string, cb RawFrameCallback) error

	// Stop halts frame delivery for a device. The device stays open.
	Stop(deviceID string) error

	// Release closes the device and frees the underlying hardware handle.
	Release(deviceID string) error
}

type captureRegistry struct {
	provider CaptureProvider
	mu       sync.RWMutex
}

var globalCaptureRegistry = &captureRegistry{}

// RegisterCaptureProvider registers the platform capture provider.
func RegisterCaptureProvider(provider CaptureProvider) {
	globalCaptureRegistry.mu.Lock()
	defer globalCaptureRegistry.mu.Unlock()
	globalCaptureRegistry.provider = provider
}

// GetCaptureProvider returns the registered capture provider, or nil.
func GetCaptureProvider() CaptureProvider {
	globalCaptureRegistry.mu.RLock()
	defer globalCaptureRegistry.mu.RUnlock()
	return globalCaptureRegistry.provider
}
