package camstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the engine tunables.
type Config struct {
	PoolCapacity      int           // Concurrent conversions per stream
	SkipRatio         int           // Process 1 of every N capture callbacks (0/1 = every)
	ChannelBuffer     int           // Outbound frame channel depth
	Output            PixelFormat   // Conversion target for display streams
	ReleaseGraceDelay time.Duration // Pause between device stop and release
	SampleDuration    time.Duration // Per-sample duration on transport tracks
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PoolCapacity:      DefaultPoolCapacity,
		ChannelBuffer:     DefaultChannelBuffer,
		Output:            PixelFormatRGBA32,
		ReleaseGraceDelay: DefaultReleaseGraceDelay,
		SampleDuration:    DefaultSampleDuration,
	}
}

// StartStreamResult is returned when a stream starts.
type StartStreamResult struct {
	SessionID string        `json:"sessionId"`
	Format    CaptureFormat `json:"format"`
}

// Engine is the command surface consumed by the IPC layer. Every method maps
// 1:1 to a command; the composite StartDeviceSession chains the camera and
// transport paths together.
type Engine struct {
	config   Config
	streams  *StreamRegistry
	sessions *SessionManager

	mu      sync.Mutex
	bridges map[string]*EncodingBridge // transport session id -> bridge

	log *logrus.Entry
}

// New creates an engine. Zero-value durations in config fall back to the
// defaults; ReleaseGraceDelay of exactly 0 is honored (no pause).
func New(config Config) *Engine {
	if config.PoolCapacity <= 0 {
		config.PoolCapacity = DefaultPoolCapacity
	}
	if config.SampleDuration <= 0 {
		config.SampleDuration = DefaultSampleDuration
	}
	return &Engine{
		config:   config,
		streams:  NewStreamRegistry(config.ReleaseGraceDelay),
		sessions: NewSessionManager(),
		bridges:  make(map[string]*EncodingBridge),
		log:      logrus.WithField("component", "engine"),
	}
}

// Initialize prepares the capture subsystem. Safe to call repeatedly.
func (e *Engine) Initialize(ctx context.Context) error {
	provider := GetCaptureProvider()
	if provider == nil {
		return ErrNoCaptureProvider
	}
	if err := provider.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize capture: %w", err)
	}
	return nil
}

// RequestPermission asks the platform for camera access.
func (e *Engine) RequestPermission(ctx context.Context) (PermissionInfo, error) {
	provider := GetCaptureProvider()
	if provider == nil {
		return PermissionInfo{}, ErrNoCaptureProvider
	}
	return provider.RequestPermission(ctx)
}

// ListDevices returns the available camera devices.
func (e *Engine) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	provider := GetCaptureProvider()
	if provider == nil {
		return nil, ErrNoCaptureProvider
	}
	return provider.ListDevices(ctx)
}

// StartStream starts a display stream on a device, delivering converted
// frames on the channel returned by Frames.
func (e *Engine) StartStream(ctx context.Context, deviceID string) (*StartStreamResult, error) {
	sess, err := e.streams.Start(ctx, deviceID, StreamConfig{
		Mode:          DeliverChannel,
		Output:        e.config.Output,
		PoolCapacity:  e.config.PoolCapacity,
		SkipRatio:     e.config.SkipRatio,
		ChannelBuffer: e.config.ChannelBuffer,
	})
	if err != nil {
		return nil, err
	}
	return &StartStreamResult{SessionID: sess.ID, Format: sess.Format}, nil
}

// StartDefaultStream starts a display stream on the first available device.
func (e *Engine) StartDefaultStream(ctx context.Context) (*StartStreamResult, error) {
	devices, err := e.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no cameras available", ErrDeviceNotFound)
	}
	return e.StartStream(ctx, devices[0].DeviceID)
}

// StopStream tears down a stream. A bridge fed by the stream ends on its own
// once the distributor closes.
func (e *Engine) StopStream(sessionID string) error {
	return e.streams.Stop(sessionID)
}

// Frames returns the outbound frame channel of a channel-mode stream.
func (e *Engine) Frames(sessionID string) (<-chan *FrameEvent, error) {
	sess, err := e.streams.Get(sessionID)
	if err != nil {
		return nil, err
	}
	ch := sess.Frames()
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrWrongDeliveryMode, sessionID)
	}
	return ch, nil
}

// CreateSession creates a transport session.
func (e *Engine) CreateSession(ice ICEConfig) (string, error) {
	return e.sessions.CreateSession(ice)
}

// CreateOffer creates and commits an offer for a session. With an empty
// session id it first creates a session and attaches the video track, so the
// offer advertises video; the session id in use is always returned.
func (e *Engine) CreateOffer(sessionID string, ice ICEConfig) (SessionDescription, string, error) {
	if sessionID == "" {
		id, err := e.sessions.CreateSession(ice)
		if err != nil {
			return SessionDescription{}, "", err
		}
		sessionID = id
		if err := e.sessions.AttachVideoTrack(sessionID); err != nil {
			return SessionDescription{}, sessionID, err
		}
	}

	offer, err := e.sessions.CreateOffer(sessionID)
	if err != nil {
		return SessionDescription{}, sessionID, err
	}
	return offer, sessionID, nil
}

// CreateAnswer creates and commits an answer for a session.
func (e *Engine) CreateAnswer(sessionID string) (SessionDescription, error) {
	return e.sessions.CreateAnswer(sessionID)
}

// SetRemoteDescription applies a remote description to a session.
func (e *Engine) SetRemoteDescription(sessionID string, desc SessionDescription) error {
	return e.sessions.ApplyRemoteDescription(sessionID, desc)
}

// AddICECandidate forwards a remote candidate to a session.
func (e *Engine) AddICECandidate(sessionID string, candidate ICECandidate) error {
	return e.sessions.AddICECandidate(sessionID, candidate)
}

// ConnectionState returns a session's connection state string.
func (e *Engine) ConnectionState(sessionID string) (string, error) {
	return e.sessions.ConnectionState(sessionID)
}

// CloseSession stops the session's bridge, if one is running, and closes the
// transport session. The bound device stream, if any, stays up; stopping it
// is a separate command.
func (e *Engine) CloseSession(sessionID string) error {
	e.mu.Lock()
	bridge := e.bridges[sessionID]
	delete(e.bridges, sessionID)
	e.mu.Unlock()

	if bridge != nil {
		bridge.Stop()
	}
	return e.sessions.CloseSession(sessionID)
}

// StartDeviceSession is the composite operation behind "share this camera
// with a peer": it initializes capture, creates a transport session, binds
// the device, attaches the video track, starts an encoding-mode stream,
// bridges it to the track, and returns a committed offer.
//
// The first failing step aborts the composite and its error is surfaced.
// Earlier steps are deliberately not rolled back; the returned session id is
// non-empty as soon as the session exists, so the caller can CloseSession to
// reclaim it.
func (e *Engine) StartDeviceSession(ctx context.Context, deviceID string, ice ICEConfig) (SessionDescription, string, error) {
	if err := e.Initialize(ctx); err != nil {
		return SessionDescription{}, "", err
	}

	sessionID, err := e.sessions.CreateSession(ice)
	if err != nil {
		return SessionDescription{}, "", err
	}

	if err := e.sessions.BindDevice(sessionID, deviceID); err != nil {
		return SessionDescription{}, sessionID, err
	}

	if err := e.sessions.AttachVideoTrack(sessionID); err != nil {
		return SessionDescription{}, sessionID, err
	}

	stream, err := e.streams.Start(ctx, deviceID, StreamConfig{
		Mode:         DeliverLatest,
		Output:       e.config.Output,
		PoolCapacity: e.config.PoolCapacity,
		SkipRatio:    e.config.SkipRatio,
	})
	if err != nil {
		return SessionDescription{}, sessionID, err
	}

	encoder, err := NewVideoEncoder(stream.Format.Width, stream.Format.Height, stream.Format.FPS)
	if err != nil {
		return SessionDescription{}, sessionID, err
	}

	bridge := NewEncodingBridge(sessionID, deviceID, stream.Distributor(), encoder, e.sessions, e.config.SampleDuration)
	e.mu.Lock()
	e.bridges[sessionID] = bridge
	e.mu.Unlock()
	bridge.Start()

	offer, err := e.sessions.CreateOffer(sessionID)
	if err != nil {
		return SessionDescription{}, sessionID, err
	}

	e.log.WithFields(logrus.Fields{
		"session": sessionID,
		"device":  deviceID,
		"stream":  stream.ID,
	}).Info("device session started")
	return offer, sessionID, nil
}

// Close shuts the engine down: all bridges, transport sessions, and streams.
func (e *Engine) Close() {
	e.mu.Lock()
	bridges := e.bridges
	e.bridges = make(map[string]*EncodingBridge)
	e.mu.Unlock()

	for _, b := range bridges {
		b.Stop()
	}
	e.sessions.CloseAll()
	e.streams.StopAll()
}
