package camstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DefaultReleaseGraceDelay is the pause between stopping a device and
// releasing its hardware handle. Some drivers deliver a few frames after
// stop; releasing immediately races their internal teardown.
const DefaultReleaseGraceDelay = 500 * time.Millisecond

// StreamConfig configures one device stream.
type StreamConfig struct {
	Mode          DeliveryMode // Delivery path, fixed for the stream's lifetime
	Output        PixelFormat  // Conversion target (default: RGBA32)
	PoolCapacity  int          // Concurrent conversion bound (default: 3)
	SkipRatio     int          // Process 1 of every N callbacks; 0 or 1 = every frame
	ChannelBuffer int          // Outbound channel depth in channel mode
}

// Session is an active stream bound to one device. It owns the stream's
// conversion pool and distributor; only its own background work mutates the
// frame counter and liveness flag.
type Session struct {
	ID        string
	DeviceID  string
	Format    CaptureFormat
	StartedAt time.Time

	live      atomic.Bool
	skipCount atomic.Uint64
	skipRatio uint64

	pool     *ConversionPool
	dist     *FrameDistributor
	provider CaptureProvider
}

// Live reports whether the session still accepts and delivers frames.
func (s *Session) Live() bool { return s.live.Load() }

// FrameCount returns the number of frames accepted so far.
func (s *Session) FrameCount() uint64 { return s.pool.Sequence() }

// Frames returns the outbound frame channel in channel mode, nil otherwise.
func (s *Session) Frames() <-chan *FrameEvent { return s.dist.Frames() }

// Distributor exposes the session's frame distributor for binding consumers.
func (s *Session) Distributor() *FrameDistributor { return s.dist }

// StreamRegistry is the authoritative table of active streams. It enforces
// at most one session per device and owns teardown sequencing.
type StreamRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	graceDelay time.Duration
	log        *logrus.Entry
}

// NewStreamRegistry creates an empty registry. graceDelay < 0 selects the
// default; 0 disables the pre-release pause.
func NewStreamRegistry(graceDelay time.Duration) *StreamRegistry {
	if graceDelay < 0 {
		graceDelay = DefaultReleaseGraceDelay
	}
	return &StreamRegistry{
		sessions:   make(map[string]*Session),
		graceDelay: graceDelay,
		log:        logrus.WithField("component", "stream-registry"),
	}
}

// Get returns the session with the given id.
func (r *StreamRegistry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, sessionID)
	}
	return s, nil
}

// SessionForDevice returns the active session bound to a device, if any.
func (r *StreamRegistry) SessionForDevice(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.DeviceID == deviceID {
			return s, true
		}
	}
	return nil, false
}

// Start opens a device and begins streaming. It fails with ErrStreamActive
// if the device already has a session. The session is fully constructed
// before it is published, and published before the device is touched, so a
// concurrent Start on the same device cannot slip past the check and a
// concurrent Stop never observes a half-built entry. A Stop that lands while
// the device is still being opened wins: Start undoes the open and reports
// the stream gone.
func (r *StreamRegistry) Start(ctx context.Context, deviceID string, config StreamConfig) (*Session, error) {
	provider := GetCaptureProvider()
	if provider == nil {
		return nil, ErrNoCaptureProvider
	}

	sess := &Session{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		StartedAt: time.Now(),
		skipRatio: uint64(config.SkipRatio),
		provider:  provider,
	}
	sess.live.Store(true)

	log := r.log.WithFields(logrus.Fields{
		"session": sess.ID,
		"device":  deviceID,
		"mode":    config.Mode.String(),
	})

	r.mu.Lock()
	for _, s := range r.sessions {
		if s.DeviceID == deviceID {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrStreamActive, deviceID)
		}
	}
	sess.dist = NewFrameDistributor(config.Mode, config.ChannelBuffer, log)
	sess.pool = NewConversionPool(ConversionPoolConfig{
		Capacity: config.PoolCapacity,
		Output:   config.Output,
		Epoch:    sess.StartedAt,
	}, func(ev *FrameEvent) {
		// In-flight conversions finishing after Stop land here and are
		// dropped instead of reaching a torn-down consumer.
		if !sess.live.Load() {
			return
		}
		sess.dist.Deliver(ev)
	}, log)
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	if err := r.openDevice(ctx, sess); err != nil {
		r.mu.Lock()
		delete(r.sessions, sess.ID)
		r.mu.Unlock()
		sess.live.Store(false)
		sess.pool.Close()
		sess.dist.Close()
		return nil, err
	}

	// A concurrent Stop may have removed the entry while the device was
	// being opened; its teardown ran against a device that was not open yet,
	// so the open has to be undone here.
	r.mu.Lock()
	_, tracked := r.sessions[sess.ID]
	r.mu.Unlock()
	if !tracked {
		sess.live.Store(false)
		if err := sess.provider.RegisterCallback(sess.DeviceID, func(RawFrame) {}); err != nil {
			log.WithError(err).Warn("clearing capture callback failed")
		}
		if err := sess.provider.Stop(sess.DeviceID); err != nil {
			log.WithError(err).Warn("stopping device failed")
		}
		if err := sess.provider.Release(sess.DeviceID); err != nil {
			log.WithError(err).Warn("releasing device failed")
		}
		sess.pool.Close()
		sess.dist.Close()
		return nil, fmt.Errorf("%w: %s stopped during start", ErrStreamNotFound, sess.ID)
	}

	log.WithFields(logrus.Fields{
		"width":  sess.Format.Width,
		"height": sess.Format.Height,
		"fps":    sess.Format.FPS,
	}).Info("stream started")
	return sess, nil
}

func (r *StreamRegistry) openDevice(ctx context.Context, sess *Session) error {
	format, err := sess.provider.RecommendedFormat(ctx, sess.DeviceID)
	if err != nil {
		return fmt.Errorf("recommended format for %s: %w", sess.DeviceID, err)
	}
	sess.Format = format

	if err := sess.provider.Open(ctx, sess.DeviceID, format); err != nil {
		return fmt.Errorf("open device %s: %w", sess.DeviceID, err)
	}

	// The callback runs on the driver's capture thread: admission and
	// handoff only, no conversion work inline.
	cb := func(raw RawFrame) {
		if !sess.live.Load() {
			return
		}
		if sess.skipRatio > 1 && sess.skipCount.Add(1)%sess.skipRatio != 0 {
			return
		}
		sess.pool.Submit(raw)
	}
	if err := sess.provider.RegisterCallback(sess.DeviceID, cb); err != nil {
		releaseErr := sess.provider.Release(sess.DeviceID)
		if releaseErr != nil {
			r.log.WithError(releaseErr).Warn("release after failed callback registration")
		}
		return fmt.Errorf("register callback for %s: %w", sess.DeviceID, err)
	}
	return nil
}

// Stop tears down a session. The registry entry is removed first, so a
// second concurrent Stop for the same id fails with ErrStreamNotFound
// instead of racing the teardown. The teardown steps run in strict order --
// liveness off, callback neutralized, device stopped, grace delay, device
// released -- and a failing step is recorded without aborting the steps
// after it.
func (r *StreamRegistry) Stop(sessionID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamNotFound, sessionID)
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	log := r.log.WithFields(logrus.Fields{
		"session": sessionID,
		"device":  sess.DeviceID,
	})

	var result *multierror.Error

	// Quiesce before touching hardware: no new admissions, and completions
	// already in the pool get dropped at delivery.
	sess.live.Store(false)

	if err := sess.provider.RegisterCallback(sess.DeviceID, func(RawFrame) {}); err != nil {
		result = multierror.Append(result, fmt.Errorf("clear callback: %w", err))
		log.WithError(err).Warn("clearing capture callback failed")
	}

	if err := sess.provider.Stop(sess.DeviceID); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop device: %w", err))
		log.WithError(err).Warn("stopping device failed")
	}

	if r.graceDelay > 0 {
		time.Sleep(r.graceDelay)
	}

	if err := sess.provider.Release(sess.DeviceID); err != nil {
		result = multierror.Append(result, fmt.Errorf("release device: %w", err))
		log.WithError(err).Warn("releasing device failed")
	}

	sess.pool.Close()
	sess.dist.Close()

	log.WithField("frames", sess.FrameCount()).Info("stream stopped")
	return result.ErrorOrNil()
}

// StopAll stops every active stream, best effort.
func (r *StreamRegistry) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Stop(id); err != nil {
			r.log.WithField("session", id).WithError(err).Warn("stop during shutdown")
		}
	}
}
