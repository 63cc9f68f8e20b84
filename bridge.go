package camstream

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSampleDuration is the per-sample duration written to the transport
// track, assuming a nominal ~30 fps source.
const DefaultSampleDuration = 33 * time.Millisecond

// EncodingBridge connects one device stream to one transport session: a
// single background task that waits on the stream's latest-value slot,
// encodes whatever frame is current, and paces the access unit onto the
// session's video track.
//
// The bridge does not retry. An encode or push failure logs, releases the
// encoder, and ends the task; delivery to that session stays silent until a
// new binding is created.
type EncodingBridge struct {
	sessionID string
	deviceID  string

	dist    *FrameDistributor
	encoder VideoEncoder
	manager *SessionManager

	sampleDuration time.Duration
	cancel         context.CancelFunc
	done           chan struct{}

	log *logrus.Entry
}

// NewEncodingBridge creates a bridge between a stream's distributor and a
// transport session. sampleDuration <= 0 selects DefaultSampleDuration.
func NewEncodingBridge(sessionID, deviceID string, dist *FrameDistributor, encoder VideoEncoder, manager *SessionManager, sampleDuration time.Duration) *EncodingBridge {
	if sampleDuration <= 0 {
		sampleDuration = DefaultSampleDuration
	}
	return &EncodingBridge{
		sessionID:      sessionID,
		deviceID:       deviceID,
		dist:           dist,
		encoder:        encoder,
		manager:        manager,
		sampleDuration: sampleDuration,
		done:           make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "encoding-bridge",
			"session":   sessionID,
			"device":    deviceID,
		}),
	}
}

// Start launches the bridge task.
func (b *EncodingBridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(ctx)
}

// Stop cancels the bridge task and waits for it to exit. A no-op on a bridge
// that was never started.
func (b *EncodingBridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

// Done is closed when the bridge task has ended, whatever the reason.
func (b *EncodingBridge) Done() <-chan struct{} { return b.done }

func (b *EncodingBridge) run(ctx context.Context) {
	defer close(b.done)
	defer func() {
		if err := b.encoder.Close(); err != nil {
			b.log.WithError(err).Warn("encoder close")
		}
	}()

	var sent uint64
	for {
		ev, err := b.dist.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrDistributorClosed) {
				b.log.WithField("samples", sent).Debug("bridge stopped")
			} else {
				b.log.WithError(err).Warn("bridge wait failed")
			}
			return
		}

		au, err := b.encoder.Encode(ev)
		if err != nil {
			b.log.WithField("seq", ev.FrameID).WithError(err).Error("encode failed, bridge terminating")
			return
		}
		if au == nil {
			continue // encoder buffering
		}

		if err := b.manager.WriteSample(b.sessionID, au.Data, b.sampleDuration); err != nil {
			b.log.WithField("seq", ev.FrameID).WithError(err).Error("sample push failed, bridge terminating")
			return
		}
		sent++
	}
}
