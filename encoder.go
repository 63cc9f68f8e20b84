package camstream

import (
	"io"
	"sync"
)

// AccessUnit is one compressed frame produced by the encoder, ready to be
// written to a transport track. For H.264 this is an Annex B byte stream.
type AccessUnit struct {
	Data     []byte
	Keyframe bool
}

// VideoEncoder turns converted frames into compressed access units. The
// encoder itself is an external collaborator; this package only drives it.
type VideoEncoder interface {
	io.Closer

	// Encode encodes one frame. A nil access unit with nil error means the
	// encoder is buffering.
	Encode(ev *FrameEvent) (*AccessUnit, error)
}

// VideoEncoderFactory creates an encoder for the given stream geometry.
type VideoEncoderFactory func(width, height int, fps float64) (VideoEncoder, error)

type encoderRegistry struct {
	factory VideoEncoderFactory
	mu      sync.RWMutex
}

var globalEncoderRegistry = &encoderRegistry{}

// RegisterVideoEncoder registers the encoder factory used when binding a
// stream to a transport session.
func RegisterVideoEncoder(factory VideoEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.factory = factory
}

// NewVideoEncoder creates an encoder from the registered factory.
func NewVideoEncoder(width, height int, fps float64) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	factory := globalEncoderRegistry.factory
	globalEncoderRegistry.mu.RUnlock()

	if factory == nil {
		return nil, ErrNoVideoEncoder
	}
	return factory(width, height, fps)
}
