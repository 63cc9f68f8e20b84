package camstream

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// DeliveryMode selects how converted frames reach their consumer. The mode
// is fixed for the lifetime of a stream.
type DeliveryMode int

const (
	// DeliverChannel pushes every accepted frame to an outbound channel for
	// the IPC layer. Backpressure is the conversion pool's job, not the
	// channel's; a full channel drops the frame.
	DeliverChannel DeliveryMode = iota

	// DeliverLatest keeps only the most recent frame in a single overwrite
	// slot. A slow consumer skips interior frames instead of backing up
	// memory.
	DeliverLatest
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliverChannel:
		return "channel"
	case DeliverLatest:
		return "latest"
	default:
		return "unknown"
	}
}

// DefaultChannelBuffer is the outbound channel depth in channel mode.
const DefaultChannelBuffer = 16

// FrameDistributor decouples producer cadence from consumer cadence.
//
// Deliveries to a consumer are monotonically increasing by frame id: the
// conversion workers run in parallel, so a slower conversion of an earlier
// frame can finish after a later one, and the distributor drops it rather
// than hand frames out of order.
type FrameDistributor struct {
	mode DeliveryMode

	out chan *FrameEvent // channel mode

	mu      sync.Mutex
	latest  *FrameEvent // latest mode, nil = consumed
	lastSeq uint64      // highest frame id delivered or slotted
	closed  bool

	notify chan struct{} // 1-buffered wakeup for Next
	drops  uint64

	log *logrus.Entry
}

// NewFrameDistributor creates a distributor in the given mode. buffer only
// applies to channel mode; zero means DefaultChannelBuffer.
func NewFrameDistributor(mode DeliveryMode, buffer int, log *logrus.Entry) *FrameDistributor {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &FrameDistributor{
		mode:   mode,
		notify: make(chan struct{}, 1),
		log:    log,
	}
	if mode == DeliverChannel {
		d.out = make(chan *FrameEvent, buffer)
	}
	return d
}

// Mode returns the delivery mode.
func (d *FrameDistributor) Mode() DeliveryMode { return d.mode }

// Frames returns the outbound channel in channel mode, nil otherwise.
func (d *FrameDistributor) Frames() <-chan *FrameEvent { return d.out }

// Drops returns the number of frames discarded by the distributor itself
// (out-of-order completions, overwritten slots, full channel).
func (d *FrameDistributor) Drops() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops
}

// Deliver hands a converted frame to the consumer side. It never blocks and
// reports whether the frame was accepted.
func (d *FrameDistributor) Deliver(ev *FrameEvent) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if ev.FrameID <= d.lastSeq {
		// A parallel worker finished an older frame late.
		d.drops++
		d.mu.Unlock()
		return false
	}

	if d.mode == DeliverLatest {
		if d.latest != nil {
			d.drops++ // unconsumed frame overwritten, expected under load
		}
		d.latest = ev
		d.lastSeq = ev.FrameID
		d.mu.Unlock()

		select {
		case d.notify <- struct{}{}:
		default:
		}
		return true
	}

	// Channel mode. The non-blocking send stays under the lock so a racing
	// Close cannot close the channel mid-send.
	d.lastSeq = ev.FrameID
	select {
	case d.out <- ev:
		d.mu.Unlock()
		return true
	default:
		d.drops++
		d.mu.Unlock()
		d.log.WithField("seq", ev.FrameID).Debug("frame channel full, dropped")
		return false
	}
}

// Next blocks until a frame is available in latest mode, always returning
// the most recent one. Returns ErrDistributorClosed after Close and the
// context error on cancellation.
func (d *FrameDistributor) Next(ctx context.Context) (*FrameEvent, error) {
	for {
		d.mu.Lock()
		if d.latest != nil {
			ev := d.latest
			d.latest = nil
			d.mu.Unlock()
			return ev, nil
		}
		if d.closed {
			d.mu.Unlock()
			return nil, ErrDistributorClosed
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.notify:
		}
	}
}

// Close shuts the distributor down. In channel mode the outbound channel is
// closed so the IPC consumer can drain and exit. Idempotent.
func (d *FrameDistributor) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.latest = nil
	if d.out != nil {
		close(d.out)
	}
	d.mu.Unlock()

	// Wake a blocked Next so it observes closed.
	select {
	case d.notify <- struct{}{}:
	default:
	}
}
