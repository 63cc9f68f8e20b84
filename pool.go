package camstream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPoolCapacity bounds concurrent conversions per stream.
const DefaultPoolCapacity = 3

// ConversionPoolConfig configures a per-stream conversion pool.
type ConversionPoolConfig struct {
	Capacity int         // Worker count and admission bound (default: 3)
	Output   PixelFormat // Conversion target (default: RGBA32)
	Epoch    time.Time   // Stream start, used for capture-relative timestamps
}

// ConversionPool converts accepted raw frames on a fixed set of workers.
//
// Admission is a lock-free counter bounded by the worker count: a slot is
// reserved atomically before a frame is queued, so concurrent producers
// cannot overshoot capacity, and it is released unconditionally when the
// worker finishes, whatever the exit path. Submit never blocks the capture
// thread.
type ConversionPool struct {
	capacity int32
	output   PixelFormat
	epoch    time.Time
	deliver  func(*FrameEvent)

	inFlight atomic.Int32
	seq      atomic.Uint64
	closed   atomic.Bool

	jobs chan conversionJob
	quit chan struct{}
	wg   sync.WaitGroup

	log *logrus.Entry
}

type conversionJob struct {
	raw RawFrame
	seq uint64
}

// NewConversionPool creates a pool and starts its workers. Converted frames
// are handed to deliver, which runs on a worker goroutine.
func NewConversionPool(config ConversionPoolConfig, deliver func(*FrameEvent), log *logrus.Entry) *ConversionPool {
	if config.Capacity <= 0 {
		config.Capacity = DefaultPoolCapacity
	}
	if config.Output == PixelFormatUnknown {
		config.Output = PixelFormatRGBA32
	}
	if config.Epoch.IsZero() {
		config.Epoch = time.Now()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &ConversionPool{
		capacity: int32(config.Capacity),
		output:   config.Output,
		epoch:    config.Epoch,
		deliver:  deliver,
		jobs:     make(chan conversionJob, config.Capacity),
		quit:     make(chan struct{}),
		log:      log,
	}

	p.wg.Add(config.Capacity)
	for i := 0; i < config.Capacity; i++ {
		go p.worker()
	}
	return p
}

// Submit offers a raw frame to the pool. It returns false, without touching
// the frame, when every slot is taken or the pool is closed. On acceptance
// the pool takes ownership of the frame's buffer; the producer must not
// reuse it.
func (p *ConversionPool) Submit(raw RawFrame) bool {
	if p.closed.Load() {
		return false
	}

	// Reserve a slot before queueing so two producers can't both observe
	// spare capacity.
	for {
		n := p.inFlight.Load()
		if n >= p.capacity {
			return false
		}
		if p.inFlight.CompareAndSwap(n, n+1) {
			break
		}
	}

	seq := p.seq.Add(1)
	select {
	case p.jobs <- conversionJob{raw: raw, seq: seq}:
		return true
	case <-p.quit:
		p.inFlight.Add(-1)
		return false
	}
}

// InFlight returns the number of reserved slots.
func (p *ConversionPool) InFlight() int {
	return int(p.inFlight.Load())
}

// Sequence returns the last sequence id assigned to an accepted frame.
func (p *ConversionPool) Sequence() uint64 {
	return p.seq.Load()
}

// Close stops the workers, releases any slots still held by queued jobs, and
// waits for in-flight conversions to finish. Idempotent.
func (p *ConversionPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.quit)
	p.wg.Wait()

	// Jobs that were queued but never picked up still hold a slot.
	for {
		select {
		case <-p.jobs:
			p.inFlight.Add(-1)
		default:
			return
		}
	}
}

func (p *ConversionPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			p.process(job)
		}
	}
}

// process converts one frame. The slot release is deferred first so it runs
// on every exit path, including a panicking converter.
func (p *ConversionPool) process(job conversionJob) {
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"seq":   job.seq,
				"panic": r,
			}).Error("conversion panicked, frame dropped")
		}
	}()

	raw := job.raw
	pixels, err := Convert(raw.Data, raw.Width, raw.Height, raw.Format, p.output)
	if err != nil {
		// Drops are silent towards consumers; sequence ids keep their gap.
		p.log.WithFields(logrus.Fields{
			"seq":    job.seq,
			"format": raw.Format.String(),
		}).WithError(err).Debug("frame conversion failed, dropped")
		return
	}

	elapsed := raw.Arrival.Sub(p.epoch)
	if elapsed < 0 {
		elapsed = 0
	}

	p.deliver(&FrameEvent{
		FrameID:     job.seq,
		Data:        pixels,
		Width:       raw.Width,
		Height:      raw.Height,
		TimestampMs: uint64(elapsed.Milliseconds()),
		Format:      p.output.String(),
	})
}
