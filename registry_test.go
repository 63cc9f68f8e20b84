package camstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an in-memory capture provider. It records the order of
// lifecycle calls and lets tests drive the frame callback directly.
type fakeProvider struct {
	mu        sync.Mutex
	calls     []string
	callbacks map[string]RawFrameCallback

	format  CaptureFormat
	openErr error
	stopErr error

	// When set, RecommendedFormat signals entry and blocks until released,
	// letting tests hold a Start mid-open.
	formatEntered chan struct{}
	formatRelease chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		callbacks: make(map[string]RawFrameCallback),
		format:    CaptureFormat{Width: 4, Height: 4, FPS: 30, Format: PixelFormatNV12},
	}
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// emit drives the registered callback the way a capture thread would.
func (f *fakeProvider) emit(deviceID string, frame RawFrame) {
	f.mu.Lock()
	cb := f.callbacks[deviceID]
	f.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

func (f *fakeProvider) Initialize(ctx context.Context) error {
	f.record("initialize")
	return nil
}

func (f *fakeProvider) RequestPermission(ctx context.Context) (PermissionInfo, error) {
	f.record("permission")
	return PermissionInfo{Status: PermissionGranted}, nil
}

func (f *fakeProvider) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	f.record("list")
	return []DeviceInfo{{DeviceID: "cam0", Label: "Fake Camera"}}, nil
}

func (f *fakeProvider) RecommendedFormat(ctx context.Context, deviceID string) (CaptureFormat, error) {
	f.record("format:" + deviceID)
	if f.formatRelease != nil {
		f.formatEntered <- struct{}{}
		<-f.formatRelease
	}
	return f.format, nil
}

func (f *fakeProvider) Open(ctx context.Context, deviceID string, format CaptureFormat) error {
	f.record("open:" + deviceID)
	return f.openErr
}

func (f *fakeProvider) RegisterCallback(deviceID string, cb RawFrameCallback) error {
	f.record("callback:" + deviceID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[deviceID] = cb
	return nil
}

func (f *fakeProvider) Stop(deviceID string) error {
	f.record("stop:" + deviceID)
	return f.stopErr
}

func (f *fakeProvider) Release(deviceID string) error {
	f.record("release:" + deviceID)
	return nil
}

func (f *fakeProvider) rawFrame() RawFrame {
	return RawFrame{
		Data:    solidNV12(f.format.Width, f.format.Height, 120, 128, 128),
		Width:   f.format.Width,
		Height:  f.format.Height,
		Format:  PixelFormatNV12,
		Arrival: time.Now(),
	}
}

func TestStartRejectsSecondStreamOnDevice(t *testing.T) {
	provider := newFakeProvider()
	RegisterCaptureProvider(provider)
	r := NewStreamRegistry(0)
	defer r.StopAll()

	sess, err := r.Start(context.Background(), "cam0", StreamConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, provider.format.Width, sess.Format.Width)

	_, err = r.Start(context.Background(), "cam0", StreamConfig{})
	assert.ErrorIs(t, err, ErrStreamActive)

	// A different device is fine.
	sess2, err := r.Start(context.Background(), "cam1", StreamConfig{})
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, sess2.ID)
}

func TestStartRollsBackOnOpenFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.openErr = fmt.Errorf("device busy")
	RegisterCaptureProvider(provider)
	r := NewStreamRegistry(0)

	_, err := r.Start(context.Background(), "cam0", StreamConfig{})
	require.Error(t, err)

	// The reservation is gone; a later attempt is not blocked by a ghost.
	provider.openErr = nil
	sess, err := r.Start(context.Background(), "cam0", StreamConfig{})
	require.NoError(t, err)
	require.NoError(t, r.Stop(sess.ID))
}

func TestStopDuringStartReleasesDevice(t *testing.T) {
	provider := newFakeProvider()
	provider.formatEntered = make(chan struct{})
	provider.formatRelease = make(chan struct{})
	RegisterCaptureProvider(provider)
	r := NewStreamRegistry(0)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), "cam0", StreamConfig{})
		errCh <- err
	}()

	// The entry is published and fully built before the device is touched.
	<-provider.formatEntered
	sess, ok := r.SessionForDevice("cam0")
	require.True(t, ok)
	require.NoError(t, r.Stop(sess.ID))

	close(provider.formatRelease)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStreamNotFound)
	case <-time.After(time.Second):
		t.Fatal("Start never returned")
	}

	// The open that outran the stop was undone; the device is not left live.
	calls := provider.callLog()
	assert.Equal(t, "release:cam0", calls[len(calls)-1])
	_, ok = r.SessionForDevice("cam0")
	assert.False(t, ok)

	// And the device is free for a fresh start.
	provider.formatRelease = nil
	sess2, err := r.Start(context.Background(), "cam0", StreamConfig{})
	require.NoError(t, err)
	require.NoError(t, r.Stop(sess2.ID))
}

func TestStopIsExclusive(t *testing.T) {
	RegisterCaptureProvider(newFakeProvider())
	r := NewStreamRegistry(0)

	sess, err := r.Start(context.Background(), "cam0", StreamConfig{})
	require.NoError(t, err)

	require.NoError(t, r.Stop(sess.ID))
	assert.ErrorIs(t, r.Stop(sess.ID), ErrStreamNotFound)
	_, err = r.Get(sess.ID)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStopTeardownOrder(t *testing.T) {
	provider := newFakeProvider()
	RegisterCaptureProvider(provider)
	r := NewStreamRegistry(0)

	sess, err := r.Start(context.Background(), "cam0", StreamConfig{})
	require.NoError(t, err)
	require.NoError(t, r.Stop(sess.ID))

	calls := provider.callLog()
	// Start: format, open, callback. Stop: callback cleared, stop, release.
	assert.Equal(t, []string{
		"format:cam0", "open:cam0", "callback:cam0",
		"callback:cam0", "stop:cam0", "release:cam0",
	}, calls)
	assert.False(t, sess.Live())
}

func TestStopContinuesPastFailingStep(t *testing.T) {
	provider := newFakeProvider()
	provider.stopErr = fmt.Errorf("driver wedged")
	RegisterCaptureProvider(provider)
	r := NewStreamRegistry(0)

	sess, err := r.Start(context.Background(), "cam0", StreamConfig{})
	require.NoError(t, err)

	err = r.Stop(sess.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver wedged")
	// Release still ran after the failed stop.
	assert.Contains(t, provider.callLog(), "release:cam0")
}

func TestStreamDeliversFrames(t *testing.T) {
	provider := newFakeProvider()
	RegisterCaptureProvider(provider)
	r := NewStreamRegistry(0)
	defer r.StopAll()

	sess, err := r.Start(context.Background(), "cam0", StreamConfig{Mode: DeliverChannel})
	require.NoError(t, err)

	provider.emit("cam0", provider.rawFrame())

	select {
	case ev := <-sess.Frames():
		assert.Equal(t, uint64(1), ev.FrameID)
		assert.Equal(t, provider.format.Width, ev.Width)
		assert.Equal(t, "RGBA", ev.Format)
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}
	assert.Equal(t, uint64(1), sess.FrameCount())
}

func TestSkipRatioThinsAdmission(t *testing.T) {
	provider := newFakeProvider()
	RegisterCaptureProvider(provider)
	r := NewStreamRegistry(0)
	defer r.StopAll()

	sess, err := r.Start(context.Background(), "cam0", StreamConfig{
		Mode:      DeliverChannel,
		SkipRatio: 3,
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		provider.emit("cam0", provider.rawFrame())
		// Sequential emission so the tiny pool never saturates.
		require.Eventually(t, func() bool { return sess.pool.InFlight() == 0 },
			time.Second, time.Millisecond)
	}
	assert.Equal(t, uint64(2), sess.FrameCount(), "1 of every 3 callbacks admitted")
}

func TestFramesDroppedAfterStop(t *testing.T) {
	provider := newFakeProvider()
	RegisterCaptureProvider(provider)
	r := NewStreamRegistry(0)

	sess, err := r.Start(context.Background(), "cam0", StreamConfig{Mode: DeliverChannel})
	require.NoError(t, err)
	require.NoError(t, r.Stop(sess.ID))

	// The fake still holds the neutralized callback; emitting is harmless.
	provider.emit("cam0", provider.rawFrame())
	assert.Zero(t, sess.FrameCount())
}

func TestSessionForDevice(t *testing.T) {
	RegisterCaptureProvider(newFakeProvider())
	r := NewStreamRegistry(0)
	defer r.StopAll()

	sess, err := r.Start(context.Background(), "cam0", StreamConfig{})
	require.NoError(t, err)

	got, ok := r.SessionForDevice("cam0")
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)

	_, ok = r.SessionForDevice("cam9")
	assert.False(t, ok)
}

func TestStartWithoutProvider(t *testing.T) {
	RegisterCaptureProvider(nil)
	defer RegisterCaptureProvider(newFakeProvider())

	r := NewStreamRegistry(0)
	_, err := r.Start(context.Background(), "cam0", StreamConfig{})
	assert.ErrorIs(t, err, ErrNoCaptureProvider)
}
