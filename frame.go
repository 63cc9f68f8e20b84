package camstream

import "time"

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatI420                // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGB24               // Packed RGB, 3 bytes per pixel
	PixelFormatRGBA32              // Packed RGBA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGB24:
		return "RGB8"
	case PixelFormatRGBA32:
		return "RGBA"
	default:
		return "Unknown"
	}
}

// BytesPerPixel returns the packed pixel size, or 0 for planar formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB24:
		return 3
	case PixelFormatRGBA32:
		return 4
	default:
		return 0
	}
}

// YUV420Size returns the buffer size of a 4:2:0 frame (I420 or NV12).
func YUV420Size(width, height int) int {
	return width * height * 3 / 2
}

// RawFrame is a frame as delivered by the capture driver. It is owned by the
// producer and must not be retained past the callback that receives it; the
// conversion pool copies what it needs before returning.
type RawFrame struct {
	Data    []byte
	Width   int
	Height  int
	Format  PixelFormat
	Arrival time.Time
}

// FrameEvent is a converted frame ready for a consumer. Ownership transfers
// to whichever consumer it is delivered to; it is never shared or mutated
// after creation. The JSON shape is what the IPC layer forwards to the
// frontend.
type FrameEvent struct {
	FrameID     uint64 `json:"frameId"`
	Data        []byte `json:"data"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	TimestampMs uint64 `json:"timestampMs"`
	Format      string `json:"format"`
}

// CaptureFormat describes a capture configuration negotiated with a device.
type CaptureFormat struct {
	Width  int         `json:"width"`
	Height int         `json:"height"`
	FPS    float64     `json:"fps"`
	Format PixelFormat `json:"-"`
}
