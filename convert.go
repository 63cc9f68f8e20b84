package camstream

import "fmt"

// yuvMatrix holds fixed-point (x256) YUV->RGB coefficients, limited range.
type yuvMatrix struct {
	rv     int // V contribution to R
	gu, gv int // U and V contributions to G (negative)
	bu     int // U contribution to B
}

var (
	// ITU-R BT.601, for SD resolutions.
	matrixBT601 = yuvMatrix{rv: 409, gu: 100, gv: 208, bu: 516}
	// ITU-R BT.709, for HD and above.
	matrixBT709 = yuvMatrix{rv: 459, gu: 55, gv: 136, bu: 541}
)

// matrixFor picks the color matrix by resolution, matching what cameras
// actually tag: BT.709 from 720p up, BT.601 below.
func matrixFor(width, height int) yuvMatrix {
	if width >= 1280 || height >= 720 {
		return matrixBT709
	}
	return matrixBT601
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// Convert converts a raw 4:2:0 buffer to a packed RGB format.
// Supported sources are NV12 and I420; supported targets are RGB24 and
// RGBA32. Returns ErrInvalidBufferSize if buf is smaller than a full frame
// and ErrUnsupportedFormat for any other format pairing.
func Convert(buf []byte, width, height int, src, dst PixelFormat) ([]byte, error) {
	bpp := dst.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: target %s", ErrUnsupportedFormat, dst)
	}
	switch src {
	case PixelFormatNV12, PixelFormatI420:
	default:
		return nil, fmt.Errorf("%w: source %s", ErrUnsupportedFormat, src)
	}

	expected := YUV420Size(width, height)
	if len(buf) < expected {
		return nil, fmt.Errorf("%w: %s %dx%d needs at least %d bytes, got %d",
			ErrInvalidBufferSize, src, width, height, expected, len(buf))
	}

	m := matrixFor(width, height)
	ySize := width * height
	uvSize := ySize / 4
	out := make([]byte, width*height*bpp)

	for y := 0; y < height; y++ {
		cy := y / 2
		for x := 0; x < width; x++ {
			cx := x / 2

			var u, v int
			switch src {
			case PixelFormatNV12:
				uvOff := ySize + cy*width + cx*2
				u = int(buf[uvOff])
				v = int(buf[uvOff+1])
			case PixelFormatI420:
				u = int(buf[ySize+cy*(width/2)+cx])
				v = int(buf[ySize+uvSize+cy*(width/2)+cx])
			}

			c := 298 * (int(buf[y*width+x]) - 16)
			d := u - 128
			e := v - 128

			o := (y*width + x) * bpp
			out[o] = clamp8((c + m.rv*e + 128) >> 8)
			out[o+1] = clamp8((c - m.gu*d - m.gv*e + 128) >> 8)
			out[o+2] = clamp8((c + m.bu*d + 128) >> 8)
			if bpp == 4 {
				out[o+3] = 255
			}
		}
	}

	return out, nil
}

// NV12ToI420 de-interleaves an NV12 buffer's UV plane into separate U and V
// planes. Encoders generally want I420 input.
func NV12ToI420(buf []byte, width, height int) ([]byte, error) {
	expected := YUV420Size(width, height)
	if len(buf) < expected {
		return nil, fmt.Errorf("%w: NV12 %dx%d needs at least %d bytes, got %d",
			ErrInvalidBufferSize, width, height, expected, len(buf))
	}

	ySize := width * height
	uvSize := ySize / 4

	out := make([]byte, expected)
	copy(out, buf[:ySize])

	uv := buf[ySize:]
	for i := 0; i < uvSize; i++ {
		out[ySize+i] = uv[i*2]          // U
		out[ySize+uvSize+i] = uv[i*2+1] // V
	}
	return out, nil
}
