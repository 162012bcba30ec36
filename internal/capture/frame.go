// Package capture turns RTSP sources into frame streams and frame
// streams into video files. All decoding and encoding is delegated to
// ffmpeg child processes speaking MJPEG over pipes.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

var (
	ErrSourceClosed  = errors.New("capture: source closed")
	ErrFrameTimeout  = errors.New("capture: frame read timed out")
	ErrInvalidFrame  = errors.New("capture: invalid jpeg frame")
	ErrWriterClosed  = errors.New("capture: writer closed")
	ErrCameraOffline = errors.New("capture: camera unreachable")
)

// Frame is one JPEG image pulled off a camera stream.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Valid reports whether the frame carries a plausible JPEG payload.
// Undersized or truncated frames are dropped by callers rather than
// written to disk.
func (f *Frame) Valid() bool {
	n := len(f.Data)
	if n < 4 {
		return false
	}
	return f.Data[0] == 0xFF && f.Data[1] == 0xD8 && f.Data[n-2] == 0xFF && f.Data[n-1] == 0xD9
}

// frameReader extracts complete JPEG images from an MJPEG byte stream
// (ffmpeg image2pipe output). Images are delimited by SOI/EOI markers;
// dimensions come from the SOF segment.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 1<<20)}
}

// Next blocks until a full JPEG is available. Returns io.EOF once the
// underlying pipe closes.
func (fr *frameReader) Next() (*Frame, error) {
	// Scan to the SOI marker, discarding any inter-frame garbage.
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0xD8 {
			break
		}
	}

	buf := make([]byte, 2, 64<<10)
	buf[0], buf[1] = 0xFF, 0xD8

	var prev byte
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if prev == 0xFF && b == 0xD9 {
			break
		}
		prev = b
	}

	w, h := jpegDimensions(buf)
	return &Frame{Data: buf, Width: w, Height: h, Timestamp: time.Now()}, nil
}

// jpegDimensions walks the segment table for a SOF marker. Returns
// zeros when the image is malformed, which callers treat as unknown
// rather than fatal.
func jpegDimensions(data []byte) (int, int) {
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return 0, 0
		}
		marker := data[i+1]
		// Standalone markers carry no length field.
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD7) || marker == 0x01 {
			i += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(data) {
			return 0, 0
		}
		// SOF0..SOF15 except DHT/JPG/DAC.
		if marker >= 0xC0 && marker <= 0xCF && marker != 0xC4 && marker != 0xC8 && marker != 0xCC {
			if segLen < 7 {
				return 0, 0
			}
			h := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			w := int(binary.BigEndian.Uint16(data[i+7 : i+9]))
			return w, h
		}
		i += 2 + segLen
	}
	return 0, 0
}
