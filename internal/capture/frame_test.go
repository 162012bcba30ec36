package capture

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeTestJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 3), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestFrameReaderSingle(t *testing.T) {
	raw := encodeTestJPEG(t, 320, 240)
	fr := newFrameReader(bytes.NewReader(raw))

	frame, err := fr.Next()
	require.NoError(t, err)
	require.True(t, frame.Valid())
	require.Equal(t, 320, frame.Width)
	require.Equal(t, 240, frame.Height)
	require.Equal(t, raw, frame.Data)

	_, err = fr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderConcatenated(t *testing.T) {
	one := encodeTestJPEG(t, 64, 48)
	two := encodeTestJPEG(t, 128, 96)

	var stream bytes.Buffer
	stream.Write(one)
	stream.Write(two)
	stream.Write(one)

	fr := newFrameReader(&stream)
	for i, want := range []int{64, 128, 64} {
		frame, err := fr.Next()
		require.NoError(t, err, "frame %d", i)
		require.True(t, frame.Valid(), "frame %d", i)
		require.Equal(t, want, frame.Width, "frame %d", i)
	}
	_, err := fr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderSkipsGarbagePrefix(t *testing.T) {
	raw := encodeTestJPEG(t, 32, 32)
	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0xFF, 0x00, 0xAB, 0xFF})
	stream.Write(raw)

	frame, err := newFrameReader(&stream).Next()
	require.NoError(t, err)
	require.Equal(t, raw, frame.Data)
}

func TestFrameReaderTruncated(t *testing.T) {
	raw := encodeTestJPEG(t, 32, 32)
	fr := newFrameReader(bytes.NewReader(raw[:len(raw)-2]))
	_, err := fr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameValid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"complete", encodeTestJPEG(t, 16, 16), true},
		{"empty", nil, false},
		{"too short", []byte{0xFF, 0xD8}, false},
		{"missing trailer", []byte{0xFF, 0xD8, 0x01, 0x02, 0x03}, false},
		{"wrong header", []byte{0x00, 0x00, 0xFF, 0xD9}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := Frame{Data: tc.data}
			require.Equal(t, tc.want, f.Valid())
		})
	}
}

func TestJPEGDimensionsMalformed(t *testing.T) {
	w, h := jpegDimensions([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	require.Zero(t, w)
	require.Zero(t, h)

	w, h = jpegDimensions([]byte{0xFF, 0xD8, 0x12, 0x34})
	require.Zero(t, w)
	require.Zero(t, h)
}

func TestEncoderArgs(t *testing.T) {
	for _, choice := range codecPreferences {
		args, err := encoderArgs(choice.Codec)
		require.NoError(t, err, choice.Codec)
		require.NotEmpty(t, args, choice.Codec)
	}
	_, err := encoderArgs("h265")
	require.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	require.Equal(t, "boom", firstLine("boom\nmore\n"))
	require.Equal(t, "plain", firstLine("plain"))
	require.Equal(t, "", firstLine("\ntrailing"))
}
