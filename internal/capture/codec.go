package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// CodecChoice pairs an encoder name with the container extension it is
// written into.
type CodecChoice struct {
	Codec     string
	Extension string
}

// codecPreferences is ordered by compatibility and output quality:
// MP4 containers first, then WMV, then the AVI variants that almost
// every build can produce.
var codecPreferences = []CodecChoice{
	{"mp4v", ".mp4"},
	{"MJPG", ".mp4"},
	{"XVID", ".mp4"},
	{"DIVX", ".mp4"},
	{"WMV1", ".wmv"},
	{"WMV2", ".wmv"},
	{"MJPG", ".avi"},
	{"XVID", ".avi"},
	{"DIVX", ".avi"},
}

// fallbackChoices is used untested when every probe fails, so the
// pipeline can still attempt to record. MJPG in AVI is the most
// forgiving combination ffmpeg builds ship.
var fallbackChoices = []CodecChoice{
	{"MJPG", ".avi"},
	{"mp4v", ".mp4"},
}

const (
	probeFrames   = 3
	probeMinBytes = 50
	codecCacheCap = 64
)

var ErrNoCodec = errors.New("capture: no working codec")

// CodecSelector probes which codecs work at a given resolution and
// frame rate. Results are cached per "WxH@fps" because each probe
// spawns an encoder process.
type CodecSelector struct {
	FFmpegBin string
	Log       zerolog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, []CodecChoice]
}

func NewCodecSelector(ffmpegBin string, log zerolog.Logger) *CodecSelector {
	cache, _ := lru.New[string, []CodecChoice](codecCacheCap)
	return &CodecSelector{
		FFmpegBin: ffmpegBin,
		Log:       log.With().Str("component", "codec").Logger(),
		cache:     cache,
	}
}

// Candidates returns the verified codecs for the resolution in
// preference order. Callers try each in turn at writer-open time. The
// untested fallback list is returned, uncached, when no probe
// succeeds.
func (s *CodecSelector) Candidates(width, height int, fps float64) []CodecChoice {
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	if fps <= 0 || fps > 60 {
		fps = 25
	}
	key := fmt.Sprintf("%dx%d@%.2f", width, height, fps)

	s.mu.Lock()
	defer s.mu.Unlock()
	if choices, ok := s.cache.Get(key); ok {
		return choices
	}

	var working []CodecChoice
	for _, choice := range codecPreferences {
		if err := s.probe(choice, width, height, fps); err != nil {
			s.Log.Debug().Err(err).Str("codec", choice.Codec).Str("key", key).Msg("codec probe failed")
			continue
		}
		working = append(working, choice)
	}
	if len(working) == 0 {
		s.Log.Warn().Str("key", key).Msg("all codec probes failed, using fallback list")
		return fallbackChoices
	}

	s.Log.Info().Str("codec", working[0].Codec).Int("candidates", len(working)).Str("key", key).Msg("codecs selected")
	s.cache.Add(key, working)
	return working
}

// Reset drops cached selections. Called when the ffmpeg binary or its
// configuration changes at runtime.
func (s *CodecSelector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

// probe encodes a few synthetic frames to a temp file and checks the
// result is non-trivial.
func (s *CodecSelector) probe(choice CodecChoice, width, height int, fps float64) error {
	dir, err := os.MkdirTemp("", "codec-probe-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "probe"+choice.Extension)
	w, err := NewWriter(s.FFmpegBin, path, choice.Codec, fps)
	if err != nil {
		return err
	}

	frame, err := syntheticFrame(width, height)
	if err != nil {
		w.Close()
		return err
	}
	for i := 0; i < probeFrames; i++ {
		if err := w.WriteFrame(frame); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() <= probeMinBytes {
		return fmt.Errorf("%w: %s produced %d bytes", ErrNoCodec, choice.Codec, info.Size())
	}
	return nil
}

func syntheticFrame(width, height int) (*Frame, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return &Frame{Data: buf.Bytes(), Width: width, Height: height, Timestamp: time.Now()}, nil
}
