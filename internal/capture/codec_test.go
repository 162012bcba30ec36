package capture

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCodecPreferencesCoverContainers(t *testing.T) {
	// Every preferred pairing must map to a muxer and an encoder, or
	// the writer-open walk skips it silently.
	for _, c := range codecPreferences {
		require.NotEmpty(t, muxerFor("clip"+c.Extension), "%s%s has no muxer", c.Codec, c.Extension)
		args, err := encoderArgs(c.Codec)
		require.NoError(t, err, c.Codec)
		require.NotEmpty(t, args, c.Codec)
	}

	require.Equal(t, CodecChoice{"mp4v", ".mp4"}, codecPreferences[0])
	require.Equal(t, "asf", muxerFor("clip.wmv"))
}

func TestCandidatesFallbackWhenProbesFail(t *testing.T) {
	s := NewCodecSelector(filepath.Join(t.TempDir(), "missing-ffmpeg"), zerolog.Nop())

	got := s.Candidates(640, 480, 25)
	require.Equal(t, fallbackChoices, got)

	// The untested list is never cached, so a fixed binary gets a
	// fresh probe run.
	_, ok := s.cache.Get("640x480@25.00")
	require.False(t, ok)
}
