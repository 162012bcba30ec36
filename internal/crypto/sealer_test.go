package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("camera-key")
	require.NoError(t, err)

	sealed, err := s.Seal("rtsp-password")
	require.NoError(t, err)
	assert.NotEqual(t, "rtsp-password", sealed)
	assert.Contains(t, sealed, sealedPrefix)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "rtsp-password", plain)
}

func TestSealerEmptyStaysEmpty(t *testing.T) {
	s, err := NewSealer("camera-key")
	require.NoError(t, err)

	sealed, err := s.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestSealerPassesThroughLegacyPlaintext(t *testing.T) {
	s, err := NewSealer("camera-key")
	require.NoError(t, err)

	plain, err := s.Open("legacy-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", plain)
}

func TestSealerWrongKeyFails(t *testing.T) {
	s1, err := NewSealer("key-one")
	require.NoError(t, err)
	s2, err := NewSealer("key-two")
	require.NoError(t, err)

	sealed, err := s1.Seal("secret")
	require.NoError(t, err)

	_, err = s2.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestSealerRequiresKey(t *testing.T) {
	_, err := NewSealer("")
	assert.ErrorIs(t, err, ErrNoKey)
}
