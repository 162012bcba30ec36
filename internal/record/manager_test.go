package record

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	camID := uuid.MustParse("7f9c24e5-2f6a-4b1e-9d3c-1a2b3c4d5e6f")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Front Door", "Front Door"},
		{"keeps dashes and underscores", "lobby-cam_2", "lobby-cam_2"},
		{"strips path separators", "../../etc/passwd", "etcpasswd"},
		{"strips punctuation", "night: shot!", "night shot"},
		{"trims whitespace", "  padded  ", "padded"},
		{"empty falls back", "", "Camera_7f9c24e5"},
		{"only junk falls back", "///***", "Camera_7f9c24e5"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SanitizeName(tc.in, camID))
		})
	}
}

func TestEffectiveRate(t *testing.T) {
	tests := []struct {
		name    string
		probed  float64
		frames  int64
		seconds float64
		want    float64
	}{
		{"probed rate wins over measurement", 25, 450, 60, 25},
		{"measurement fills a missing probe", 0, 900, 60, 15},
		{"no frames leaves zero", 0, 0, 30, 0},
		{"no duration leaves zero", 0, 900, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, effectiveRate(tc.probed, tc.frames, tc.seconds))
		})
	}
}
