package capture

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

const (
	// ProbeAttempts and ProbeGap define the robust connectivity check:
	// a camera is reachable if any attempt grabs a frame.
	ProbeAttempts = 5
	ProbeGap      = 2 * time.Second

	probeAttemptTimeout = 10 * time.Second
)

// ProbeResult summarizes a connectivity check.
type ProbeResult struct {
	Reachable bool          `json:"reachable"`
	Attempts  int           `json:"attempts"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	LastError string        `json:"last_error,omitempty"`
}

// Prober grabs single frames from RTSP URLs.
type Prober struct {
	FFmpegBin string
	Transport string
	Log       zerolog.Logger
}

// Probe retries frame grabs until one succeeds or attempts run out.
// Transient startup failures on otherwise healthy cameras are common,
// so a single failed grab never condemns a camera.
func (p *Prober) Probe(ctx context.Context, url string) ProbeResult {
	start := time.Now()
	res := ProbeResult{}

	for attempt := 1; attempt <= ProbeAttempts; attempt++ {
		res.Attempts = attempt
		frame, err := p.GrabFrame(ctx, url)
		if err == nil {
			res.Reachable = true
			res.Width = frame.Width
			res.Height = frame.Height
			res.Elapsed = time.Since(start)
			return res
		}
		res.LastError = err.Error()
		p.Log.Debug().Err(err).Int("attempt", attempt).Msg("probe attempt failed")

		if attempt < ProbeAttempts {
			select {
			case <-ctx.Done():
				res.LastError = ctx.Err().Error()
				res.Elapsed = time.Since(start)
				return res
			case <-time.After(ProbeGap):
			}
		}
	}
	res.Elapsed = time.Since(start)
	return res
}

// GrabFrame runs a one-shot decode that exits after the first frame.
func (p *Prober) GrabFrame(ctx context.Context, url string) (*Frame, error) {
	bin := p.FFmpegBin
	if bin == "" {
		bin = "ffmpeg"
	}
	transport := p.Transport
	if transport == "" {
		transport = "tcp"
	}

	grabCtx, cancel := context.WithTimeout(ctx, probeAttemptTimeout)
	defer cancel()

	cmd := exec.CommandContext(grabCtx, bin,
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", transport,
		"-i", url,
		"-an", "-frames:v", "1",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-")

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := stderr.String(); msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrCameraOffline, firstLine(msg))
		}
		return nil, fmt.Errorf("%w: %v", ErrCameraOffline, err)
	}

	frame, err := newFrameReader(&out).Next()
	if err != nil {
		return nil, fmt.Errorf("%w: no frame in output", ErrCameraOffline)
	}
	frame.Timestamp = time.Now()
	return frame, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}
