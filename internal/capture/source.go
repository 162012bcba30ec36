package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultReadTimeout bounds a single frame read. RTSP cameras that
	// go silent longer than this are treated as failed reads.
	DefaultReadTimeout = 2 * time.Second

	// stopGrace is how long ffmpeg gets to exit after SIGINT before it
	// is killed.
	stopGrace = 3 * time.Second
)

// SourceOptions tune the decode pipeline.
type SourceOptions struct {
	FFmpegBin string
	// MaxWidth/MaxHeight cap the decoded resolution. Zero disables
	// scaling.
	MaxWidth  int
	MaxHeight int
	// FPS caps the decode rate. Zero lets the camera dictate.
	FPS float64
	// Transport is the RTSP transport, tcp unless overridden.
	Transport string
}

// Source is a running ffmpeg decode of one RTSP stream. Frames arrive
// on an internal one-slot buffer: a slow consumer sees the newest frame
// and older ones are dropped.
type Source struct {
	url  string
	cmd  *exec.Cmd
	log  zerolog.Logger
	slot chan *Frame

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	readErr error
}

// OpenSource spawns the decoder and begins pumping frames. The returned
// Source must be stopped by the caller.
func OpenSource(ctx context.Context, url string, opts SourceOptions, log zerolog.Logger) (*Source, error) {
	if opts.FFmpegBin == "" {
		opts.FFmpegBin = "ffmpeg"
	}
	if opts.Transport == "" {
		opts.Transport = "tcp"
	}

	runCtx, cancel := context.WithCancel(ctx)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", opts.Transport,
		"-i", url,
		"-an",
	}
	if opts.MaxWidth > 0 && opts.MaxHeight > 0 {
		args = append(args, "-vf",
			fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease",
				opts.MaxWidth, opts.MaxHeight))
	}
	if opts.FPS > 0 {
		args = append(args, "-r", fmt.Sprintf("%.2f", opts.FPS))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")

	cmd := exec.CommandContext(runCtx, opts.FFmpegBin, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = stopGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("capture: start ffmpeg: %w", err)
	}

	s := &Source{
		url:    url,
		cmd:    cmd,
		log:    log.With().Str("component", "capture").Logger(),
		slot:   make(chan *Frame, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(stdout)
	return s, nil
}

// pump reads frames off the decoder and keeps only the newest one in
// the slot.
func (s *Source) pump(stdout io.ReadCloser) {
	defer close(s.done)
	defer s.cmd.Wait()

	fr := newFrameReader(stdout)
	for {
		frame, err := fr.Next()
		if err != nil {
			s.mu.Lock()
			if !s.stopped {
				s.readErr = err
			}
			s.mu.Unlock()
			if err != io.EOF {
				s.log.Debug().Err(err).Str("url", s.url).Msg("decode pump ended")
			}
			return
		}
		select {
		case s.slot <- frame:
		default:
			// Drop the stale frame, keep the fresh one.
			select {
			case <-s.slot:
			default:
			}
			select {
			case s.slot <- frame:
			default:
			}
		}
	}
}

// ReadFrame returns the next frame, waiting at most timeout. A closed
// source returns ErrSourceClosed; a silent one ErrFrameTimeout.
func (s *Source) ReadFrame(timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-s.slot:
		return frame, nil
	case <-s.done:
		// Drain anything the pump left behind before reporting closure.
		select {
		case frame := <-s.slot:
			return frame, nil
		default:
		}
		return nil, ErrSourceClosed
	case <-timer.C:
		return nil, ErrFrameTimeout
	}
}

// Alive reports whether the decode process is still running.
func (s *Source) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stop signals ffmpeg with SIGINT and waits for the pump to drain. Safe
// to call more than once.
func (s *Source) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
}
