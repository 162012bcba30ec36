package capture

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// encoderArgs maps a codec name to the ffmpeg flags that produce it.
// The names mirror common container fourccs rather than ffmpeg encoder
// ids so camera configs stay portable.
func encoderArgs(codec string) ([]string, error) {
	switch codec {
	case "mp4v":
		return []string{"-c:v", "mpeg4", "-q:v", "5"}, nil
	case "MJPG":
		return []string{"-c:v", "mjpeg", "-q:v", "5"}, nil
	case "XVID":
		return []string{"-c:v", "mpeg4", "-vtag", "XVID", "-q:v", "5"}, nil
	case "DIVX":
		return []string{"-c:v", "mpeg4", "-vtag", "DIVX", "-q:v", "5"}, nil
	case "WMV1":
		return []string{"-c:v", "wmv1", "-q:v", "5"}, nil
	case "WMV2":
		return []string{"-c:v", "wmv2", "-q:v", "5"}, nil
	default:
		return nil, fmt.Errorf("capture: unknown codec %q", codec)
	}
}

// PartSuffix marks a recording file that is still being written. The
// suffix is stripped on successful completion.
const PartSuffix = ".part"

// muxerFor resolves the container format from the destination
// extension, looking through a trailing PartSuffix. Empty means let
// ffmpeg infer.
func muxerFor(path string) string {
	ext := filepath.Ext(path)
	if ext == PartSuffix {
		ext = filepath.Ext(strings.TrimSuffix(path, PartSuffix))
	}
	switch strings.ToLower(ext) {
	case ".mp4":
		return "mp4"
	case ".avi":
		return "avi"
	case ".wmv":
		return "asf"
	default:
		return ""
	}
}

// Writer encodes an MJPEG frame sequence into a video file through a
// long-lived ffmpeg process. Not safe for concurrent use; the recording
// loop is the single writer.
type Writer struct {
	Path  string
	Codec string
	FPS   float64

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	mu       sync.Mutex
	frames   int64
	failures int
	closed   bool
}

// NewWriter starts the encoder. The destination directory must already
// exist; the file is created (or truncated) by ffmpeg.
func NewWriter(ffmpegBin, path, codec string, fps float64) (*Writer, error) {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if fps <= 0 || fps > 60 {
		fps = 25
	}
	encArgs, err := encoderArgs(codec)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "image2pipe", "-vcodec", "mjpeg",
		"-r", fmt.Sprintf("%.2f", fps),
		"-i", "-",
		"-an",
	}
	args = append(args, encArgs...)
	args = append(args, "-r", fmt.Sprintf("%.2f", fps))
	if mux := muxerFor(path); mux != "" {
		args = append(args, "-f", mux)
	}
	args = append(args, "-y", path)

	cmd := exec.Command(ffmpegBin, args...)
	w := &Writer{Path: path, Codec: codec, FPS: fps, cmd: cmd}
	cmd.Stderr = &w.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: stdin pipe: %w", err)
	}
	w.stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start encoder: %w", err)
	}
	return w, nil
}

// WriteFrame appends one JPEG to the stream. Invalid frames are
// rejected without touching the encoder.
func (w *Writer) WriteFrame(f *Frame) error {
	if !f.Valid() {
		return ErrInvalidFrame
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.stdin.Write(f.Data); err != nil {
		w.failures++
		return fmt.Errorf("capture: write frame: %w", err)
	}
	w.frames++
	return nil
}

// Frames returns the number of frames accepted so far.
func (w *Writer) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Failures returns the number of failed frame writes.
func (w *Writer) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

// Close flushes and finalizes the file. Always releases the encoder,
// even when it exited with an error.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		if msg := w.stderr.String(); msg != "" {
			return fmt.Errorf("capture: encoder: %s", firstLine(msg))
		}
		return fmt.Errorf("capture: encoder: %w", err)
	}
	return nil
}

// FileSize returns the current on-disk size of the output, zero when
// the file does not exist yet.
func (w *Writer) FileSize() int64 {
	info, err := os.Stat(w.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// EnsureDir creates the directory a recording file will live in.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
