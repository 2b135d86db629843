package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultFFmpegTimeout bounds one conversion when the caller sets no deadline
const DefaultFFmpegTimeout = 60 * time.Second

// FFmpegDecoder converts any container ffmpeg understands into 16 kHz mono
// PCM WAV and decodes the result
type FFmpegDecoder struct {
	Binary  string
	Timeout time.Duration
	wav     *WAVDecoder
}

// NewFFmpegDecoder creates a decoder using the ffmpeg found in PATH
func NewFFmpegDecoder(wav *WAVDecoder) *FFmpegDecoder {
	if wav == nil {
		wav = &WAVDecoder{}
	}
	return &FFmpegDecoder{Binary: "ffmpeg", Timeout: DefaultFFmpegTimeout, wav: wav}
}

// Decode writes data to a temporary file, converts it and decodes the WAV
func (f *FFmpegDecoder) Decode(ctx context.Context, data []byte) (Decoded, error) {
	bin, err := exec.LookPath(f.Binary)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %w", ErrUnreadable, ErrFFmpegMissing)
	}

	if _, ok := ctx.Deadline(); !ok && f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "lyricmatch-audio-*")
	if err != nil {
		return Decoded{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	input := filepath.Join(dir, "input")
	output := filepath.Join(dir, "output.wav")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return Decoded{}, fmt.Errorf("write temp input: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-y",
		"-v", "error",
		"-i", input,
		"-ac", "1",
		"-ar", strconv.Itoa(TargetSampleRate),
		"-c:a", "pcm_s16le",
		output,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return Decoded{}, ctx.Err()
		}
		return Decoded{}, fmt.Errorf("%w: ffmpeg: %v (%s)", ErrUnreadable, err, trimOutput(out))
	}

	converted, err := os.ReadFile(output)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: read converted audio: %v", ErrUnreadable, err)
	}
	d, err := f.wav.Decode(ctx, converted)
	if err != nil && !errors.Is(err, ErrUnreadable) && !errors.Is(err, ErrEmpty) {
		return Decoded{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return d, err
}

func trimOutput(out []byte) string {
	const limit = 512
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return string(out)
}
