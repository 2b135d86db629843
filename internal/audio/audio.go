// Package audio turns uploaded clips into mono float samples at the rate
// the transcriber expects.
package audio

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// TargetSampleRate is the rate every decoder produces
const TargetSampleRate = 16000

var (
	// ErrUnreadable is returned when a clip cannot be decoded
	ErrUnreadable = errors.New("audio unreadable")
	// ErrEmpty is returned when a clip decodes to no samples
	ErrEmpty = errors.New("audio contains no samples")
	// ErrFFmpegMissing is returned when a non-WAV clip arrives and ffmpeg is
	// not installed
	ErrFFmpegMissing = errors.New("ffmpeg not found in PATH")
)

// Decoded is a mono clip with samples in [-1, 1]
type Decoded struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
}

// Truncate returns the clip cut to at most limit. A zero limit is a no-op.
func (d Decoded) Truncate(limit time.Duration) Decoded {
	if limit <= 0 || d.Duration <= limit || d.SampleRate <= 0 {
		return d
	}
	n := int(limit.Seconds() * float64(d.SampleRate))
	if n > len(d.Samples) {
		return d
	}
	return Decoded{
		Samples:    d.Samples[:n],
		SampleRate: d.SampleRate,
		Duration:   durationOf(n, d.SampleRate),
	}
}

// Decoder converts raw file bytes into samples
type Decoder interface {
	Decode(ctx context.Context, data []byte) (Decoded, error)
}

// Facts are what can be learned about a clip without decoding it.
// Duration is zero when the container does not say.
type Facts struct {
	SizeBytes int64
	Duration  time.Duration
	Format    string
}

// IsWAV reports whether data starts with a RIFF/WAVE header
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// AutoDecoder decodes WAV in process and everything else through ffmpeg
type AutoDecoder struct {
	WAV    *WAVDecoder
	FFmpeg *FFmpegDecoder
}

// NewAutoDecoder creates a decoder for any format ffmpeg understands
func NewAutoDecoder() *AutoDecoder {
	wav := &WAVDecoder{}
	return &AutoDecoder{WAV: wav, FFmpeg: NewFFmpegDecoder(wav)}
}

// Decode dispatches on the container magic
func (a *AutoDecoder) Decode(ctx context.Context, data []byte) (Decoded, error) {
	if IsWAV(data) {
		d, err := a.WAV.Decode(ctx, data)
		if err == nil {
			return d, nil
		}
		// compressed WAV payloads are left to ffmpeg
		if a.FFmpeg == nil {
			return Decoded{}, err
		}
	}
	if a.FFmpeg == nil {
		return Decoded{}, ErrUnreadable
	}
	return a.FFmpeg.Decode(ctx, data)
}

func durationOf(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(rate) * float64(time.Second))
}
