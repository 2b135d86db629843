package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVDecoder decodes uncompressed PCM WAV
type WAVDecoder struct{}

// Decode reads every frame, mixes channels down to mono, scales to [-1, 1]
// and resamples to TargetSampleRate
func (WAVDecoder) Decode(ctx context.Context, data []byte) (Decoded, error) {
	if err := ctx.Err(); err != nil {
		return Decoded{}, err
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Decoded{}, fmt.Errorf("%w: not a PCM WAV file", ErrUnreadable)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return Decoded{}, ErrEmpty
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return Decoded{}, fmt.Errorf("%w: unsupported bit depth %d", ErrUnreadable, bitDepth)
	}

	mono := mixDown(buf.Data, channels, bitDepth)
	if len(mono) == 0 {
		return Decoded{}, ErrEmpty
	}

	rate := buf.Format.SampleRate
	samples := Resample(mono, rate, TargetSampleRate)
	return Decoded{
		Samples:    samples,
		SampleRate: TargetSampleRate,
		Duration:   durationOf(len(mono), rate),
	}, nil
}

// mixDown averages interleaved channels and scales integer PCM to [-1, 1]
func mixDown(data []int, channels, bitDepth int) []float32 {
	scale := float64(int64(1) << (uint(bitDepth) - 1))
	frames := len(data) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		sum := 0.0
		for c := 0; c < channels; c++ {
			sum += float64(data[f*channels+c])
		}
		v := sum / float64(channels) / scale
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[f] = float32(v)
	}
	return out
}

// Resample converts samples from one rate to another by linear
// interpolation
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// Inspect reports the size of a clip and, for WAV, its duration from the
// header without decoding any samples
func Inspect(data []byte) Facts {
	facts := Facts{SizeBytes: int64(len(data)), Format: "unknown"}
	if !IsWAV(data) {
		return facts
	}
	facts.Format = "wav"
	dec := wav.NewDecoder(bytes.NewReader(data))
	if d, err := dec.Duration(); err == nil {
		facts.Duration = d
	}
	return facts
}

// EncodeWAV writes samples as 16-bit mono PCM
func EncodeWAV(w io.WriteSeeker, samples []float32, rate int) error {
	enc := wav.NewEncoder(w, rate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * 32767)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	return enc.Close()
}
