package audio

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, rate int, freq float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// wavBytes encodes samples through a temp file, the way the transcriber does
func wavBytes(t *testing.T, samples []float32, rate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, EncodeWAV(f, samples, rate))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestWAVRoundTrip(t *testing.T) {
	samples := sine(TargetSampleRate, TargetSampleRate, 440)
	data := wavBytes(t, samples, TargetSampleRate)
	require.True(t, IsWAV(data))

	d, err := WAVDecoder{}.Decode(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, TargetSampleRate, d.SampleRate)
	assert.Len(t, d.Samples, len(samples))
	assert.InDelta(t, time.Second.Seconds(), d.Duration.Seconds(), 0.01)
	for i := 0; i < len(samples); i += 997 {
		assert.InDelta(t, samples[i], d.Samples[i], 0.001)
	}
}

func TestWAVDecoderResamples(t *testing.T) {
	data := wavBytes(t, sine(8000, 8000, 220), 8000)

	d, err := WAVDecoder{}.Decode(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, TargetSampleRate, d.SampleRate)
	assert.Len(t, d.Samples, 16000)
	assert.InDelta(t, 1.0, d.Duration.Seconds(), 0.01)
}

func TestWAVDecoderRejectsGarbage(t *testing.T) {
	_, err := WAVDecoder{}.Decode(context.Background(), []byte("definitely not audio"))
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestInspect(t *testing.T) {
	data := wavBytes(t, sine(TargetSampleRate*2, TargetSampleRate, 440), TargetSampleRate)

	facts := Inspect(data)
	assert.Equal(t, "wav", facts.Format)
	assert.Equal(t, int64(len(data)), facts.SizeBytes)
	assert.InDelta(t, 2.0, facts.Duration.Seconds(), 0.01)

	mp3ish := Inspect([]byte("ID3\x03\x00\x00\x00"))
	assert.Equal(t, "unknown", mp3ish.Format)
	assert.Zero(t, mp3ish.Duration)
}

func TestTruncate(t *testing.T) {
	d := Decoded{
		Samples:    make([]float32, 10*TargetSampleRate),
		SampleRate: TargetSampleRate,
		Duration:   10 * time.Second,
	}

	cut := d.Truncate(4 * time.Second)
	assert.Len(t, cut.Samples, 4*TargetSampleRate)
	assert.Equal(t, 4*time.Second, cut.Duration)

	assert.Equal(t, d, d.Truncate(0))
	assert.Equal(t, d, d.Truncate(time.Minute))
}

func TestMixDown(t *testing.T) {
	// two stereo frames of 16-bit PCM
	data := []int{16384, -16384, 32767, 32767}
	mono := mixDown(data, 2, 16)
	require.Len(t, mono, 2)
	assert.InDelta(t, 0, mono[0], 1e-6)
	assert.InDelta(t, 1, mono[1], 0.001)
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 0, -1}
	assert.Equal(t, in, Resample(in, 16000, 16000))

	up := Resample(in, 1, 2)
	require.Len(t, up, 8)
	assert.InDelta(t, 0.5, up[1], 1e-6)

	assert.Nil(t, Resample([]float32{1}, 4, 1))
}

func TestAutoDecoderWithoutFFmpeg(t *testing.T) {
	auto := &AutoDecoder{WAV: &WAVDecoder{}}

	data := wavBytes(t, sine(1600, TargetSampleRate, 440), TargetSampleRate)
	d, err := auto.Decode(context.Background(), data)
	require.NoError(t, err)
	assert.Len(t, d.Samples, 1600)

	_, err = auto.Decode(context.Background(), []byte("OggS....."))
	assert.ErrorIs(t, err, ErrUnreadable)
}
