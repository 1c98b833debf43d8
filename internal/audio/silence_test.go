package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeWAVDetectsSilence(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, "silent.wav", make([]int, 16000), 16000, 1, 16)

	info, err := AnalyzeWAV(path)
	require.NoError(t, err)
	metrics := info.Levels
	require.True(t, metrics.IsSilent(-65))
	require.True(t, math.IsInf(metrics.RMSdBFS, -1))
	require.True(t, math.IsInf(metrics.PeakdBFS, -1))
	require.EqualValues(t, 16000, metrics.Samples)
}

func TestAnalyzeWAVDetectsSpeechLikeSignal(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, "voice.wav", sine(16000, 0.25), 16000, 1, 16)

	info, err := AnalyzeWAV(path)
	require.NoError(t, err)
	metrics := info.Levels
	require.False(t, metrics.IsSilent(-65))
	require.Greater(t, metrics.PeakdBFS, -20.0)
	require.Greater(t, metrics.RMSdBFS, -20.0)
}

func TestAnalyzeWAVInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "not-wav.wav")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := AnalyzeWAV(path)
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestAnalyzeWAVReportsFormatAndDuration(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, "stereo.wav", sine(2*8000, 0.5), 8000, 2, 16)

	info, err := AnalyzeWAV(path)
	require.NoError(t, err)
	require.Equal(t, 8000, info.SampleRate)
	require.Equal(t, 2, info.Channels)
	require.Equal(t, 16, info.BitDepth)
	require.EqualValues(t, 8000, info.Frames)
	require.Equal(t, time.Second, info.Duration)
}

func TestSilenceMetricsGate(t *testing.T) {
	t.Parallel()

	quiet := SilenceMetrics{RMSdBFS: -70, PeakdBFS: -62, Samples: 10}
	require.True(t, quiet.IsSilent(-65))

	clicky := SilenceMetrics{RMSdBFS: -70, PeakdBFS: -40, Samples: 10}
	require.False(t, clicky.IsSilent(-65))

	require.True(t, SilenceMetrics{}.IsSilent(-65))
}

func sine(n int, amplitude float64) []int {
	samples := make([]int, n)
	for i := range samples {
		samples[i] = int(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000.0))
	}
	return samples
}

func writeWAV(t *testing.T, name string, samples []int, sampleRate, channels, bitDepth int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, bitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	return path
}
