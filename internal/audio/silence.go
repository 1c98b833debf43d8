package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	wavFormatPCM = 1
	readFrames   = 4096
)

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// IsSilent applies the gate: RMS at or below the threshold and peak no more
// than 6 dB above it.
func (m SilenceMetrics) IsSilent(thresholdDBFS float64) bool {
	if m.Samples == 0 {
		return true
	}
	if math.IsInf(m.RMSdBFS, -1) && math.IsInf(m.PeakdBFS, -1) {
		return true
	}
	peakGate := thresholdDBFS + 6
	return m.RMSdBFS <= thresholdDBFS && m.PeakdBFS <= peakGate
}

// WAVInfo describes a decoded linear PCM file. Frames counts samples per
// channel.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int64
	Duration   time.Duration
	Levels     SilenceMetrics
}

// AnalyzeWAV decodes the whole PCM payload once, reporting its format and
// signal levels.
func AnalyzeWAV(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		if dec.Err() != nil {
			return WAVInfo{}, fmt.Errorf("%w: %v", ErrInvalidWAV, dec.Err())
		}
		return WAVInfo{}, ErrInvalidWAV
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return WAVInfo{}, fmt.Errorf("%w: audio format %d", ErrUnsupportedWAV, dec.WavAudioFormat)
	}

	info := WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	meter, err := newLevelMeter(info.BitDepth)
	if err != nil {
		return WAVInfo{}, err
	}

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: info.Channels, SampleRate: info.SampleRate},
		Data:   make([]int, readFrames*max(info.Channels, 1)),
	}
	for {
		n, err := dec.PCMBuffer(buf)
		if n > 0 {
			meter.add(buf.Data[:n])
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return WAVInfo{}, fmt.Errorf("%w: read pcm: %v", ErrInvalidWAV, err)
		}
		if n == 0 || err != nil {
			break
		}
	}

	info.Levels = meter.metrics()
	if info.Channels > 0 {
		info.Frames = info.Levels.Samples / int64(info.Channels)
	}
	if info.SampleRate > 0 {
		info.Duration = time.Duration(info.Frames) * time.Second / time.Duration(info.SampleRate)
	}
	return info, nil
}

type levelMeter struct {
	bitDepth   int
	fullScale  float64
	peak       float64
	sumSquares float64
	samples    int64
}

func newLevelMeter(bitDepth int) (*levelMeter, error) {
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit pcm", ErrUnsupportedWAV, bitDepth)
	}
	return &levelMeter{bitDepth: bitDepth, fullScale: math.Ldexp(1, bitDepth-1)}, nil
}

func (m *levelMeter) add(samples []int) {
	for _, raw := range samples {
		v := float64(raw)
		// 8-bit PCM is unsigned and centred on 128.
		if m.bitDepth == 8 {
			v -= 128
		}
		v /= m.fullScale

		if abs := math.Abs(v); abs > m.peak {
			m.peak = abs
		}
		m.sumSquares += v * v
		m.samples++
	}
}

func (m *levelMeter) metrics() SilenceMetrics {
	if m.samples == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}
	rms := math.Sqrt(m.sumSquares / float64(m.samples))
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(m.peak),
		Samples:  m.samples,
	}
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
