package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

// SilenceMetrics summarizes the signal level of an uploaded WAV payload.
type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// IsSilentWAV reports whether an in-memory WAV payload carries no usable
// signal. Silent uploads skip the engine entirely and complete with an
// empty transcript.
func IsSilentWAV(data []byte, thresholdDBFS float64) (bool, SilenceMetrics, error) {
	metrics, err := AnalyzeWAV(data)
	if err != nil {
		return false, SilenceMetrics{}, err
	}

	if metrics.Samples == 0 {
		return true, metrics, nil
	}

	if math.IsInf(metrics.RMSdBFS, -1) && math.IsInf(metrics.PeakdBFS, -1) {
		return true, metrics, nil
	}

	// Peaks get 6 dB of headroom over the RMS gate so a single click does
	// not defeat the gate.
	peakGate := thresholdDBFS + 6
	return metrics.RMSdBFS <= thresholdDBFS && metrics.PeakdBFS <= peakGate, metrics, nil
}

// AnalyzeWAV measures RMS and peak levels of a WAV payload.
func AnalyzeWAV(data []byte) (SilenceMetrics, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return SilenceMetrics{}, ErrInvalidWAV
	}

	var (
		audioFormat   uint16
		bitsPerSample uint16
		pcm           []byte
		hasFmt        bool
		hasData       bool
	)

	for off := 12; off+8 <= len(data); {
		chunkID := string(data[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8

		if chunkSize < 0 || body > len(data) {
			return SilenceMetrics{}, ErrInvalidWAV
		}
		end := body + chunkSize
		if end > len(data) {
			end = len(data)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || body+16 > len(data) {
				return SilenceMetrics{}, ErrInvalidWAV
			}
			audioFormat = binary.LittleEndian.Uint16(data[body : body+2])
			bitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			hasFmt = true
		case "data":
			pcm = data[body:end]
			hasData = true
		}

		off = body + chunkSize
		if chunkSize%2 != 0 {
			off++
		}
	}

	if !hasFmt || !hasData {
		return SilenceMetrics{}, ErrInvalidWAV
	}

	if err := validateFormat(audioFormat, bitsPerSample); err != nil {
		return SilenceMetrics{}, err
	}

	peak, sumSquares, samples, err := measureSamples(pcm, audioFormat, bitsPerSample)
	if err != nil {
		return SilenceMetrics{}, err
	}

	if samples == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1), Samples: 0}, nil
	}

	rms := math.Sqrt(sumSquares / float64(samples))
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  samples,
	}, nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case 1:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case 3:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

func measureSamples(data []byte, audioFormat, bitsPerSample uint16) (float64, float64, int64, error) {
	bytesPerSample := int(bitsPerSample / 8)
	if bytesPerSample <= 0 {
		return 0, 0, 0, ErrUnsupportedWAV
	}

	var peak float64
	var sumSquares float64
	var samples int64

	for i := 0; i+bytesPerSample <= len(data); i += bytesPerSample {
		value, err := decodeSample(data[i:i+bytesPerSample], audioFormat, bitsPerSample)
		if err != nil {
			return 0, 0, 0, err
		}

		abs := math.Abs(value)
		if abs > peak {
			peak = abs
		}
		sumSquares += value * value
		samples++
	}

	return peak, sumSquares, samples, nil
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == 3 {
		switch bitsPerSample {
		case 32:
			bits := binary.LittleEndian.Uint32(sample)
			return float64(math.Float32frombits(bits)), nil
		case 64:
			bits := binary.LittleEndian.Uint64(sample)
			return math.Float64frombits(bits), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		u := float64(sample[0])
		return (u - 128.0) / 128.0, nil
	case 16:
		v := int16(binary.LittleEndian.Uint16(sample))
		return float64(v) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		v := int32(binary.LittleEndian.Uint32(sample))
		return float64(v) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
