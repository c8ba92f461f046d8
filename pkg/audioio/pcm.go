package audioio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
)

// ErrInvalidClip is returned by DecodeClip and DecodeMedia for audio they
// cannot interpret.
var ErrInvalidClip = errors.New("audioio: invalid audio clip")

const wavHeaderSize = 44

// RMS returns the root-mean-square level of PCM16 samples normalized to 0.0..1.0.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Resample converts mono audio between sample rates using linear interpolation.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]int16, n)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + frac*(b-a))
	}
	return out
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// DownmixMono averages interleaved channels into a single channel.
func DownmixMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(samples[i*channels+ch])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// EncodeWAV wraps PCM16 samples in a canonical 44-byte WAV header.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// DecodeClip interprets a synthesized clip. RIFF/WAVE data is parsed from its
// header; anything else is treated as raw mono PCM16 at rawRate.
func DecodeClip(data []byte, rawRate int) (AudioChunk, error) {
	if len(data) == 0 {
		return AudioChunk{}, fmt.Errorf("%w: empty", ErrInvalidClip)
	}
	if !isRIFF(data) {
		if len(data)%2 != 0 {
			return AudioChunk{}, fmt.Errorf("%w: odd length raw pcm", ErrInvalidClip)
		}
		return AudioChunk{Samples: BytesToSamples(data), SampleRate: rawRate, Channels: 1}, nil
	}
	return decodeWAV(data)
}

// DecodeMedia decodes a clip labeled with a MIME content type. WAV types
// must carry a RIFF header, audio/pcm and audio/L16 are headerless PCM16
// (an L16 "rate" parameter overrides rawRate), and an empty or
// application/octet-stream type is sniffed by DecodeClip. Compressed or
// unknown types fail with ErrInvalidClip.
func DecodeMedia(data []byte, contentType string, rawRate int) (AudioChunk, error) {
	if contentType == "" {
		return DecodeClip(data, rawRate)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return AudioChunk{}, fmt.Errorf("%w: content type %q: %v", ErrInvalidClip, contentType, err)
	}

	switch mediaType {
	case "application/octet-stream":
		return DecodeClip(data, rawRate)
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		if !isRIFF(data) {
			return AudioChunk{}, fmt.Errorf("%w: %s without RIFF header", ErrInvalidClip, mediaType)
		}
		return decodeWAV(data)
	case "audio/pcm", "audio/l16":
		if isRIFF(data) {
			return decodeWAV(data)
		}
		if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
			rawRate = r
		}
		return DecodeClip(data, rawRate)
	default:
		return AudioChunk{}, fmt.Errorf("%w: unsupported content type %q", ErrInvalidClip, mediaType)
	}
}

func isRIFF(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func decodeWAV(data []byte) (AudioChunk, error) {
	var (
		chunk   AudioChunk
		haveFmt bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		body := off + 8
		end := len(data)
		// Streamed WAVs carry a placeholder data size; oversized chunks run to
		// the end of the buffer.
		if uint64(size) <= uint64(len(data)-body) {
			end = body + int(size)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return AudioChunk{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidClip)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if format != 1 || bits != 16 {
				return AudioChunk{}, fmt.Errorf("%w: unsupported format %d/%d-bit", ErrInvalidClip, format, bits)
			}
			chunk.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			chunk.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return AudioChunk{}, fmt.Errorf("%w: data before fmt", ErrInvalidClip)
			}
			chunk.Samples = BytesToSamples(data[body:end])
			return chunk, nil
		}

		off = end + int(size&1)
	}
	return AudioChunk{}, fmt.Errorf("%w: no data chunk", ErrInvalidClip)
}
