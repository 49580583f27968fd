package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
)

// SampleRate is the fixed rate for all PCM in the council: 16kHz mono.
const SampleRate = 16000

// Format identifies the wire encoding of agent audio chunks.
type Format int

const (
	// FormatPCM16 is 16-bit signed little-endian PCM, the vendor default.
	FormatPCM16 Format = iota
	// FormatULaw is G.711 mu-law at 8 bits per sample (ulaw_8000 agent output).
	FormatULaw
)

// Float32ToPCM16 converts floating-point samples in [-1,1] to int16 using
// clamped linear scaling: negative samples scale by 0x8000, positive by 0x7fff.
func Float32ToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7fff)
		}
	}
	return out
}

// MarshalPCM16 packs int16 samples as little-endian bytes.
func MarshalPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(s))
	}
	return out
}

// UnmarshalPCM16 reads little-endian bytes into int16 samples. A trailing odd
// byte is dropped.
func UnmarshalPCM16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

// EncodeChunk base64-encodes a PCM16LE frame for the vendor socket.
func EncodeChunk(samples []int16) string {
	return base64.StdEncoding.EncodeToString(MarshalPCM16(samples))
}

// DecodeChunk decodes a base64 audio chunk in the given format to PCM16 samples.
func DecodeChunk(b64 string, format Format) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("audio: invalid base64 chunk: %w", err)
	}
	switch format {
	case FormatULaw:
		return UnmarshalPCM16(g711.DecodeUlaw(raw)), nil
	default:
		return UnmarshalPCM16(raw), nil
	}
}

// MeanAbs returns the mean absolute sample value of a frame, the amplitude
// proxy used for speaker detection. Empty frames report 0.
func MeanAbs(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(len(samples))
}
