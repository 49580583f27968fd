package audio

import (
	"encoding/base64"
	"math"
	"testing"

	"github.com/zaf/g711"
)

func TestFloat32ToPCM16_ClampsAndScales(t *testing.T) {
	in := []float32{-2, -1, -0.5, 0, 0.5, 1, 2}
	out := Float32ToPCM16(in)
	want := []int16{-32768, -32768, -16384, 0, 16383, 32767, 32767}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d: got %d want %d", i, out[i], want[i])
		}
	}
}

func TestEncodeDecodeChunk_RoundTrip(t *testing.T) {
	// A full period of a sine plus the extremes.
	samples := make([]int16, 256)
	for i := range samples {
		samples[i] = int16(12000 * math.Sin(2*math.Pi*float64(i)/64))
	}
	samples[0] = -32768
	samples[1] = 32767

	got, err := DecodeChunk(EncodeChunk(samples), FormatPCM16)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(samples))
	}
	for i := range samples {
		diff := int(got[i]) - int(samples[i])
		if diff < -1 || diff > 1 {
			t.Fatalf("sample %d: got %d want %d (beyond 1-unit quantization)", i, got[i], samples[i])
		}
	}
}

func TestDecodeChunk_ULaw(t *testing.T) {
	samples := []int16{0, 1000, -1000, 8000, -8000, 32000, -32000}
	ulaw := g711.EncodeUlaw(MarshalPCM16(samples))

	got, err := DecodeChunk(base64.StdEncoding.EncodeToString(ulaw), FormatULaw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(samples))
	}
	for i, want := range samples {
		diff := int(got[i]) - int(want)
		if diff < 0 {
			diff = -diff
		}
		// mu-law is logarithmic: the quantization error grows with amplitude.
		tol := int(want)
		if tol < 0 {
			tol = -tol
		}
		tol = tol/8 + 256
		if diff > tol {
			t.Fatalf("sample %d: got %d want %d (diff %d > tol %d)", i, got[i], want, diff, tol)
		}
	}
}

func TestDecodeChunk_RejectsBadBase64(t *testing.T) {
	if _, err := DecodeChunk("not base64!!", FormatPCM16); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}

func TestMeanAbs(t *testing.T) {
	if got := MeanAbs(nil); got != 0 {
		t.Fatalf("empty frame: got %v want 0", got)
	}
	if got := MeanAbs([]int16{-100, 100, -100, 100}); got != 100 {
		t.Fatalf("got %v want 100", got)
	}
}
