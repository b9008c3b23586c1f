package audio

import (
	"errors"
	"fmt"
	"math"
)

// SampleGain scales a raw int16 backend sample into the float range the
// resampler works in.
const SampleGain = 1.0 / 32768.0

// ErrInvalidRate is returned by [NewResampler] when either rate is not positive.
var ErrInvalidRate = errors.New("audio: sample rate must be positive")

// Resampler converts stereo frames from InputRate to OutputRate using linear
// interpolation. The rates are fixed for the lifetime of the value and no
// other state is kept between calls, so single-frame and batch deliveries of
// equal input produce identical output.
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64 // outputRate / inputRate
}

// NewResampler returns a [Resampler] for the given rates in Hz.
func NewResampler(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("%w: input=%d output=%d", ErrInvalidRate, inputRate, outputRate)
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(outputRate) / float64(inputRate),
	}, nil
}

// InputRate returns the backend-side sample rate in Hz.
func (r *Resampler) InputRate() int { return r.inputRate }

// OutputRate returns the host-side sample rate in Hz.
func (r *Resampler) OutputRate() int { return r.outputRate }

// OutputLen returns floor(n * OutputRate / InputRate), the number of frames
// [Resampler.Convert] produces for n input frames.
func (r *Resampler) OutputLen(n int) int {
	if n <= 0 {
		return 0
	}
	return int(int64(n) * int64(r.outputRate) / int64(r.inputRate))
}

// Convert appends the resampled form of src to dst and returns the extended
// slice. Output frame i maps to input position i/ratio; the two neighbouring
// input frames (floor and ceil of that position, clamped to the input) are
// blended by the fractional part of the position.
//
// Convert allocates only when dst lacks capacity for the output.
func (r *Resampler) Convert(dst, src []Frame) []Frame {
	n := len(src)
	outLen := r.OutputLen(n)
	if outLen == 0 {
		return dst
	}
	last := n - 1

	for i := range outLen {
		pos := float64(i) / r.ratio
		base := math.Floor(pos)
		lo := clampIndex(int(base), last)
		hi := clampIndex(int(math.Ceil(pos)), last)
		t := float32(pos - base)

		a, b := src[lo], src[hi]
		dst = append(dst, Frame{
			Left:  lerp(a.Left, b.Left, t),
			Right: lerp(a.Right, b.Right, t),
		})
	}
	return dst
}

// Normalize appends the interleaved int16 stereo samples in pcm to dst as
// gain-normalised frames. A trailing unpaired sample is ignored.
func Normalize(dst []Frame, pcm []int16) []Frame {
	for i := 0; i+1 < len(pcm); i += 2 {
		dst = append(dst, NormalizePair(pcm[i], pcm[i+1]))
	}
	return dst
}

// NormalizePair converts one raw left/right sample pair into a [Frame].
func NormalizePair(left, right int16) Frame {
	return Frame{
		Left:  float32(left) * SampleGain,
		Right: float32(right) * SampleGain,
	}
}

// lerp blends a towards b by t. A zero t returns a exactly.
func lerp(a, b, t float32) float32 {
	return a + (b-a)*t
}

func clampIndex(i, last int) int {
	if i < 0 {
		return 0
	}
	if i > last {
		return last
	}
	return i
}

// FormatString returns a human-readable form of a format, e.g. "48000Hz stereo".
func FormatString(f Format) string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
