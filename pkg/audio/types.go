// Package audio holds the sample-rate conversion and buffering pieces that sit
// between an emulation backend and the host audio device.
//
// The three primary pieces are:
//
//   - [Resampler]: converts a batch of stereo frames from the backend's
//     rate to the host output rate by linear interpolation.
//   - [Ring]: a fixed-capacity single-producer/single-consumer queue that
//     decouples the backend's timeline from the device's.
//   - [Consumer]: the real-time pull end of a [Ring]. It never blocks and
//     never allocates; empty slots are filled with silence.
//
// This package lives under pkg/ because host integrations outside this module
// are expected to drive a [Consumer] from their own audio callback.
package audio

// Frame is one stereo sample pair, gain-normalised to roughly [-1, 1].
type Frame struct {
	Left  float32
	Right float32
}

// Silence is the zero frame written into output slots the ring cannot fill.
var Silence = Frame{}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
