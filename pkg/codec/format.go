package codec

import "slices"

var (
	validSampleRates = []int{44100, 48000, 88200, 96000}
	validBitDepths   = []int{16, 24, 32}
	validChannels    = []int{1, 2}
)

// Format is a PCM stream format reported by the transport.
type Format struct {
	SampleRate int `json:"sample_rate"`
	BitDepth   int `json:"bit_depth"`
	Channels   int `json:"channels"`
}

// IsValid reports whether f is a format an A2DP source can stream.
func (f Format) IsValid() bool {
	return IsValidFormat(f.SampleRate, f.BitDepth, f.Channels)
}

// IsValidFormat reports whether the sample rate, bit depth and channel count
// describe a supported PCM format.
func IsValidFormat(sampleRate, bitDepth, channels int) bool {
	return slices.Contains(validSampleRates, sampleRate) &&
		slices.Contains(validBitDepths, bitDepth) &&
		slices.Contains(validChannels, channels)
}
