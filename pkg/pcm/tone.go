package pcm

import "math"

// Tone generates a continuous sine wave as interleaved int16 frames.
// Successive calls continue the phase, so concatenated frames form a clean
// signal. Not safe for concurrent use.
type Tone struct {
	freq     float64
	rate     int
	channels int
	amp      float64
	phase    float64
}

// NewTone creates a sine source with amplitude fixed at 20% full scale.
func NewTone(freqHz float64, sampleRate, channels int) *Tone {
	return &Tone{
		freq:     freqHz,
		rate:     sampleRate,
		channels: channels,
		amp:      0.2 * math.MaxInt16,
	}
}

// Frame returns the next framesPerChannel frames, interleaved.
func (t *Tone) Frame(framesPerChannel int) []int16 {
	out := make([]int16, framesPerChannel*t.channels)
	t.FrameInto(out, framesPerChannel)
	return out
}

// FrameInto fills dst with the next framesPerChannel frames, interleaved.
// dst must hold at least framesPerChannel*channels samples.
func (t *Tone) FrameInto(dst []int16, framesPerChannel int) {
	step := 2 * math.Pi * t.freq / float64(t.rate)
	for i := 0; i < framesPerChannel; i++ {
		s := int16(t.amp * math.Sin(t.phase))
		for c := 0; c < t.channels; c++ {
			dst[i*t.channels+c] = s
		}
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
}
