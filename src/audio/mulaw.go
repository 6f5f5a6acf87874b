// Package audio provides the mu-law telephony codec and the voice activity
// thresholds the stream gateway depends on. Telephony providers deliver
// 8-bit mu-law at 8kHz; all loudness analysis happens on decoded linear PCM.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps every mu-law byte to its linear PCM sample. Built
// from the standard inversion formula (sign bit, 3-bit exponent, 4-bit
// mantissa, bias 0x84) so decode is a single lookup per byte.
var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int32(mantissa) << 3) + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		mulawDecodeTable[i] = int16(sample)
	}
}

// DecodeMulaw expands 8-bit mu-law bytes to 16-bit linear PCM samples.
func DecodeMulaw(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, b := range mulaw {
		pcm[i] = mulawDecodeTable[b]
	}
	return pcm
}

// EncodeMulaw compresses 16-bit linear PCM samples to 8-bit mu-law bytes.
func EncodeMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, s := range pcm {
		mulaw[i] = mulawEncode(s)
	}
	return mulaw
}

func mulawEncode(pcm int16) byte {
	// Widen before negating: -int16(-32768) overflows.
	sample := int(pcm)
	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}

	if sample > mulawClip {
		sample = mulawClip
	}
	biased := sample + mulawBias

	var exponent uint
	for exponent = 7; exponent > 0; exponent-- {
		if biased >= 1<<(exponent+7) {
			break
		}
	}
	mantissa := uint8(biased>>(exponent+3)) & 0x0F

	return ^(sign | uint8(exponent<<4) | mantissa)
}

// AverageAmplitude returns the mean absolute value of the samples. This is
// the sole loudness signal used for endpointing and barge-in detection.
// Empty input yields 0.
func AverageAmplitude(samples []int16) float64 {
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

// ChunkAmplitude decodes a raw mu-law chunk and scores its loudness.
func ChunkAmplitude(mulaw []byte) float64 {
	return AverageAmplitude(DecodeMulaw(mulaw))
}
