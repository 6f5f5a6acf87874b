package audio

import (
	"bytes"
	"encoding/binary"
	"io"
)

// EncodeWAV wraps 16-bit mono PCM samples in a WAV container. The pipeline
// hands utterance audio to multimodal models this way.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	var buf bytes.Buffer
	writeWAVTo(&buf, pcm, sampleRate)
	return buf.Bytes()
}

func writeWAVTo(w io.Writer, pcm []int16, sampleRate int) {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 8000
	}

	dataSize := uint32(len(pcm) * 2)
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	// RIFF header.
	io.WriteString(w, "RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36)+dataSize)
	io.WriteString(w, "WAVE")

	// fmt chunk.
	io.WriteString(w, "fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(audioFormat))
	binary.Write(w, binary.LittleEndian, uint16(numChannels))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, byteRate)
	binary.Write(w, binary.LittleEndian, blockAlign)
	binary.Write(w, binary.LittleEndian, uint16(bitsPerSample))

	// data chunk.
	io.WriteString(w, "data")
	binary.Write(w, binary.LittleEndian, dataSize)
	binary.Write(w, binary.LittleEndian, pcm)
}
