package audio

import (
	"encoding/binary"
	"os"
)

const wavHeaderSize = 44

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio as a canonical WAV
// file. Session recordings produce one file per session on close.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	out := make([]byte, 0, wavHeaderSize+len(pcm))
	out = append(out, pcmWAVHeader(uint32(len(pcm)), uint32(sampleRate))...)
	out = append(out, pcm...)
	return os.WriteFile(path, out, 0o644)
}

// pcmWAVHeader builds the RIFF/fmt/data preamble for mono 16-bit PCM.
func pcmWAVHeader(dataSize, sampleRate uint32) []byte {
	const (
		channels       = 1
		bitsPerSample  = 16
		bytesPerSample = bitsPerSample / 8
	)
	le := binary.LittleEndian
	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	le.PutUint32(h[4:8], 36+dataSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	le.PutUint32(h[16:20], 16) // fmt chunk payload size
	le.PutUint16(h[20:22], 1)  // PCM
	le.PutUint16(h[22:24], channels)
	le.PutUint32(h[24:28], sampleRate)
	le.PutUint32(h[28:32], sampleRate*channels*bytesPerSample)
	le.PutUint16(h[32:34], channels*bytesPerSample)
	le.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	le.PutUint32(h[40:44], dataSize)
	return h
}
