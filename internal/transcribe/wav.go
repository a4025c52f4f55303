package transcribe

import (
	"encoding/binary"
	"fmt"
	"os"
)

// The whisper model consumes 16 kHz mono 16-bit PCM; the preprocessor
// produces exactly that container.
const (
	wavSampleRate    = 16000
	wavChannels      = 1
	wavBitsPerSample = 16
)

// ReadWAVSamples loads a 16 kHz mono 16-bit PCM WAV file and converts it
// to the normalized float32 samples the model expects.
func ReadWAVSamples(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("audio file is empty: %s", path)
	}

	pcm, err := pcmChunk(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bytesToFloat32(pcm)
}

// pcmChunk walks the RIFF chunks, validates the format, and returns the
// raw sample data.
func pcmChunk(data []byte) ([]byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}

	var fmtSeen bool
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			return nil, fmt.Errorf("truncated %q chunk", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("malformed fmt chunk")
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			channels := binary.LittleEndian.Uint16(data[body+2 : body+4])
			sampleRate := binary.LittleEndian.Uint32(data[body+4 : body+8])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if audioFormat != 1 {
				return nil, fmt.Errorf("unsupported audio format %d, want PCM", audioFormat)
			}
			if channels != wavChannels || sampleRate != wavSampleRate || bits != wavBitsPerSample {
				return nil, fmt.Errorf("unsupported layout: %d ch %d Hz %d bit, want %d ch %d Hz %d bit",
					channels, sampleRate, bits, wavChannels, wavSampleRate, wavBitsPerSample)
			}
			fmtSeen = true
		case "data":
			if !fmtSeen {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			if chunkSize == 0 {
				return nil, fmt.Errorf("data chunk is empty")
			}
			return data[body : body+chunkSize], nil
		}

		// Chunks are word-aligned.
		offset = body + chunkSize + chunkSize%2
	}

	return nil, fmt.Errorf("no data chunk found")
}

func bytesToFloat32(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("data length must be even for 16-bit audio")
	}
	floats := make([]float32, len(data)/2)
	for i := range floats {
		sample := int16(data[i*2]) | int16(data[i*2+1])<<8
		floats[i] = float32(sample) / 32768.0
	}
	return floats, nil
}
