package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MIMEWAV is the container produced by the capture service.
	MIMEWAV = "audio/wav"
	// MIMEMP3 is what the backend synthesizes.
	MIMEMP3 = "audio/mp3"

	// WAVHeaderSize is the length of the canonical 44-byte PCM header.
	WAVHeaderSize = 44
)

var errShortWAV = errors.New("wav: data shorter than header")

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// WAVSampleRate reads the sample rate from a WAV header.
func WAVSampleRate(wav []byte) (int, error) {
	if len(wav) < WAVHeaderSize {
		return 0, errShortWAV
	}
	var h wavHeader
	if err := binary.Read(bytes.NewReader(wav[:WAVHeaderSize]), binary.LittleEndian, &h); err != nil {
		return 0, err
	}
	return int(h.SampleRate), nil
}

// DataURI embeds audio as a base64 data URI suitable for browser playback.
func DataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = MIMEMP3
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
