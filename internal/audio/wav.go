package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	wavFormatPCM   = 1
	wavFormatMulaw = 7
)

var ErrInvalidWAV = errors.New("invalid wav")

type wavHeader struct {
	Riff          [4]byte
	Size          uint32
	Wave          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps mono PCM16LE bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	_ = WriteWAV(&buf, pcm, sampleRate)
	return buf.Bytes()
}

// WriteWAVFile writes mono PCM16LE bytes to path as a WAV file.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultAgentRate
	}
	h := wavHeader{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		Size:          36 + uint32(len(pcm)),
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		Format:        wavFormatPCM,
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// DecodeWAV reads a PCM16 or 8-bit µ-law WAV and returns mono PCM16LE and
// its sample rate. Multi-channel input is averaged down to mono.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		haveFmt    bool
		format     uint16
		channels   int
		sampleRate int
		bits       uint16
		payload    []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("%w: chunk %q overruns file", ErrInvalidWAV, id)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			payload = chunk
		}
		off += size + size%2
	}

	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("%w: fmt chunk missing", ErrInvalidWAV)
	case len(payload) == 0:
		return nil, 0, fmt.Errorf("%w: data chunk missing", ErrInvalidWAV)
	case channels <= 0:
		return nil, 0, fmt.Errorf("%w: channels=%d", ErrInvalidWAV, channels)
	case sampleRate <= 0:
		return nil, 0, fmt.Errorf("%w: sample rate %d", ErrInvalidWAV, sampleRate)
	}

	var samples []int16
	switch {
	case format == wavFormatPCM && bits == 16:
		samples = BytesToSamples(payload)
	case format == wavFormatMulaw && bits == 8:
		samples = DecodeMulawBytes(payload)
	default:
		return nil, 0, fmt.Errorf("%w: unsupported format %d/%d-bit", ErrInvalidWAV, format, bits)
	}
	return SamplesToBytes(downmix(samples, channels)), sampleRate, nil
}

func downmix(samples []int16, channels int) []int16 {
	if channels == 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := range mono {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += int(samples[i*channels+ch])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}
