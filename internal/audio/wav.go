package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// PCM is a recording in the canonical format: 16-bit signed little-endian
// linear PCM inside a WAV container, as written by the transcoder.
type PCM struct {
	// Path is the on-disk artifact handed to file-based engines.
	Path string
	// Data is the full WAV file.
	Data []byte
	// Format describes the decoded stream.
	Format WAVFormat
	// SampleBytes is the size of the data chunk.
	SampleBytes int
}

// Duration of the sample data.
func (p PCM) Duration() time.Duration {
	return p.Format.Duration(p.SampleBytes)
}

// WAVFormat is the subset of the fmt chunk this service cares about.
type WAVFormat struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
}

func (f WAVFormat) Duration(dataBytes int) time.Duration {
	frame := f.Channels * f.BitsPerSample / 8
	if frame <= 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := dataBytes / frame
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// DecodeWAV parses a PCM16 WAV file and returns the raw sample bytes and the
// stream format. It walks RIFF chunks so that LIST/INFO chunks emitted by
// ffmpeg are skipped.
func DecodeWAV(data []byte) ([]byte, WAVFormat, error) {
	if len(data) < 12 {
		return nil, WAVFormat{}, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, WAVFormat{}, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt  bool
		haveData bool
		format   WAVFormat
		pcmData  []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			// ffmpeg writing to a non-seekable output leaves the data size
			// unset; accept the remainder of the file in that case.
			if id == "data" {
				size = len(data) - off
			} else {
				return nil, WAVFormat{}, fmt.Errorf("invalid wav chunk size")
			}
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, WAVFormat{}, fmt.Errorf("invalid wav fmt chunk")
			}
			format.AudioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			format.Channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			format.BitsPerSample = int(binary.LittleEndian.Uint16(chunk[14:16]))
			haveFmt = true
		case "data":
			pcmData = chunk
			haveData = true
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, WAVFormat{}, fmt.Errorf("wav fmt chunk missing")
	}
	if !haveData {
		return nil, WAVFormat{}, fmt.Errorf("wav data chunk missing")
	}
	if format.AudioFormat != 1 {
		return nil, WAVFormat{}, fmt.Errorf("unsupported wav audio format %d", format.AudioFormat)
	}
	if format.BitsPerSample != 16 {
		return nil, WAVFormat{}, fmt.Errorf("unsupported wav bits_per_sample %d", format.BitsPerSample)
	}
	if format.Channels == 0 {
		return nil, WAVFormat{}, fmt.Errorf("invalid wav channels=0")
	}
	if format.SampleRate <= 0 {
		return nil, WAVFormat{}, fmt.Errorf("invalid wav sample rate %d", format.SampleRate)
	}
	return pcmData, format, nil
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVPCM16LETo(f, pcm, sampleRate)
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 44100
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVEfmt "); err != nil {
		return err
	}
	fmtChunk := []any{
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
	}
	for _, v := range fmtChunk {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
