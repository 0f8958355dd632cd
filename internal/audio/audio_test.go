package audio

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestFrameBufferFinalizeConcatenatesInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		b := NewFrameBuffer()
		var want []byte
		n := rng.Intn(20)
		for i := 0; i < n; i++ {
			chunk := make([]byte, rng.Intn(64))
			rng.Read(chunk)
			b.Append(chunk)
			want = append(want, chunk...)
		}
		got := b.Finalize()
		if !bytes.Equal(got, want) {
			t.Fatalf("round %d: Finalize() = %x, want %x", round, got, want)
		}
	}
}

func TestFrameBufferScenarioChunks(t *testing.T) {
	b := NewFrameBuffer()
	b.Append([]byte("RIFF..."))
	b.Append([]byte("...more..."))
	if got := string(b.Finalize()); got != "RIFF......more..." {
		t.Fatalf("Finalize() = %q", got)
	}
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
}

func TestFrameBufferEmpty(t *testing.T) {
	b := NewFrameBuffer()
	b.Append(nil)
	b.Append([]byte{})
	got := b.Finalize()
	if len(got) != 0 {
		t.Fatalf("len(Finalize()) = %d, want 0", len(got))
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}

func TestFrameBufferCopiesChunksAndFreezes(t *testing.T) {
	b := NewFrameBuffer()
	chunk := []byte{1, 2, 3}
	b.Append(chunk)
	chunk[0] = 9

	first := b.Finalize()
	b.Append([]byte{4})
	second := b.Finalize()
	if !bytes.Equal(first, []byte{1, 2, 3}) || !bytes.Equal(second, first) {
		t.Fatalf("Finalize() first=%v second=%v, want [1 2 3] twice", first, second)
	}
	if !b.Frozen() {
		t.Fatalf("Frozen() = false after Finalize")
	}
}

func TestFrameBufferReleaseKeepsCounters(t *testing.T) {
	b := NewFrameBuffer()
	b.Append([]byte("abc"))
	b.Finalize()
	b.Release()
	if len(b.Finalize()) != 0 {
		t.Fatalf("Finalize() after Release should be empty")
	}
	if b.Len() != 1 || b.Size() != 3 {
		t.Fatalf("Len()/Size() = %d/%d, want 1/3", b.Len(), b.Size())
	}
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
		0x00, 0x00,
	}
	wav, err := EncodeWAVPCM16LE(pcm, 44100)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	got, format, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if format.SampleRate != 44100 || format.Channels != 1 || format.BitsPerSample != 16 {
		t.Fatalf("format = %+v", format)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	for _, in := range [][]byte{nil, []byte("not a wav file at all"), []byte("RIFF\x00\x00\x00\x00WAVE")} {
		if _, _, err := DecodeWAV(in); err == nil {
			t.Fatalf("DecodeWAV(%q) expected error", in)
		}
	}
}

func TestPCMDuration(t *testing.T) {
	p := PCM{Format: WAVFormat{Channels: 1, SampleRate: 44100, BitsPerSample: 16}, SampleBytes: 88200}
	if got := p.Duration(); got != time.Second {
		t.Fatalf("Duration() = %v, want 1s", got)
	}
}
