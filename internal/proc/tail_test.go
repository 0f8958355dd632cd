package proc

import "testing"

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := NewTailBuffer(8)
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab\n"))
	if got := tb.String(); got != "56789ab" {
		t.Fatalf("String() = %q, want %q", got, "56789ab")
	}
}

func TestTailBufferUnderLimit(t *testing.T) {
	tb := NewTailBuffer(64)
	_, _ = tb.Write([]byte("  ffmpeg: invalid data\n"))
	if got := tb.String(); got != "ffmpeg: invalid data" {
		t.Fatalf("String() = %q, want %q", got, "ffmpeg: invalid data")
	}
}
