package collector

import (
	"bytes"
	"strings"
	"testing"
)

func TestFramerNewlineDelimited(t *testing.T) {
	fr := &tcpFramer{}
	frames := fr.feed([]byte("first line\nsecond line\n"))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if string(frames[0].data) != "first line" || string(frames[1].data) != "second line" {
		t.Errorf("frames = %q, %q", frames[0].data, frames[1].data)
	}
}

func TestFramerCarriesPartialLineAcrossReads(t *testing.T) {
	fr := &tcpFramer{}
	if frames := fr.feed([]byte("<34>Oct 11 22:14:15 host app: par")); len(frames) != 0 {
		t.Fatalf("incomplete line should yield no frames, got %d", len(frames))
	}
	frames := fr.feed([]byte("tial message\n"))
	if len(frames) != 1 {
		t.Fatalf("got %d frames after completing the line, want 1", len(frames))
	}
	want := "<34>Oct 11 22:14:15 host app: partial message"
	if string(frames[0].data) != want {
		t.Errorf("frame = %q, want %q", frames[0].data, want)
	}
}

func TestFramerTruncatesOversizedPendingLine(t *testing.T) {
	fr := &tcpFramer{}

	// 64 KiB + 1 without a newline: truncated to exactly 64 KiB.
	big := bytes.Repeat([]byte{'x'}, maxPendingLine+1)
	frames := fr.feed(big)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 truncated frame", len(frames))
	}
	if len(frames[0].data) != maxPendingLine {
		t.Errorf("truncated frame length = %d, want %d", len(frames[0].data), maxPendingLine)
	}
	if !frames[0].truncated {
		t.Error("frame should be marked truncated")
	}

	// The connection continues: the tail of the oversized line is discarded,
	// and the next line comes through intact.
	frames = fr.feed([]byte("tail of the huge line\nnext normal line\n"))
	if len(frames) != 1 {
		t.Fatalf("got %d frames after discard, want 1", len(frames))
	}
	if string(frames[0].data) != "next normal line" {
		t.Errorf("frame after discard = %q", frames[0].data)
	}
}

func TestFramerOctetCounted(t *testing.T) {
	fr := &tcpFramer{}
	msg := "<34>1 2026-01-01T00:00:00Z host app - - - hello"
	frames := fr.feed([]byte("47 " + msg))
	if len(msg) != 47 {
		t.Fatalf("test setup: message length is %d", len(msg))
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if string(frames[0].data) != msg {
		t.Errorf("frame = %q, want %q", frames[0].data, msg)
	}
}

func TestFramerOctetCountedSplitAcrossReads(t *testing.T) {
	fr := &tcpFramer{}
	if frames := fr.feed([]byte("11 hel")); len(frames) != 0 {
		t.Fatalf("incomplete octet frame should wait, got %d frames", len(frames))
	}
	frames := fr.feed([]byte("lo world<34>x\n"))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if string(frames[0].data) != "hello world" {
		t.Errorf("octet frame = %q", frames[0].data)
	}
	if string(frames[1].data) != "<34>x" {
		t.Errorf("following newline frame = %q", frames[1].data)
	}
}

func TestFramerDigitPrefixedStreamWithoutNewlineStaysBounded(t *testing.T) {
	fr := &tcpFramer{}

	// A digit prefix that is not octet framing, followed by a long stream
	// that never sends a newline. The pending cap must hold here exactly as
	// it does for plain lines.
	var frames []tcpFrame
	frames = append(frames, fr.feed([]byte("1x"))...)
	chunk := bytes.Repeat([]byte{'y'}, 4096)
	for sent := 0; sent < 256*1024; sent += len(chunk) {
		frames = append(frames, fr.feed(chunk)...)
		if fr.buf.Len() > maxPendingLine+1 {
			t.Fatalf("pending buffer grew to %d bytes, cap is %d", fr.buf.Len(), maxPendingLine)
		}
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 truncated frame", len(frames))
	}
	if !frames[0].truncated || len(frames[0].data) != maxPendingLine {
		t.Errorf("frame truncated=%v len=%d, want true/%d",
			frames[0].truncated, len(frames[0].data), maxPendingLine)
	}

	// Still just discarding: a newline ends the oversized line and normal
	// framing resumes.
	frames = fr.feed([]byte("tail\nnext normal line\n"))
	if len(frames) != 1 {
		t.Fatalf("got %d frames after newline, want 1", len(frames))
	}
	if string(frames[0].data) != "next normal line" {
		t.Errorf("resumed frame = %q", frames[0].data)
	}
}

func TestFramerOversizedOctetCountFallsBackBounded(t *testing.T) {
	fr := &tcpFramer{}
	// Declared count far past the pending cap; the digits are treated as
	// line content and the cap still applies.
	if frames := fr.feed([]byte("99999999 ")); len(frames) != 0 {
		t.Fatalf("oversized count should yield no frames yet, got %d", len(frames))
	}
	frames := fr.feed(bytes.Repeat([]byte{'z'}, maxPendingLine+16))
	if len(frames) != 1 || !frames[0].truncated {
		t.Fatalf("got %d frames (truncated=%v), want 1 truncated",
			len(frames), len(frames) == 1 && frames[0].truncated)
	}
	if fr.buf.Len() != 0 {
		t.Errorf("buffer should be drained after truncation, has %d bytes", fr.buf.Len())
	}
}

func TestFramerDigitPrefixedLineFallsBackToNewline(t *testing.T) {
	fr := &tcpFramer{}
	// Starts with digits but no space-count framing: "2026-01-01 something".
	// The '-' breaks octet parsing and the whole line is one frame.
	frames := fr.feed([]byte("2026-01-01 something happened\n"))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if !strings.HasPrefix(string(frames[0].data), "2026-01-01") {
		t.Errorf("frame = %q", frames[0].data)
	}
}
