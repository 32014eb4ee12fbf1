package sandbox

import (
	"strings"
	"testing"
)

func TestCapWriterUnderCap(t *testing.T) {
	w := NewCapWriter(10)
	n, err := w.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write() = (%d, %v)", n, err)
	}
	if w.String() != "hello" || w.Truncated() {
		t.Errorf("got %q truncated=%v", w.String(), w.Truncated())
	}
}

func TestCapWriterExactlyAtCap(t *testing.T) {
	w := NewCapWriter(5)
	w.Write([]byte("hello"))
	if w.Truncated() {
		t.Error("write exactly at cap flagged as truncated")
	}
	if w.String() != "hello" {
		t.Errorf("got %q, want %q", w.String(), "hello")
	}
}

func TestCapWriterOverCap(t *testing.T) {
	w := NewCapWriter(5)
	n, err := w.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write() = (%d, %v), want full length accepted", n, err)
	}
	if w.String() != "hello" {
		t.Errorf("retained = %q, want %q", w.String(), "hello")
	}
	if !w.Truncated() {
		t.Error("truncation flag not set")
	}

	// further writes are dropped entirely
	w.Write([]byte("more"))
	if w.Len() != 5 {
		t.Errorf("Len() = %d after post-cap write, want 5", w.Len())
	}
}

func TestCapWriterReset(t *testing.T) {
	w := NewCapWriter(5)
	w.Write([]byte("overflowing"))
	w.Reset()
	if w.Len() != 0 || w.Truncated() {
		t.Errorf("after Reset: len=%d truncated=%v", w.Len(), w.Truncated())
	}
	w.Write([]byte("ok"))
	if w.String() != "ok" {
		t.Errorf("got %q after reset", w.String())
	}
}

func TestCapWriterTail(t *testing.T) {
	w := NewCapWriter(100)
	w.Write([]byte(strings.Repeat("a", 10) + "TAIL"))
	if got := w.Tail(4); got != "TAIL" {
		t.Errorf("Tail(4) = %q", got)
	}
	if got := w.Tail(1000); got != w.String() {
		t.Errorf("Tail(1000) = %q, want whole buffer", got)
	}
}
