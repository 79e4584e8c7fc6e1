package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterRollsOverBySize(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "creditd.log")
	w, err := NewRotatingWriter(base, 16)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	rw := w.(*RotatingWriter)
	first := rw.Current()
	if _, err := w.Write([]byte("0123456789\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("abcdefghij\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := rw.Current()
	if first == second {
		t.Fatalf("expected rollover, still writing %s", first)
	}
	if !strings.HasSuffix(second, "-2.log") {
		t.Fatalf("unexpected rollover name %s", second)
	}
	data, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("read through pointer: %v", err)
	}
	if string(data) != "abcdefghij\n" {
		t.Fatalf("pointer should follow the active file, got %q", data)
	}
}

func TestRotatingWriterRollsOverByDay(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(filepath.Join(dir, "creditd"), 1<<20)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()
	rw := w.(*RotatingWriter)

	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	rw.now = func() time.Time { return day }
	if _, err := w.Write([]byte("a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(rw.Current(), "creditd-2026-03-01.log") {
		t.Fatalf("unexpected file %s", rw.Current())
	}
	day = day.Add(2 * time.Hour)
	if _, err := w.Write([]byte("b\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(rw.Current(), "creditd-2026-03-02.log") {
		t.Fatalf("unexpected file %s", rw.Current())
	}
}

func TestRotatingWriterDiscard(t *testing.T) {
	w, err := NewRotatingWriter("-", 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if n, err := w.Write([]byte("dropped")); err != nil || n != 7 {
		t.Fatalf("unexpected write result %d %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
