package fb

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSharedMemoryCreateAndReattach(t *testing.T) {
	dir := t.TempDir()

	frame, err := newShared(dir, 64, 32, "canvas")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	frame.Set(10, 10, 0xabcdef)
	if err := frame.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "canvas"))
	if err != nil {
		t.Fatalf("read region: %v", err)
	}
	if w := binary.LittleEndian.Uint16(raw[0:2]); w != 64 {
		t.Fatalf("header width: got=%d", w)
	}
	if h := binary.LittleEndian.Uint16(raw[2:4]); h != 32 {
		t.Fatalf("header height: got=%d", h)
	}

	again, err := newShared(dir, 64, 32, "canvas")
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	defer again.Close()
	if got := again.Get(10, 10); got != 0xabcdef {
		t.Fatalf("pixel did not survive reattach: got=%#x", got)
	}
}

func TestSharedMemoryDimensionMismatch(t *testing.T) {
	dir := t.TempDir()

	frame, err := newShared(dir, 64, 32, "canvas")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	frame.Close()

	if _, err := newShared(dir, 32, 64, "canvas"); !errors.Is(err, ErrSharedMemoryMismatch) {
		t.Fatalf("expected ErrSharedMemoryMismatch, got %v", err)
	}
	if _, err := newShared(dir, 128, 128, "canvas"); !errors.Is(err, ErrSharedMemoryMismatch) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
}

func TestSharedMemoryNameIsSanitized(t *testing.T) {
	dir := t.TempDir()
	frame, err := newShared(dir, 8, 8, "../escape")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer frame.Close()
	if _, err := os.Stat(filepath.Join(dir, "escape")); err != nil {
		t.Fatalf("region not created inside the shm directory: %v", err)
	}
}
