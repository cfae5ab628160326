package bootimage_test

import (
	"bytes"
	"testing"

	"github.com/nanovisor/sandbox/internal/bootimage"
)

func TestBuildFlatImageStampsEntryAndCopiesPayload(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	buf, err := bootimage.Build(bytes.NewReader(payload), 0x1000, 64)
	if err != nil {
		t.Fatal(err)
	}

	var entry uint64
	for i := 0; i < 8; i++ {
		entry |= uint64(buf[i]) << (8 * i)
	}

	if entry != 0x1000 {
		t.Fatalf("got entry %#x, want %#x", entry, 0x1000)
	}

	if !bytes.Equal(buf[8:8+len(payload)], payload) {
		t.Fatalf("payload not copied at offset 8: %x", buf[8:8+len(payload)])
	}
}

func TestBuildRejectsUndersizedCapacity(t *testing.T) {
	if _, err := bootimage.Build(bytes.NewReader([]byte{1, 2, 3}), 0, 4); err == nil {
		t.Fatal("expected an error for capacity smaller than the entry header")
	}
}

func TestBuildRejectsEmptyFlatImage(t *testing.T) {
	if _, err := bootimage.Build(bytes.NewReader(nil), 0, 64); err != bootimage.ErrZeroSizeImage {
		t.Fatalf("got %v, want ErrZeroSizeImage", err)
	}
}
