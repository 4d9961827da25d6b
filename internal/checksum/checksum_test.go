package checksum

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSumStable(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	if a != b {
		t.Errorf("Sum not stable: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
}

func TestSumJSONMapOrder(t *testing.T) {
	// Map key order must not change the digest.
	a, err := SumJSON(map[string]any{"width": 1.5, "color": "oak", "height": 2})
	if err != nil {
		t.Fatalf("SumJSON failed: %v", err)
	}
	b, err := SumJSON(map[string]any{"height": 2, "color": "oak", "width": 1.5})
	if err != nil {
		t.Fatalf("SumJSON failed: %v", err)
	}
	if a != b {
		t.Errorf("Digest depends on map insertion order: %s vs %s", a, b)
	}
}

func TestVerifyDetectsSingleByteFlip(t *testing.T) {
	data := []byte("snapshot payload bytes")
	sum := Sum(data)
	if !Verify(data, sum) {
		t.Fatal("Verify rejected unmodified data")
	}
	data[3] ^= 0x01
	if Verify(data, sum) {
		t.Error("Verify accepted corrupted data")
	}
}

func TestSumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := SumFile(path)
	if err != nil {
		t.Fatalf("SumFile failed: %v", err)
	}
	if got != Sum([]byte("abc")) {
		t.Errorf("SumFile digest mismatch: %s", got)
	}
}
