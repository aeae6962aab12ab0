package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.png", "notes.txt", "c.jpeg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.jpg"), 0755); err != nil {
		t.Fatal(err)
	}

	paths, err := ListImages(dir)
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}

	want := []string{"a.png", "b.JPG", "c.jpeg"}
	if len(paths) != len(want) {
		t.Fatalf("Expected %d images, got %v", len(want), paths)
	}
	for i, p := range paths {
		if filepath.Base(p) != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, filepath.Base(p))
		}
	}
}

func TestContentHash(t *testing.T) {
	id := ContentHash([]byte("fake image content"))
	if len(id) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(id))
	}

	// Verify Determinism
	if id2 := ContentHash([]byte("fake image content")); id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	if id3 := ContentHash([]byte("fake image content!")); id == id3 {
		t.Error("Hash did not change after content modification")
	}
}
