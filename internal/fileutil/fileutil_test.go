package fileutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	if err := WriteAtomic(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}
	if err := WriteAtomic(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("WriteAtomic() overwrite error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("content = %q, want %q", got, "second")
	}

	// No temp litter left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1", len(entries))
	}
}

func TestCopyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	content := []byte("copy me")
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content = %q, want %q", got, content)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLinkOrCopy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("linked"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("links on same filesystem", func(t *testing.T) {
		t.Parallel()
		dst := filepath.Join(dir, "hard")
		if err := LinkOrCopy(src, dst); err != nil {
			t.Fatalf("LinkOrCopy() error = %v", err)
		}
		got, err := os.ReadFile(dst)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "linked" {
			t.Fatalf("content = %q", got)
		}
	})

	t.Run("replaces existing target", func(t *testing.T) {
		t.Parallel()
		dst := filepath.Join(dir, "existing")
		if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := LinkOrCopy(src, dst); err != nil {
			t.Fatalf("LinkOrCopy() error = %v", err)
		}
		got, err := os.ReadFile(dst)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "linked" {
			t.Fatalf("content = %q, want %q", got, "linked")
		}
	})
}

func TestTreeSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 50), 0o644); err != nil {
		t.Fatal(err)
	}

	size, err := TreeSize(dir)
	if err != nil {
		t.Fatalf("TreeSize() error = %v", err)
	}
	if size != 150 {
		t.Fatalf("TreeSize() = %d, want 150", size)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("compressible content "), 200)
	compressed := Compress(data)
	if len(compressed) >= len(data) {
		t.Fatalf("compressed %d bytes into %d", len(data), len(compressed))
	}
	got, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestCompressToDecompressTo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	packed := filepath.Join(dir, "packed")
	out := filepath.Join(dir, "out")

	data := bytes.Repeat([]byte("zstd me "), 1000)
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := CompressTo(src, packed)
	if err != nil {
		t.Fatalf("CompressTo() error = %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("uncompressed size = %d, want %d", n, len(data))
	}

	if err := DecompressTo(packed, out); err != nil {
		t.Fatalf("DecompressTo() error = %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}
}
