package testsupport

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with size bytes of seeded pseudo-random
// data, so archives built from it do not shrink under compression. A size
// <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	WriteSeededFile(t, path, size, uint64(size))
}

// WriteSeededFile is WriteFile with an explicit seed.
func WriteSeededFile(t testing.TB, path string, size int64, seed uint64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	var key [32]byte
	for i := range 4 {
		key[i*8] = byte(seed >> (8 * i))
	}
	rng := rand.NewChaCha8(key)

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	remaining := size
	for remaining > 0 {
		toWrite := int64(chunkSize)
		if remaining < toWrite {
			toWrite = remaining
		}
		_, _ = rng.Read(buf[:toWrite])
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// WriteCaptureDir creates dir with the named files, each of size bytes.
func WriteCaptureDir(t testing.TB, dir string, size int64, names ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for i, name := range names {
		WriteSeededFile(t, filepath.Join(dir, name), size, uint64(i+1)*7919+uint64(size))
	}
}
