package archive

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Entry is one file stored in an archive.
type Entry struct {
	Name string
	Size uint64
}

// List returns the regular files stored in the archive at path, in archive
// order. Directory entries are omitted.
func List(path string) ([]Entry, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		entries = append(entries, Entry{Name: f.Name, Size: f.UncompressedSize64})
	}
	return entries, nil
}
