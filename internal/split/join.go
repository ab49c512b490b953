package split

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Join concatenates parts in index order into dst and returns the BLAKE3
// digest of the result. dst is written atomically.
func Join(ctx context.Context, parts []Part, dst string) (string, error) {
	if len(parts) == 0 {
		return "", errors.New("join: no parts")
	}
	ordered := slices.Clone(parts)
	slices.SortFunc(ordered, func(a, b Part) int { return a.Index - b.Index })
	for i, p := range ordered {
		if p.Index != i {
			return "", fmt.Errorf("join: missing part %d", i+1)
		}
		if p.Total != 0 && p.Total != len(ordered) {
			return "", fmt.Errorf("join: part %d expects %d parts, have %d", i+1, p.Total, len(ordered))
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("join: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := blake3.New()
	w := io.MultiWriter(tmp, hasher)
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := appendFile(w, p.Path); err != nil {
			return "", fmt.Errorf("join part %d: %w", p.Index+1, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("join: %w", err)
	}
	committed = true
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// PartsFromPaths rebuilds Part values from part file paths named
// "<archive>.zip.<k>" or "<archive>.zip.<k>of<n>".
func PartsFromPaths(paths []string) ([]Part, error) {
	parts := make([]Part, 0, len(paths))
	for _, path := range paths {
		k, err := partNumber(filepath.Base(path))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, Part{Index: k - 1, Path: path, Size: info.Size(), Filename: filepath.Base(path)})
	}
	for i := range parts {
		parts[i].Total = len(parts)
	}
	return parts, nil
}

func partNumber(name string) (int, error) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return 0, errors.New("not a part file")
	}
	suffix := name[idx+1:]
	if of := strings.Index(suffix, "of"); of > 0 {
		suffix = suffix[:of]
	}
	k, err := strconv.Atoi(suffix)
	if err != nil || k < 1 {
		return 0, errors.New("not a part file")
	}
	return k, nil
}
