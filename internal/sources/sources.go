package sources

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"parcel/internal/archive"
	"parcel/internal/config"
	"parcel/internal/fileutil"
	"parcel/internal/period"
)

// CaptureDir is one directory of captured data for a period. The pipeline
// only reads it; retention may delete it.
type CaptureDir struct {
	Source   string
	Category string
	Label    period.Label
	Path     string
}

// NameHint returns the archive name used for the directory.
func (c CaptureDir) NameHint() string {
	if c.Category == "" {
		return fmt.Sprintf("%s_%s", c.Label, c.Source)
	}
	return fmt.Sprintf("%s_%s_%s", c.Label, c.Source, c.Category)
}

// Discoverer finds the capture directories that exist for a period.
type Discoverer interface {
	Discover(label period.Label) ([]CaptureDir, error)
}

// New selects the Discoverer for a configured source.
func New(src config.Source, outputRoot string) (Discoverer, error) {
	g, err := period.ParseGranularity(src.Period)
	if err != nil {
		return nil, err
	}
	switch src.Kind {
	case config.SourceKindInbox, "":
		return NewInbox(src.Name, outputRoot, g), nil
	case config.SourceKindTree:
		return NewTree(src.Name, src.Root, src.Categories), nil
	default:
		return nil, fmt.Errorf("source %s: unsupported kind %q", src.Name, src.Kind)
	}
}

// Inbox keeps capture directories directly under the output root, one per
// period label.
type Inbox struct {
	name        string
	root        string
	granularity period.Granularity
}

// NewInbox constructs an inbox rooted at outputRoot.
func NewInbox(name, outputRoot string, g period.Granularity) *Inbox {
	return &Inbox{name: name, root: outputRoot, granularity: g}
}

// Discover implements Discoverer.
func (i *Inbox) Discover(label period.Label) ([]CaptureDir, error) {
	path := filepath.Join(i.root, label.String())
	ok, err := isDir(path)
	if err != nil || !ok {
		return nil, err
	}
	return []CaptureDir{{Source: i.name, Label: label, Path: path}}, nil
}

// Add copies file into the capture directory for the period containing now
// and returns the destination path.
func (i *Inbox) Add(file string, now time.Time) (string, error) {
	info, err := os.Stat(file)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", file)
	}
	dir := filepath.Join(i.root, period.Of(i.granularity, now).String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create inbox directory: %w", err)
	}
	dst := uniquePath(filepath.Join(dir, filepath.Base(file)))
	if _, err := fileutil.CopyFileVerified(file, dst); err != nil {
		return "", fmt.Errorf("copy into inbox: %w", err)
	}
	return dst, nil
}

// Tree keeps capture directories at <root>/<category>/<label>.
type Tree struct {
	name       string
	root       string
	categories []string
}

// NewTree constructs a tree source. With no categories every subdirectory of
// root is treated as one.
func NewTree(name, root string, categories []string) *Tree {
	return &Tree{name: name, root: root, categories: slices.Clone(categories)}
}

// Root reports the tree's root directory.
func (t *Tree) Root() string { return t.root }

// Discover implements Discoverer.
func (t *Tree) Discover(label period.Label) ([]CaptureDir, error) {
	ok, err := isDir(t.root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &archive.SourceNotFoundError{Path: t.root, Err: errors.New("source root missing")}
	}
	categories := t.categories
	if len(categories) == 0 {
		entries, err := os.ReadDir(t.root)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				categories = append(categories, entry.Name())
			}
		}
	}

	var dirs []CaptureDir
	for _, category := range categories {
		path := filepath.Join(t.root, category, label.String())
		ok, err := isDir(path)
		if err != nil {
			return nil, err
		}
		if ok {
			dirs = append(dirs, CaptureDir{Source: t.name, Category: category, Label: label, Path: path})
		}
	}
	return dirs, nil
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func uniquePath(path string) string {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, n, ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
