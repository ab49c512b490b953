package main

import (
	"path"

	"github.com/disiqueira/gotree/v3"
	"github.com/dustin/go-humanize"

	"parcel/internal/archive"
)

type entryTree struct {
	root gotree.Tree
	dirs map[string]gotree.Tree
}

func newEntryTree(label string) entryTree {
	return entryTree{root: gotree.New(label), dirs: make(map[string]gotree.Tree)}
}

func (t entryTree) dir(dirPath string) gotree.Tree {
	if dirPath == "." || dirPath == "" {
		return t.root
	}
	node := t.dirs[dirPath]
	if node == nil {
		node = t.dir(path.Dir(dirPath)).Add(path.Base(dirPath))
		t.dirs[dirPath] = node
	}
	return node
}

// renderEntries draws archive entries as a directory tree. Zip names always
// use forward slashes.
func renderEntries(label string, entries []archive.Entry) string {
	t := newEntryTree(label)
	for _, e := range entries {
		t.dir(path.Dir(e.Name)).Add(path.Base(e.Name) + " (" + humanize.IBytes(e.Size) + ")")
	}
	return t.root.Print()
}
