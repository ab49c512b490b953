// Package archive packages capture directories into zip files.
//
// Archives are written to a hidden temporary file in the output root, synced,
// and renamed into place, so a failed build never leaves a partial archive
// behind. Each archive records its on-disk size and BLAKE3 digest; the split
// package relies on both when cutting attachment parts.
package archive
