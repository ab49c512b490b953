// Package split cuts archives into size-bounded attachment parts and joins
// them back together.
//
// Archives at or below the part size pass through as a single part without
// any I/O. Larger archives become part files "<archive>.zip.<k>" holding
// contiguous byte ranges, so concatenating them in index order restores the
// original archive byte for byte.
package split
