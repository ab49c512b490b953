//go:build !unix

package fileutil

// FreeBytes is not implemented on this platform.
func FreeBytes(string) (uint64, bool, error) {
	return 0, false, nil
}
