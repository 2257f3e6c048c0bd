//go:build unix

package keybox

import "golang.org/x/sys/unix"

// checkWritable reports whether the calling process may write path, using
// the real rather than the effective user.
func checkWritable(path string) error {
	return unix.Access(path, unix.W_OK)
}
