//go:build !windows

package keybox

// removeBeforeRename reports whether rename targets must be removed first.
const removeBeforeRename = false

func fileNames(path string) (backup, temp string) {
	return posixNames(path)
}
