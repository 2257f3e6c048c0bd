//go:build windows

package keybox

const removeBeforeRename = true

func fileNames(path string) (backup, temp string) {
	return dosNames(path)
}
