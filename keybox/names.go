package keybox

import "strings"

const kbxExt = ".kbx"

// posixNames returns the backup and temp names used next to path on POSIX
// systems.
func posixNames(path string) (backup, temp string) {
	return path + "~", path + ".tmp"
}

// dosNames returns the backup and temp names used on Windows, where a
// trailing ".kbx" is replaced rather than extended.
func dosNames(path string) (backup, temp string) {
	if len(path) > len(kbxExt) && strings.EqualFold(path[len(path)-len(kbxExt):], kbxExt) {
		base := path[:len(path)-len(kbxExt)]
		return base + ".bak", base + ".tmp"
	}
	return path + ".bak", path + ".tmp"
}
