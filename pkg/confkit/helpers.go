package confkit

import "os"

// FileExists reports whether p names an existing file or directory.
func FileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}
