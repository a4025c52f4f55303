package file

import (
	"os"
	"path/filepath"
	"time"
)

// FindNewest returns the most recently modified regular file directly under
// dir, or an empty string when the directory holds no files.
func FindNewest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", err
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, entry.Name())
			newestMod = info.ModTime()
		}
	}
	return newest, nil
}
