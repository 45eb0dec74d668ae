package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and then in each of its parents, and returns the path of the first match.
// It returns "" when no directory up to the root has it.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
