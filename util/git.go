package util

import (
	"os"
	"path/filepath"
)

// FindProjectRoot walks upward from start looking for a .git directory and
// returns the repository root. Returns start unchanged if .git is not found.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}

	for cur := dir; ; {
		if _, err := os.Stat(filepath.Join(cur, ".git")); err == nil {
			return cur, nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached filesystem root
			return dir, nil
		}
		cur = parent
	}
}
