package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// HashTree computes a deterministic content hash for a directory tree:
// sha256 over sorted relpath:filehash lines. Symlinks contribute their
// target string rather than following it, so a tree with profile links
// hashes the same wherever the pool lives. The entry marker is excluded so
// the hash is stable across commit.
func HashTree(dir string) (string, error) {
	var lines []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == MarkerFile {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			sum := sha256.Sum256([]byte("link:" + target))
			lines = append(lines, filepath.ToSlash(rel)+":"+hex.EncodeToString(sum[:]))
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		lines = append(lines, filepath.ToSlash(rel)+":"+sum)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash tree %s: %w", dir, err)
	}

	sort.Strings(lines)
	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the sha256 hex digest of one file. Used for archive and
// patch integrity checks.
func HashFile(path string) (string, error) {
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SplitHashFragment splits an optional "#<sha256>" integrity fragment off a
// source location, the shorthand recipes use for per-download verification.
func SplitHashFragment(location string) (string, string) {
	if idx := strings.LastIndex(location, "#"); idx >= 0 {
		return location[:idx], location[idx+1:]
	}
	return location, ""
}
