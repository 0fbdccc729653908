package fetch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// applyPatch applies one unified-diff patch file to the staged tree rooted
// at root. Any hunk that fails to apply aborts the whole patch; the caller
// discards the staging directory, so a conflict never leaves a half-patched
// tree behind.
func applyPatch(root, patchPath string) error {
	f, err := os.Open(patchPath)
	if err != nil {
		return fmt.Errorf("open patch: %w", err)
	}
	defer f.Close()

	files, _, err := gitdiff.Parse(f)
	if err != nil {
		return fmt.Errorf("parse patch: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("patch contains no file changes")
	}

	for _, file := range files {
		if err := applyFilePatch(root, file); err != nil {
			return err
		}
	}
	return nil
}

func applyFilePatch(root string, file *gitdiff.File) error {
	oldPath, err := patchTarget(root, file.OldName)
	if err != nil {
		return err
	}
	newPath, err := patchTarget(root, file.NewName)
	if err != nil {
		return err
	}

	if file.IsDelete {
		if err := os.Remove(oldPath); err != nil {
			return fmt.Errorf("delete %s: %w", file.OldName, err)
		}
		return nil
	}

	var src *bytes.Reader
	if file.IsNew {
		src = bytes.NewReader(nil)
	} else {
		data, err := os.ReadFile(oldPath)
		if err != nil {
			return fmt.Errorf("read patch target %s: %w", file.OldName, err)
		}
		src = bytes.NewReader(data)
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, src, file); err != nil {
		return fmt.Errorf("apply to %s: %w", file.NewName, err)
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0o750); err != nil {
		return fmt.Errorf("create patch target directory: %w", err)
	}
	mode := os.FileMode(0o644)
	if file.NewMode != 0 {
		mode = os.FileMode(file.NewMode) & 0o777
	} else if info, err := os.Stat(oldPath); err == nil {
		mode = info.Mode() & 0o777
	}
	if err := os.WriteFile(newPath, out.Bytes(), mode); err != nil {
		return fmt.Errorf("write patched file %s: %w", file.NewName, err)
	}
	if file.IsRename && oldPath != newPath {
		if err := os.Remove(oldPath); err != nil {
			return fmt.Errorf("remove renamed file %s: %w", file.OldName, err)
		}
	}
	return nil
}

// patchTarget validates a patch file name and anchors it under root.
func patchTarget(root, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	return securePath(root, name)
}
