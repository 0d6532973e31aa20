package ml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidModelPath = errors.New("invalid model path")

// ResolveModelDir maps a disease storage path and a classifier model path to
// a directory under root. Paths that escape root are rejected.
func ResolveModelDir(root, storagePath, modelPath string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("%w: models root is empty", ErrInvalidModelPath)
	}
	if strings.TrimSpace(storagePath) == "" || strings.TrimSpace(modelPath) == "" {
		return "", fmt.Errorf("%w: storage path %q, model path %q", ErrInvalidModelPath, storagePath, modelPath)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(absRoot, storagePath, modelPath)
	rel, err := filepath.Rel(absRoot, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrInvalidModelPath, filepath.Join(storagePath, modelPath), root)
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModelDirNotFound, dir)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrModelDirNotFound, dir)
	}
	return dir, nil
}
