package utils

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
)

const (
	nameLength   = 10
	nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// RandomName returns a 10 letter name drawn from rng.
func RandomName(rng *rand.Rand) string {
	name := make([]byte, nameLength)
	for i := range name {
		name[i] = nameAlphabet[rng.IntN(len(nameAlphabet))]
	}
	return string(name)
}

// WriteUniqueFile writes data to dir/<random name>.<ext>, drawing new names
// until one is unused. The file is created with O_EXCL so two writers never
// claim the same name. It returns the path written.
func WriteUniqueFile(rng *rand.Rand, dir, ext string, data []byte) (string, error) {
	for {
		path := filepath.Join(dir, RandomName(rng)+"."+ext)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close %s: %w", path, err)
		}
		return path, nil
	}
}

// ReplaceExt swaps the extension of path, keeping the basename.
func ReplaceExt(path, ext string) string {
	return path[:len(path)-len(filepath.Ext(path))] + "." + ext
}
