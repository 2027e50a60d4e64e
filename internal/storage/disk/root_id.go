package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// rootIDFile holds a UUID identifying the root. Hosts mounting the same
// share resolve the same value, which makes a misconfigured mount visible.
const rootIDFile = ".flatq-id"

// resolveRootID returns the identifier stored under root, creating it when
// absent. Concurrent creators race on os.Link; the loser adopts the winner's
// value.
func resolveRootID(root string, mode os.FileMode) (string, error) {
	path := filepath.Join(root, rootIDFile)
	id, err := readRootID(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	candidate := uuid.Must(uuid.NewV7()).String()
	tmp, err := os.CreateTemp(root, ".flatq-id-*")
	if err != nil {
		return "", fmt.Errorf("disk: root %q not writable: %w", root, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(candidate + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("disk: write root id: %w", err)
	}
	if err := tmp.Chmod(mode | 0o400); err != nil {
		tmp.Close()
		return "", fmt.Errorf("disk: chmod root id: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("disk: sync root id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("disk: close root id: %w", err)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return readRootID(path)
		}
		return "", fmt.Errorf("disk: publish root id: %w", err)
	}
	return candidate, nil
}

func readRootID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(raw))
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("disk: corrupt root id %q: %w", path, err)
	}
	return id, nil
}
