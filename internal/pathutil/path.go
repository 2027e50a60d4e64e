package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR / ${VAR} tokens and a leading "~/" in p.
// The result is not made absolute.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}

// ResolveRoot expands p and returns it as a cleaned absolute path.
func ResolveRoot(p string) (string, error) {
	expanded, err := ExpandUserAndEnv(p)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	if expanded == "" {
		return "", fmt.Errorf("path required")
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", expanded, err)
	}
	return filepath.Clean(abs), nil
}
