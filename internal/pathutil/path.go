// Package pathutil resolves user-supplied paths for the CLI.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands environment tokens ($HOME, ${HOME}) and a leading
// "~/" in p. The result is not made absolute.
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

// RepoRelative converts p, absolute or relative to the working directory,
// into a forward-slash path relative to root. Paths outside root fail.
func RepoRelative(root, p string) (string, error) {
	expanded, err := ExpandUserAndEnv(p)
	if err != nil {
		return "", err
	}
	if expanded == "" {
		return "", fmt.Errorf("pathutil: empty path")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("pathutil: %s is outside %s", p, absRoot)
	}
	return filepath.ToSlash(rel), nil
}
