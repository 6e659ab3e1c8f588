// Package env locates the forge workspace a command is running
// against. Resolves the TODO its predecessor left unfinished (walking
// up from the working directory for a dominating root) instead of
// falling back to a single fixed default directory.
package env

import (
	"os"
	"path/filepath"

	forge "github.com/fortyweight/forge"
)

// marker is the file a workspace root carries so an ancestor directory
// can be recognized from any subdirectory inside it.
const marker = "forge.workspace"

// WorkspaceRoot resolves the root of the forge workspace containing
// dir. FORGE_ROOT, if set, always wins. Otherwise it walks up from dir
// (the current directory, if dir is empty) looking for the nearest
// ancestor carrying a forge.workspace marker file or a previously
// populated cache directory; if neither is found, dir itself is
// returned so a single-target ad hoc invocation still works.
func WorkspaceRoot(dir string) (string, error) {
	if root := os.Getenv(forge.EnvWorkspaceRoot); root != "" {
		return filepath.Abs(root)
	}

	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	start, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for d := start; ; {
		if dominates(d) {
			return d, nil
		}
		parent := filepath.Dir(d)
		if parent == d {
			return start, nil
		}
		d = parent
	}
}

func dominates(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
		return true
	}
	_, err := os.Stat(filepath.Join(dir, forge.CacheDirName))
	return err == nil
}
