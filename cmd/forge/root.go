package main

import "github.com/fortyweight/forge/internal/env"

// resolveWorkspaceRoot honors an explicit -workspace flag, otherwise
// defers to internal/env's FORGE_ROOT/ancestor-search discovery.
func resolveWorkspaceRoot(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	return env.WorkspaceRoot("")
}
