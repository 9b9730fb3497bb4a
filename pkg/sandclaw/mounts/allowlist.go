// Package mounts enforces the filesystem exposure policy for sandbox
// launches. The allowlist is an externally maintained JSON document
// living outside the orchestrator's own project directory; it is the
// sole authority for which host paths a sandbox may see.
//
// The list is loaded fresh for every launch, never cached across the
// security boundary, so allowlist edits take effect without a restart
// and a compromised agent process cannot escalate its own exposure.
package mounts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mount is one requested host path exposure.
type Mount struct {
	// HostPath is the host filesystem path to expose.
	HostPath string `json:"host_path"`

	// ContainerPath is where the path appears inside the sandbox.
	ContainerPath string `json:"container_path"`

	// ReadOnly mounts the path without write access.
	ReadOnly bool `json:"read_only"`
}

// Allowlist is one point-in-time snapshot of the permitted roots.
type Allowlist struct {
	// AllowedRoots are absolute host directories under which mounts may
	// be requested.
	AllowedRoots []string `json:"allowed_roots"`
}

// Load reads the allowlist document from disk. Callers must load per
// launch rather than holding a snapshot for the process lifetime.
func Load(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mount allowlist %q: %w", path, err)
	}

	var list Allowlist
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing mount allowlist %q: %w", path, err)
	}

	for i, root := range list.AllowedRoots {
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("mount allowlist root %q is not absolute", root)
		}
		list.AllowedRoots[i] = filepath.Clean(root)
	}
	return &list, nil
}

// Resolve validates every requested mount against the allowlist and
// returns the resolved set. Host paths are made absolute and symlinks
// evaluated before the containment check, so a symlink escaping an
// allowed root is rejected. Any path outside the allowlist fails the
// whole resolution.
func (a *Allowlist) Resolve(requested []Mount) ([]Mount, error) {
	resolved := make([]Mount, 0, len(requested))
	for _, m := range requested {
		abs, err := filepath.Abs(m.HostPath)
		if err != nil {
			return nil, fmt.Errorf("resolving mount path %q: %w", m.HostPath, err)
		}
		// Evaluate symlinks on the existing part of the path.
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		if !a.permits(abs) {
			return nil, fmt.Errorf("mount path %q is not in the allowlist", m.HostPath)
		}
		m.HostPath = abs
		if m.ContainerPath == "" {
			m.ContainerPath = abs
		}
		resolved = append(resolved, m)
	}
	return resolved, nil
}

// permits reports whether path is equal to or contained in an allowed root.
func (a *Allowlist) permits(path string) bool {
	path = filepath.Clean(path)
	for _, root := range a.AllowedRoots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
