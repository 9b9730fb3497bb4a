package mounts

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAllowlist(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "allowlist.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing allowlist: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("loads valid document", func(t *testing.T) {
		path := writeAllowlist(t, dir, `{"allowed_roots": ["/srv/groups", "/srv/shared"]}`)
		list, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(list.AllowedRoots) != 2 {
			t.Errorf("expected 2 roots, got %d", len(list.AllowedRoots))
		}
	})

	t.Run("rejects relative roots", func(t *testing.T) {
		path := writeAllowlist(t, dir, `{"allowed_roots": ["relative/path"]}`)
		if _, err := Load(path); err == nil {
			t.Error("expected error for relative root")
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		path := writeAllowlist(t, dir, `{"allowed_roots": [`)
		if _, err := Load(path); err == nil {
			t.Error("expected error for malformed JSON")
		}
	})

	t.Run("fails on missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "nope.json")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestResolve(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "acme")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	outside, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	list := &Allowlist{AllowedRoots: []string{root}}

	t.Run("permits path under allowed root", func(t *testing.T) {
		resolved, err := list.Resolve([]Mount{{HostPath: sub, ContainerPath: "/workspace/group"}})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(resolved) != 1 {
			t.Fatalf("expected 1 mount, got %d", len(resolved))
		}
		if resolved[0].ContainerPath != "/workspace/group" {
			t.Errorf("container path changed: %s", resolved[0].ContainerPath)
		}
	})

	t.Run("permits the root itself", func(t *testing.T) {
		if _, err := list.Resolve([]Mount{{HostPath: root}}); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	})

	t.Run("rejects path outside allowlist", func(t *testing.T) {
		if _, err := list.Resolve([]Mount{{HostPath: outside}}); err == nil {
			t.Error("expected rejection for path outside allowed roots")
		}
	})

	t.Run("rejects prefix sibling", func(t *testing.T) {
		// /srv/groups must not permit /srv/groups-evil.
		sibling := root + "-evil"
		if err := os.MkdirAll(sibling, 0o755); err != nil {
			t.Fatal(err)
		}
		defer os.RemoveAll(sibling)
		if _, err := list.Resolve([]Mount{{HostPath: sibling}}); err == nil {
			t.Error("expected rejection for sibling directory sharing the root prefix")
		}
	})

	t.Run("rejects symlink escaping the root", func(t *testing.T) {
		link := filepath.Join(sub, "escape")
		if err := os.Symlink(outside, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		defer os.Remove(link)
		if _, err := list.Resolve([]Mount{{HostPath: link}}); err == nil {
			t.Error("expected rejection for symlink pointing outside allowed roots")
		}
	})

	t.Run("one bad mount fails the whole set", func(t *testing.T) {
		_, err := list.Resolve([]Mount{
			{HostPath: sub},
			{HostPath: outside},
		})
		if err == nil {
			t.Error("expected whole resolution to fail")
		}
	})

	t.Run("defaults container path to host path", func(t *testing.T) {
		resolved, err := list.Resolve([]Mount{{HostPath: sub}})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if resolved[0].ContainerPath == "" {
			t.Error("expected container path default")
		}
	})
}
