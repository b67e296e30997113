package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/atende/examples"
	"github.com/nugget/atende/internal/tenant"
)

// exampleTenant is the id of the tenant written by init.
const exampleTenant = "exemplo"

// runInit writes an example config and one example tenant under dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing atende in %s\n", dir)

	tenantDir := filepath.Join(dir, "tenants", exampleTenant)
	for _, path := range []string{filepath.Join(dir, "data"), tenantDir} {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		path    string
		content []byte
		perm    os.FileMode
	}{
		// The config may hold API keys.
		{filepath.Join(dir, "config.yaml"), examples.ConfigYAML, 0o600},
		{filepath.Join(tenantDir, tenant.TenantFile), examples.TenantYAML, 0o644},
		{filepath.Join(tenantDir, tenant.KnowledgeFile), examples.KnowledgeYAML, 0o644},
	}
	for _, f := range files {
		written, err := writeIfMissing(f.path, f.content, f.perm)
		if err != nil {
			return err
		}
		mark := "✓"
		if !written {
			mark = "-"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, f.path)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Edit config.yaml and tenants/%s/ to customize your installation.\n", exampleTenant)
	fmt.Fprintf(w, "Try it: atende -config %s chat %s\n", filepath.Join(dir, "config.yaml"), exampleTenant)
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
