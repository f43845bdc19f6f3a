package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "kiln"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory holding persistent cache mounts.
//
//	Linux:   $XDG_CACHE_HOME/kiln/caches or ~/.cache/kiln/caches
//	macOS:   ~/Library/Caches/kiln/caches
func CacheRoot() string {
	return filepath.Join(xdg.CacheHome, toolName, "caches")
}

// Path to the host directory backing a named cache mount.
//
// The name is sanitized so that a manifest cannot escape the cache root
// through path separators or parent references.
func CacheMount(name string) (string, error) {
	clean := strings.TrimSpace(name)
	if clean == "" {
		return "", fmt.Errorf("empty cache name")
	}
	if strings.ContainsAny(clean, "/\\") || clean == "." || clean == ".." {
		return "", fmt.Errorf("invalid cache name %q", name)
	}
	return filepath.Join(CacheRoot(), clean), nil
}

// Default path to the directory receiving exported image archives.
//
//	Linux:   $XDG_STATE_HOME/kiln/images or ~/.local/state/kiln/images
//	macOS:   ~/Library/Application Support/kiln/images
func OutputRoot() string {
	return filepath.Join(xdg.StateHome, toolName, "images")
}
