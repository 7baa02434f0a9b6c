package image

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CollectPlugins returns every regular file directly inside dir, keyed by the
// name it gets inside the data image. Jenkins loads ".jpi" archives from the
// plugins directory, so ".hpi" files are renamed; other names are kept.
func CollectPlugins(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	files := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		dest := e.Name()
		if ext := filepath.Ext(dest); strings.EqualFold(ext, ".hpi") {
			dest = strings.TrimSuffix(dest, ext) + ".jpi"
		}
		files[dest] = filepath.Join(dir, e.Name())
	}
	return files, nil
}
