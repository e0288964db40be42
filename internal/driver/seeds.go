package driver

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// readmeName is skipped during seed enumeration the same way a human
// browsing a corpus directory would ignore it.
const readmeName = "README"

// EnumerateSeeds lists seedDir's immediate entries, sorted by path, skipping
// subdirectories, dotfiles, and a README.
func EnumerateSeeds(fs afero.Fs, seedDir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, seedDir)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.EqualFold(name, readmeName) {
			continue
		}
		paths = append(paths, filepath.Join(seedDir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// seedIndexFromRank derives the 1-based seed index driver.Run uses to name
// snapshot files, independent of the seed's own filename.
func seedIndexFromRank(rank int) int { return rank + 1 }
