// Package driver orchestrates one quikcov run: discovering note files,
// spawning the target under interposition once per seed, draining captured
// .gcda blobs off the IPC pipe, and folding them into a coverage snapshot.
package driver

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/quikcov/quikcov/internal/gcov"
	"github.com/quikcov/quikcov/internal/logger"
)

const gcnoSuffix = ".gcno"
const gcdaSuffix = ".gcda"

// Target binds one decoded note graph to an accumulating DataSession and
// the .gcda path the child is expected to eventually write.
type Target struct {
	NotePath string
	DataPath string
	Session  *gcov.DataSession
}

// Discoverer finds .gcno files under a coverage directory, decodes each
// into a Target, and clears any stale .gcda siblings left over from a
// previous run so they can't be mistaken for fresh data.
type Discoverer struct {
	fs       afero.Fs
	absPaths bool
}

// NewDiscoverer builds a Discoverer backed by fs. absPaths controls whether
// a Target's DataPath is reconstructed from the note's recorded cwd
// (absolute) or derived by suffix replacement relative to the note's own
// path (the default).
func NewDiscoverer(fs afero.Fs, absPaths bool) *Discoverer {
	return &Discoverer{fs: fs, absPaths: absPaths}
}

// Discover walks coverageDir, deleting stale .gcda files and decoding every
// .gcno file found into a registered Target.
func (d *Discoverer) Discover(coverageDir string) ([]*Target, error) {
	if err := d.clearStaleData(coverageDir); err != nil {
		return nil, err
	}

	var notePaths []string
	err := afero.Walk(d.fs, coverageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, gcnoSuffix) {
			notePaths = append(notePaths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(notePaths)

	targets := make([]*Target, 0, len(notePaths))
	for _, notePath := range notePaths {
		target, err := d.decodeTarget(notePath)
		if err != nil {
			logger.Error("decoding note file %s: %v", notePath, err)
			return nil, err
		}
		targets = append(targets, target)
	}
	logger.Info("discovered %d note file(s) under %s", len(targets), coverageDir)
	return targets, nil
}

func (d *Discoverer) decodeTarget(notePath string) (*Target, error) {
	raw, err := afero.ReadFile(d.fs, notePath)
	if err != nil {
		return nil, err
	}
	graph, err := gcov.DecodeNoteGraph(raw)
	if err != nil {
		return nil, err
	}

	dataPath := strings.TrimSuffix(notePath, gcnoSuffix) + gcdaSuffix
	if d.absPaths && graph.Cwd != nil {
		dataPath = filepath.Join(*graph.Cwd, strings.TrimSuffix(filepath.Base(notePath), gcnoSuffix)+gcdaSuffix)
	}

	return &Target{
		NotePath: notePath,
		DataPath: dataPath,
		Session:  gcov.NewDataSession(graph),
	}, nil
}

// clearStaleData removes any pre-existing .gcda file under coverageDir so a
// leftover from an earlier run can't be misread as fresh data.
func (d *Discoverer) clearStaleData(coverageDir string) error {
	var stale []string
	err := afero.Walk(d.fs, coverageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, gcdaSuffix) {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range stale {
		if err := d.fs.Remove(path); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		logger.Debug("removed %d stale .gcda file(s)", len(stale))
	}
	return nil
}
