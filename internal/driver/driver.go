package driver

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/quikcov/quikcov/internal/gcov"
	"github.com/quikcov/quikcov/internal/ipc"
	"github.com/quikcov/quikcov/internal/logger"
)

// Config bundles the inputs one quikcov run needs.
type Config struct {
	CoverageDir string
	PreloadLib  string
	SeedDir     string
	OutputDir   string
	AbsPaths    bool
	Timeout     time.Duration
	Command     []string
}

// Driver runs the discover -> spawn-per-seed -> drain -> fold -> report loop
// described for a single quikcov invocation.
type Driver struct {
	fs       afero.Fs
	spawner  Spawner
	reporter gcov.Reporter
	cfg      Config
}

// New builds a Driver. fs backs all filesystem access except spawning the
// target itself, which spawner owns.
func New(fs afero.Fs, spawner Spawner, reporter gcov.Reporter, cfg Config) *Driver {
	return &Driver{fs: fs, spawner: spawner, reporter: reporter, cfg: cfg}
}

// Run executes the full driver loop: one discovery pass, then one spawn per
// seed, folding every captured .gcda blob into its matching session and
// persisting a snapshot whenever coverage grows.
func (d *Driver) Run() error {
	discoverer := NewDiscoverer(d.fs, d.cfg.AbsPaths)
	targets, err := discoverer.Discover(d.cfg.CoverageDir)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logger.Warn("no .gcno files found under %s, nothing to cover", d.cfg.CoverageDir)
	}

	byDataPath := make(map[string]*Target, len(targets))
	for _, t := range targets {
		byDataPath[t.DataPath] = t
	}

	seeds, err := EnumerateSeeds(d.fs, d.cfg.SeedDir)
	if err != nil {
		return err
	}
	logger.Info("enumerated %d seed(s) under %s", len(seeds), d.cfg.SeedDir)

	for rank, seedPath := range seeds {
		seedIndex := seedIndexFromRank(rank)
		if err := d.runOneSeed(seedIndex, seedPath, byDataPath); err != nil {
			logger.Error("seed %d (%s): %v", seedIndex, seedPath, err)
			continue
		}

		snapshot, err := d.buildSnapshot(targets)
		if err != nil {
			logger.Error("seed %d: building coverage snapshot: %v", seedIndex, err)
			continue
		}

		summary, err := d.reporter.Report(seedIndex, snapshot)
		if err != nil {
			logger.Error("seed %d: persisting snapshot: %v", seedIndex, err)
			continue
		}
		logger.Info("seed %d/%d: %d/%d blocks covered across %d file(s)",
			seedIndex, len(seeds), summary.TotalCovered, summary.TotalBlocks, len(summary.Files))
	}

	return nil
}

// runOneSeed spawns the target once against seedPath and folds every frame
// the child transmits before it exits into the matching session.
func (d *Driver) runOneSeed(seedIndex int, seedPath string, byDataPath map[string]*Target) error {
	seedFile, err := d.fs.Open(seedPath)
	if err != nil {
		return err
	}
	defer seedFile.Close()

	pipeReader, pipeWriter, err := os.Pipe()
	if err != nil {
		return err
	}

	req := SpawnRequest{
		Command:    d.cfg.Command,
		Stdin:      seedFile,
		PreloadLib: d.cfg.PreloadLib,
		PipeWriter: pipeWriter,
		Timeout:    d.cfg.Timeout,
	}

	spawnErr := make(chan error, 1)
	go func() {
		defer pipeWriter.Close()
		spawnErr <- d.spawner.Spawn(req)
	}()

	d.drainFrames(pipeReader, byDataPath)
	pipeReader.Close()

	return <-spawnErr
}

// drainFrames reads frames until EOF. A frame that references an
// unregistered data path, or whose data fails to fold, is logged and
// skipped; a malformed frame is logged and ends this seed's read loop.
func (d *Driver) drainFrames(r io.Reader, byDataPath map[string]*Target) {
	fr := ipc.NewReader(r)
	for {
		msg, err := fr.Next()
		if err != nil {
			if err != io.EOF {
				logger.Warn("malformed frame on IPC pipe, ending this seed's read loop: %v", err)
			}
			return
		}

		target, ok := byDataPath[normalizeForLookup(msg.Filepath)]
		if !ok {
			logger.Warn("captured .gcda for unregistered path %q, skipping", msg.Filepath)
			continue
		}
		if err := target.Session.AddData(msg.Data); err != nil {
			logger.Warn("folding captured data for %s: %v", msg.Filepath, err)
		}
	}
}

// normalizeForLookup trims a leading "./" so a relative path written by the
// target still matches a DataPath discovered via directory walking.
func normalizeForLookup(path string) string {
	return strings.TrimPrefix(path, "./")
}

// buildSnapshot finalizes every target's session independently -- Build
// clones rather than mutates -- and merges the results into one ProgCoverage.
func (d *Driver) buildSnapshot(targets []*Target) (*gcov.ProgCoverage, error) {
	snapshot := &gcov.ProgCoverage{Files: make(map[string]*gcov.FileCoverage)}
	for _, t := range targets {
		cov, err := t.Session.Build()
		if err != nil {
			return nil, err
		}
		if err := snapshot.Merge(cov); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}
