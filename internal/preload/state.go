// Package preload holds the cgo-free decision logic behind quikcov's
// LD_PRELOAD interposition library: which fds/streams are tracked as .gcda
// captures, how their in-memory buffers accumulate, and how a captured blob
// is framed for transmission down the IPC pipe. The cgo shim in
// cmd/quikcov-preload is a thin adapter over this package so the logic
// here is ordinarily unit-testable without touching the C ABI at all.
package preload

import (
	"strconv"
	"strings"
	"sync"

	"github.com/quikcov/quikcov/internal/ipc"
	"github.com/quikcov/quikcov/internal/logger"
)

// PipeEnvVar is the environment variable the child reads once at startup to
// learn which inherited fd is the IPC pipe's write end.
const PipeEnvVar = "QUIKCOV_LDPRELOAD_PIPE_FD"

type gcdaCapture struct {
	filepath string
	data     []byte
}

// State is the process-wide table set a preloaded library needs: tracked
// .gcda fds, the stream-to-fd mapping fdopen installs, and the lazily
// resolved pipe fd. Every table is guarded by its own mutex, held only
// across the map operation itself -- never across a call back into libc --
// so a hook re-entering a hook can't deadlock.
type State struct {
	mu       sync.Mutex
	captures map[int]*gcdaCapture

	streamMu sync.Mutex
	streams  map[uintptr]int

	pipeOnce sync.Once
	pipeFd   int
	pipeErr  error
}

// NewState builds an empty, ready-to-use State.
func NewState() *State {
	return &State{
		captures: make(map[int]*gcdaCapture),
		streams:  make(map[uintptr]int),
	}
}

// TrackIfGcda registers fd as a capture if path (already normalized) ends
// in ".gcda". No-op, and not an error, otherwise.
func (s *State) TrackIfGcda(fd int, path string) {
	if fd < 0 || !strings.HasSuffix(path, ".gcda") {
		return
	}
	s.mu.Lock()
	s.captures[fd] = &gcdaCapture{filepath: path}
	s.mu.Unlock()
}

// TrackStream records that stream corresponds to fd, as fdopen would.
func (s *State) TrackStream(stream uintptr, fd int) {
	if stream == 0 {
		return
	}
	s.streamMu.Lock()
	s.streams[stream] = fd
	s.streamMu.Unlock()
}

// AppendIfTracked appends data to fd's capture buffer, reporting whether fd
// was tracked. Callers fall through to the real write when it returns false.
func (s *State) AppendIfTracked(fd int, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[fd]
	if !ok {
		return false
	}
	c.data = append(c.data, data...)
	return true
}

// FdForStream resolves a previously fdopen'd stream back to its fd.
func (s *State) FdForStream(stream uintptr) (int, bool) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	fd, ok := s.streams[stream]
	return fd, ok
}

// ForgetStream removes a stream's fd mapping, as fclose would.
func (s *State) ForgetStream(stream uintptr) {
	s.streamMu.Lock()
	delete(s.streams, stream)
	s.streamMu.Unlock()
}

// TakeCapture removes and returns fd's capture, if any, along with whether
// it held unflushed bytes worth transmitting.
func (s *State) TakeCapture(fd int) (ipc.Message, bool) {
	s.mu.Lock()
	c, ok := s.captures[fd]
	if ok {
		delete(s.captures, fd)
	}
	s.mu.Unlock()

	if !ok || len(c.data) == 0 {
		return ipc.Message{}, false
	}
	return ipc.Message{Filepath: c.filepath, Data: c.data}, true
}

// PipeFd resolves the IPC pipe fd from PipeEnvVar exactly once per process,
// caching the result (or the parse error) for every subsequent call.
func (s *State) PipeFd(lookupEnv func(string) (string, bool)) (int, error) {
	s.pipeOnce.Do(func() {
		raw, ok := lookupEnv(PipeEnvVar)
		if !ok {
			s.pipeErr = errMissingPipeEnv
			return
		}
		fd, err := strconv.Atoi(raw)
		if err != nil || fd < 0 {
			s.pipeErr = errBadPipeEnv
			return
		}
		s.pipeFd = fd
	})
	return s.pipeFd, s.pipeErr
}

var (
	errMissingPipeEnv = &preloadError{"missing " + PipeEnvVar + " environment variable"}
	errBadPipeEnv     = &preloadError{PipeEnvVar + " must contain a non-negative integer fd"}
)

type preloadError struct{ msg string }

func (e *preloadError) Error() string { return e.msg }

// NormalizePath rewrites a GCC-emitted "/proc/self/cwd/"-relative path into
// one rooted at the process's actual working directory, the same
// normalization GCC's own runtime applies before opening .gcda files.
func NormalizePath(path, cwd string) string {
	const magicPrefix = "/proc/self/cwd/"
	if strings.HasPrefix(path, magicPrefix) {
		return cwd + "/" + strings.TrimPrefix(path, magicPrefix)
	}
	return path
}

// logMissingCapture reports, at trace level, a close() on an fd that has no
// captured bytes to transmit.
func logMissingCapture(fd int) {
	logger.Trace("close on untracked fd %d, nothing to transmit", fd)
}
