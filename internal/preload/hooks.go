package preload

import (
	"errors"
	"io"
	"syscall"

	"github.com/quikcov/quikcov/internal/ipc"
	"github.com/quikcov/quikcov/internal/logger"
)

// Hooks binds a State to the raw syscall primitives the cgo shim resolves
// via dlsym(RTLD_NEXT, ...), so the interposition decision logic stays unit
// testable against fake writers instead of a real libc.
type Hooks struct {
	state *State
	cwd   func() string
}

// NewHooks builds a Hooks bound to state. cwd is called on every
// open()/openat() that returns a valid fd, to resolve a /proc/self/cwd/
// prefix.
func NewHooks(state *State, cwd func() string) *Hooks {
	return &Hooks{state: state, cwd: cwd}
}

// OnOpen is invoked after the real open()/openat() returned fd for path. It
// has no return value: the fd and any error are entirely the real call's to
// report, this only decides whether to start tracking it.
func (h *Hooks) OnOpen(fd int, path string) {
	if fd < 0 {
		return
	}
	normalized := NormalizePath(path, h.cwd())
	h.state.TrackIfGcda(fd, normalized)
}

// OnFdopen is invoked after the real fdopen() returned a non-null stream
// for fd.
func (h *Hooks) OnFdopen(stream uintptr, fd int) {
	h.state.TrackStream(stream, fd)
}

// OnWrite decides whether a write(fd, data) should be captured in memory
// instead of reaching the real file. The return reports whether fd was
// tracked; when false the caller must fall through to the real write.
func (h *Hooks) OnWrite(fd int, data []byte) (handled bool) {
	return h.state.AppendIfTracked(fd, data)
}

// OnFwrite is OnWrite's stream-oriented counterpart: it resolves stream to
// a fd first, then applies the same capture-or-fall-through decision.
func (h *Hooks) OnFwrite(stream uintptr, data []byte) (handled bool) {
	fd, ok := h.state.FdForStream(stream)
	if !ok {
		return false
	}
	return h.state.AppendIfTracked(fd, data)
}

// OnClose is invoked before the real close(fd). If fd was tracked and has
// unflushed bytes, it transmits the capture down the IPC pipe. A failed
// transmission panics, which the cgo shim turns into a process abort.
func (h *Hooks) OnClose(fd int, rawWrite func(b []byte) (int, error)) {
	msg, ok := h.state.TakeCapture(fd)
	if !ok {
		logMissingCapture(fd)
		return
	}
	if err := Transmit(rawWrite, msg); err != nil {
		logger.Error("transmitting captured .gcda for fd %d: %v", fd, err)
		panic(err)
	}
}

// OnFclose resolves stream to its fd, forgets the mapping, then applies
// OnClose's transmit-if-captured logic.
func (h *Hooks) OnFclose(stream uintptr, rawWrite func(b []byte) (int, error)) {
	fd, ok := h.state.FdForStream(stream)
	h.state.ForgetStream(stream)
	if !ok {
		return
	}
	h.OnClose(fd, rawWrite)
}

// Transmit frames msg per the IPC wire format and writes it via rawWrite,
// retrying partial writes until every byte is sent. EINTR is retried
// transparently; a zero-length write or any other error is returned to the
// caller, and OnClose then aborts the child rather than continue with a
// corrupted stream.
func Transmit(rawWrite func(b []byte) (int, error), msg ipc.Message) error {
	frame := ipc.Encode(msg)
	for len(frame) > 0 {
		n, err := rawWrite(frame)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrClosedPipe
		}
		frame = frame[n:]
	}
	return nil
}
