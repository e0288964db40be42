// Command quikcov-preload is built with `go build -buildmode=c-shared` into
// a shared object that LD_PRELOAD injects into the target process. It
// exports replacements for a handful of libc entry points; all of the
// capture/transmit decision logic lives in internal/preload and is
// exercised by that package's own tests without touching cgo at all.
package main

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
#include <sys/types.h>

typedef int (*open_fn)(const char*, int, mode_t);
typedef int (*openat_fn)(int, const char*, int, mode_t);
typedef void* (*fdopen_fn)(int, const char*);
typedef ssize_t (*write_fn)(int, const void*, size_t);
typedef size_t (*fwrite_fn)(const void*, size_t, size_t, void*);
typedef int (*close_fn)(int);
typedef int (*fclose_fn)(void*);

static open_fn real_open = 0;
static openat_fn real_openat = 0;
static fdopen_fn real_fdopen = 0;
static write_fn real_write = 0;
static fwrite_fn real_fwrite = 0;
static close_fn real_close = 0;
static fclose_fn real_fclose = 0;

static void quikcov_resolve_next(void) {
	if (!real_open)    real_open    = (open_fn)dlsym(RTLD_NEXT, "open");
	if (!real_openat)  real_openat  = (openat_fn)dlsym(RTLD_NEXT, "openat");
	if (!real_fdopen)  real_fdopen  = (fdopen_fn)dlsym(RTLD_NEXT, "fdopen");
	if (!real_write)   real_write   = (write_fn)dlsym(RTLD_NEXT, "write");
	if (!real_fwrite)  real_fwrite  = (fwrite_fn)dlsym(RTLD_NEXT, "fwrite");
	if (!real_close)   real_close   = (close_fn)dlsym(RTLD_NEXT, "close");
	if (!real_fclose)  real_fclose  = (fclose_fn)dlsym(RTLD_NEXT, "fclose");
}

static int quikcov_real_open(const char* path, int flags, mode_t mode) {
	quikcov_resolve_next();
	return real_open(path, flags, mode);
}
static int quikcov_real_openat(int dirfd, const char* path, int flags, mode_t mode) {
	quikcov_resolve_next();
	return real_openat(dirfd, path, flags, mode);
}
static void* quikcov_real_fdopen(int fd, const char* mode) {
	quikcov_resolve_next();
	return real_fdopen(fd, mode);
}
static ssize_t quikcov_real_write(int fd, const void* buf, size_t count) {
	quikcov_resolve_next();
	return real_write(fd, buf, count);
}
static size_t quikcov_real_fwrite(const void* ptr, size_t size, size_t nmemb, void* stream) {
	quikcov_resolve_next();
	return real_fwrite(ptr, size, nmemb, stream);
}
static int quikcov_real_close(int fd) {
	quikcov_resolve_next();
	return real_close(fd);
}
static int quikcov_real_fclose(void* stream) {
	quikcov_resolve_next();
	return real_fclose(stream);
}

static ssize_t quikcov_raw_pipe_write(int fd, const void* buf, size_t count) {
	quikcov_resolve_next();
	return real_write(fd, buf, count);
}
*/
import "C"

import (
	"os"
	"unsafe"

	"github.com/quikcov/quikcov/internal/logger"
	"github.com/quikcov/quikcov/internal/preload"
)

var (
	state = preload.NewState()
	hooks = preload.NewHooks(state, processCwd)
)

func processCwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

// abortOnPanic converts any panic escaping a hook into an immediate process
// abort: per spec, nothing may unwind across the C ABI boundary.
func abortOnPanic() {
	if r := recover(); r != nil {
		logger.Error("panic in interposition hook: %v", r)
		os.Exit(134) // SIGABRT-equivalent exit status, mirroring process::abort()
	}
}

func rawPipeWrite(fd int) func([]byte) (int, error) {
	return func(b []byte) (int, error) {
		n, errno := C.quikcov_raw_pipe_write(C.int(fd), unsafe.Pointer(&b[0]), C.size_t(len(b)))
		if n < 0 {
			return 0, os.NewSyscallError("write", errno)
		}
		return int(n), nil
	}
}

func pipeFd() (int, bool) {
	fd, err := state.PipeFd(os.LookupEnv)
	if err != nil {
		logger.Error("resolving quikcov pipe fd: %v", err)
		return 0, false
	}
	return fd, true
}

//export open
func open(pathname *C.char, flags C.int, mode C.mode_t) C.int {
	defer abortOnPanic()
	fd := C.quikcov_real_open(pathname, flags, mode)
	hooks.OnOpen(int(fd), C.GoString(pathname))
	return fd
}

//export openat
func openat(dirfd C.int, pathname *C.char, flags C.int, mode C.mode_t) C.int {
	defer abortOnPanic()
	fd := C.quikcov_real_openat(dirfd, pathname, flags, mode)
	hooks.OnOpen(int(fd), C.GoString(pathname))
	return fd
}

//export fdopen
func fdopen(fd C.int, mode *C.char) unsafe.Pointer {
	defer abortOnPanic()
	stream := C.quikcov_real_fdopen(fd, mode)
	if stream != nil {
		hooks.OnFdopen(uintptr(stream), int(fd))
	}
	return stream
}

//export write
func write(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	defer abortOnPanic()
	n := int(count)
	if n > 0 {
		data := C.GoBytes(buf, C.int(n))
		if hooks.OnWrite(int(fd), data) {
			return C.ssize_t(n)
		}
	}
	return C.quikcov_real_write(fd, buf, count)
}

//export fwrite
func fwrite(ptr unsafe.Pointer, size, nmemb C.size_t, stream unsafe.Pointer) C.size_t {
	defer abortOnPanic()
	n := int(size) * int(nmemb)
	if n > 0 {
		data := C.GoBytes(ptr, C.int(n))
		if hooks.OnFwrite(uintptr(stream), data) {
			return nmemb
		}
	}
	return C.quikcov_real_fwrite(ptr, size, nmemb, stream)
}

//export close
func close(fd C.int) C.int {
	defer abortOnPanic()
	if pipeFD, ok := pipeFd(); ok {
		hooks.OnClose(int(fd), rawPipeWrite(pipeFD))
	}
	return C.quikcov_real_close(fd)
}

//export fclose
func fclose(stream unsafe.Pointer) C.int {
	defer abortOnPanic()
	if pipeFD, ok := pipeFd(); ok {
		hooks.OnFclose(uintptr(stream), rawPipeWrite(pipeFD))
	}
	return C.quikcov_real_fclose(stream)
}

func main() {}
